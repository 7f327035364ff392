package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

func createListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every device known to the registry",
		Args:  cobra.NoArgs,
		RunE:  executeList,
	}
}

func executeList(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	reg, err := loadRegistry(deviceRoot)
	if err != nil {
		return fmt.Errorf("loading device registry at %s: %w", deviceRoot, err)
	}
	if err := device.ValidateRegistry(reg); err != nil {
		return fmt.Errorf("device registry at %s failed validation: %w", deviceRoot, err)
	}

	all := reg.All()
	log.Infof("found %d device(s) under %s", len(all), deviceRoot)
	for _, d := range all {
		variants := d.Variants()
		aliasStr := ""
		if len(d.Aliases) > 0 {
			aliasStr = fmt.Sprintf(" (aliases: %s)", strings.Join(d.Aliases, ", "))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %-8s variants: %s%s\n", d.ID, d.Vendor, d.Arch, strings.Join(variants, ", "), aliasStr)
	}
	return nil
}
