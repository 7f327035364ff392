package main

import (
	"github.com/spf13/cobra"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

// verbose is accepted by every subcommand but is not read: the log level
// comes only from MKRAWIMG_LOG_LEVEL (see internal/utils/logger).
var verbose bool

// deviceRoot is the directory LoadRegistry walks for device.toml documents.
var deviceRoot string

// loadRegistry is a var so tests can inject a fake registry loader.
var loadRegistry = device.LoadRegistry

func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mkrawimg",
		Short: "Build raw disk images from a device registry",
		Long: `mkrawimg turns a declarative per-device build recipe and a prepared
root filesystem tree into a bootable raw disk image: it partitions a loop
device, formats and mounts each partition, installs the root filesystem,
runs the device's bootloader hooks in a chroot, and compresses the result.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "no effect on the log level, which is set by MKRAWIMG_LOG_LEVEL")
	root.PersistentFlags().StringVar(&deviceRoot, "device-root", "/etc/mkrawimg/devices",
		"directory to search for device.toml documents")

	root.AddCommand(createListCommand())
	root.AddCommand(createBuildCommand())
	root.AddCommand(createBuildAllCommand())

	return root
}

// deviceIDCompletion offers known device IDs and aliases for shell
// completion of a command's first positional argument.
func deviceIDCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	reg, err := loadRegistry(deviceRoot)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var ids []string
	for _, d := range reg.All() {
		ids = append(ids, d.ID)
		ids = append(ids, d.Aliases...)
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
