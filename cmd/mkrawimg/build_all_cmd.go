package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/aosc-dev/mkrawimg-go/internal/config"
	"github.com/aosc-dev/mkrawimg-go/internal/pipeline"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

var buildAllStrict bool

func createBuildAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-all BUILD_SET_FILE",
		Short: "Build every entry described by a build-request YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  executeBuildAll,
	}
	cmd.Flags().BoolVar(&buildAllStrict, "strict", true, "reject unknown fields in the build-request file")
	return cmd
}

func executeBuildAll(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	setPath := args[0]

	set, err := config.LoadBuildSet(setPath, buildAllStrict)
	if err != nil {
		return err
	}

	root := set.DeviceRoot
	if root == "" {
		root = deviceRoot
	}
	reg, err := loadRegistry(root)
	if err != nil {
		return fmt.Errorf("loading device registry at %s: %w", root, err)
	}

	bar := progressbar.NewOptions(len(set.Builds),
		progressbar.OptionSetDescription("building"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	var failures []string
	for _, b := range set.Builds {
		codec, err := config.ParseCodec(b.Codec)
		if err != nil {
			return err
		}

		log.Infof("building %s/%s", b.Device, b.Variant)
		artifact, err := runBuild(cmd.Context(), reg, pipeline.BuildRequest{
			DeviceID:      b.Device,
			Variant:       b.Variant,
			SourceDir:     b.SourceDir,
			OutputDir:     b.OutputDir,
			Codec:         codec,
			KeepOnFailure: b.KeepOnFailure,
		})
		if err != nil {
			log.Errorf("build failed for %s/%s: %v", b.Device, b.Variant, err)
			failures = append(failures, fmt.Sprintf("%s/%s: %v", b.Device, b.Variant, err))
		} else {
			log.Infof("built %s (sha256 %s)", artifact.Path, artifact.SHA256)
		}
		_ = bar.Add(1)
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d build(s) failed:\n  %s", len(failures), len(set.Builds), strings.Join(failures, "\n  "))
	}
	return nil
}
