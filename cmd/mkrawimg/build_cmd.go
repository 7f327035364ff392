package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/aosc-dev/mkrawimg-go/internal/compressor"
	"github.com/aosc-dev/mkrawimg-go/internal/config"
	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/pipeline"
	"github.com/aosc-dev/mkrawimg-go/internal/preflight"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

var (
	buildVariant       string
	buildSourceDir     string
	buildOutputDir     string
	buildCodec         string
	buildKeepOnFailure bool
	buildCheck         bool
)

// runBuild is a var so tests can inject a fake pipeline without invoking
// the real one, which requires root and real loop devices.
var runBuild = pipeline.Build

func createBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "build DEVICE_ID",
		Short:             "Build a raw disk image for one device and variant",
		Args:              cobra.ExactArgs(1),
		RunE:              executeBuild,
		ValidArgsFunction: deviceIDCompletion,
	}

	cmd.Flags().StringVar(&buildVariant, "variant", "base", "device variant to build")
	cmd.Flags().StringVar(&buildSourceDir, "source", "", "root filesystem tree to install (required)")
	cmd.Flags().StringVar(&buildOutputDir, "output", ".", "directory to write the finished artifact into")
	cmd.Flags().StringVar(&buildCodec, "codec", "none", "compression codec: none, xz, or zstd")
	cmd.Flags().BoolVar(&buildKeepOnFailure, "keep-on-failure", false, "leave partial build artifacts in place on failure")
	cmd.Flags().BoolVar(&buildCheck, "check", false, "validate the device spec and preflight checks without building")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func executeBuild(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	deviceID := args[0]

	reg, err := loadRegistry(deviceRoot)
	if err != nil {
		return fmt.Errorf("loading device registry at %s: %w", deviceRoot, err)
	}

	d, ok := reg.Get(deviceID)
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	if err := device.Validate(d); err != nil {
		return err
	}

	codec, err := config.ParseCodec(buildCodec)
	if err != nil {
		return err
	}

	if buildCheck {
		if err := preflight.Run(d); err != nil {
			return err
		}
		log.Infof("device %q variant %q passed spec validation and preflight checks", d.ID, buildVariant)
		return nil
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("building %s/%s", d.ID, buildVariant)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	artifact, err := runBuild(cmd.Context(), reg, pipeline.BuildRequest{
		DeviceID:      deviceID,
		Variant:       buildVariant,
		SourceDir:     buildSourceDir,
		OutputDir:     buildOutputDir,
		Codec:         codec,
		KeepOnFailure: buildKeepOnFailure,
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}

	log.Infof("built %s (sha256 %s)", artifact.Path, artifact.SHA256)
	fmt.Println(artifact.Path)
	return nil
}
