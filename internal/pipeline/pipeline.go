// Package pipeline sequences one device/variant build end to end: spec
// lookup, image sink, partitioner, filesystem formatter, mount
// orchestrator, rootfs installer, chroot executor, and compressor. It owns
// the scoped-resource teardown stack so every acquired resource is
// released on every exit path, modeled on the teacher's
// cleanupOnSuccess/cleanupOnError pattern generalized to an arbitrary
// number of stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aosc-dev/mkrawimg-go/internal/buildctx"
	"github.com/aosc-dev/mkrawimg-go/internal/chrootexec"
	"github.com/aosc-dev/mkrawimg-go/internal/compressor"
	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/fsformat"
	"github.com/aosc-dev/mkrawimg-go/internal/imagesink"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/mountorch"
	"github.com/aosc-dev/mkrawimg-go/internal/partitioner"
	"github.com/aosc-dev/mkrawimg-go/internal/preflight"
	"github.com/aosc-dev/mkrawimg-go/internal/rootfsinstall"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

var log = logger.Logger()

const sectorSize = 512

// BuildRequest is one build's complete input.
type BuildRequest struct {
	DeviceID  string
	Variant   string
	SourceDir string
	OutputDir string
	Codec     compressor.Codec

	// KeepOnFailure, when true, leaves the partial raw image in place for
	// inspection instead of removing it on error. The staging mount root is
	// unmounted and removed either way.
	KeepOnFailure bool
}

// BuildArtifact is what a successful build produces.
type BuildArtifact struct {
	Path     string
	SHA256   string
	Codec    compressor.Codec
	DeviceID string
	Variant  string
}

// teardown is a LIFO stack of release actions, run in reverse regardless
// of whether the build succeeded or failed.
type teardown struct {
	actions []func() error
}

func (t *teardown) push(action func() error) {
	t.actions = append(t.actions, action)
}

func (t *teardown) unwind() error {
	var errs []error
	for i := len(t.actions) - 1; i >= 0; i-- {
		if err := t.actions[i](); err != nil {
			errs = append(errs, err)
			log.Errorf("teardown step failed: %v", err)
		}
	}
	return errors.Join(errs...)
}

// checkCancelled maps a cancelled or expired ctx to the matching taxonomy
// error. Build calls this between stages; it never interrupts a stage
// already in flight.
func checkCancelled(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return mkerrors.Timeout()
	default:
		return mkerrors.Cancelled()
	}
}

// Build runs a complete build for req against a device looked up in reg,
// returning the finished artifact's location and checksum. ctx may be
// cancelled or given a deadline; Build checks it between stages so a
// build-all run can abandon remaining stages of an in-progress build
// without killing the tools already running.
func Build(ctx context.Context, reg *device.Registry, req BuildRequest) (artifact *BuildArtifact, err error) {
	d, ok := reg.Get(req.DeviceID)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown device %q", req.DeviceID)
	}

	sizeMiB, ok := d.Size[req.Variant]
	if !ok {
		return nil, fmt.Errorf("pipeline: device %q has no variant %q", d.ID, req.Variant)
	}

	if err := preflight.Run(d); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create output directory: %w", err)
	}
	imagePath := filepath.Join(req.OutputDir, fmt.Sprintf("%s-%s.raw", d.ID, req.Variant))

	td := &teardown{}
	defer func() {
		if err != nil && !req.KeepOnFailure {
			td.push(func() error {
				if rmErr := os.Remove(imagePath); rmErr != nil && !os.IsNotExist(rmErr) {
					return fmt.Errorf("remove partial image %s: %w", imagePath, rmErr)
				}
				return nil
			})
		}
		if unwindErr := td.unwind(); unwindErr != nil {
			err = errors.Join(err, unwindErr)
		}
	}()

	log.Infof("building device %q variant %q -> %s", d.ID, req.Variant, imagePath)
	if err = imagesink.Create(imagePath, sizeMiB); err != nil {
		return nil, err
	}

	loop, err := imagesink.Attach(imagePath)
	if err != nil {
		return nil, err
	}
	td.push(loop.Release)

	bc := buildctx.New(d, req.Variant, imagePath)
	bc.LoopDevice = loop.DevicePath

	diskSizeSectors := uint64(sizeMiB) * 1024 * 1024 / sectorSize
	if _, err = partitioner.Write(loop.DevicePath, d, diskSizeSectors); err != nil {
		return nil, err
	}
	if err = imagesink.Rescan(loop.DevicePath); err != nil {
		return nil, err
	}
	if err = checkCancelled(ctx); err != nil {
		return nil, err
	}

	if err = fsformat.Format(ctx, loop.DevicePath, d, bc); err != nil {
		return nil, err
	}
	if err = checkCancelled(ctx); err != nil {
		return nil, err
	}

	mountRoot, err := os.MkdirTemp(req.OutputDir, fmt.Sprintf(".mkrawimg-%s-%s-", d.ID, req.Variant))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create staging mount root: %w", err)
	}
	bc.MountRoot = mountRoot
	td.push(func() error { return os.RemoveAll(mountRoot) })

	plan := mountorch.Plan(mountRoot, loop.DevicePath, d)
	if err = mountorch.MountAll(plan); err != nil {
		return nil, err
	}
	td.push(func() error { return mountorch.UnmountAll(plan) })

	if err = rootfsinstall.Install(req.SourceDir, mountRoot); err != nil {
		return nil, err
	}
	if err = checkCancelled(ctx); err != nil {
		return nil, err
	}

	bindSet, err := chrootexec.Prepare(mountRoot)
	if err != nil {
		return nil, err
	}
	td.push(bindSet.Release)

	env, err := bc.HookEnv()
	if err != nil {
		return nil, err
	}
	if err = chrootexec.RunHooks(mountRoot, d.Bootloader, env); err != nil {
		return nil, err
	}

	// Chroot binds, mounts, and the loop device must all be released before
	// the image file is read back by the compressor. Release them in the
	// same order the deferred teardown stack would have, then clear it so
	// the deferred unwind at the end of Build has nothing left to do.
	if err = bindSet.Release(); err != nil {
		return nil, err
	}
	if err = mountorch.UnmountAll(plan); err != nil {
		return nil, err
	}
	if err = os.RemoveAll(mountRoot); err != nil {
		log.Warnf("failed to remove staging mount root %s: %v", mountRoot, err)
	}
	if err = loop.Release(); err != nil {
		return nil, err
	}
	td.actions = nil

	result, err := compressor.Compress(imagePath, req.Codec)
	if err != nil {
		return nil, err
	}

	log.Infof("build complete: %s", result.ArtifactPath)
	return &BuildArtifact{
		Path:     result.ArtifactPath,
		SHA256:   result.SHA256,
		Codec:    req.Codec,
		DeviceID: d.ID,
		Variant:  req.Variant,
	}, nil
}
