// Package mountorch builds and tears down the mount tree inside a staging
// directory, per spec §4.6: mount in depth order, unmount in reverse with
// retries to absorb lingering references.
package mountorch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

var log = logger.Logger()

// Mount is one resolved (host path, partition) pairing ready to be mounted
// or unmounted.
type Mount struct {
	Partition  device.PartitionSpec
	DeviceNode string
	HostPath   string
}

// Plan returns the mountable partitions of d (those with a non-empty
// Mountpoint), sorted by mountpoint depth so that `/` always precedes
// `/boot`, which always precedes `/boot/rpi`.
func Plan(mountRoot, loopDev string, d *device.DeviceSpec) []Mount {
	var mounts []Mount
	for _, p := range d.Partitions {
		if p.Mountpoint == "" {
			continue
		}
		mounts = append(mounts, Mount{
			Partition:  p,
			DeviceNode: fmt.Sprintf("%sp%d", loopDev, p.Num),
			HostPath:   filepath.Join(mountRoot, p.Mountpoint),
		})
	}

	sort.SliceStable(mounts, func(i, j int) bool {
		return depth(mounts[i].Partition.Mountpoint) < depth(mounts[j].Partition.Mountpoint)
	})
	return mounts
}

func depth(mountpoint string) int {
	clean := filepath.Clean(mountpoint)
	if clean == "/" {
		return 0
	}
	return strings.Count(clean, "/")
}

// MountAll walks plan in order, creating each mountpoint directory and
// mounting it with its declared options. On the first failure it returns
// immediately; the caller is responsible for tearing down whatever
// succeeded before the failure via UnmountAll.
func MountAll(plan []Mount) error {
	for _, m := range plan {
		if err := os.MkdirAll(m.HostPath, 0o755); err != nil {
			return mkerrors.MountFailed(m.HostPath, fmt.Errorf("create mountpoint: %w", err))
		}

		cmd := "mount " + m.DeviceNode + " " + m.HostPath
		if len(m.Partition.MountOpts) > 0 {
			cmd += " -o " + strings.Join(m.Partition.MountOpts, ",")
		}

		if _, err := shell.ExecCmd(cmd, true, shell.HostPath, nil); err != nil {
			return mkerrors.MountFailed(m.HostPath, err)
		}
		log.Infof("mounted %s at %s", m.DeviceNode, m.HostPath)
	}
	return nil
}

// UnmountAll unmounts every entry of plan in reverse order, retrying each
// up to 5 times with 200ms between attempts to absorb lingering
// references. It always attempts every entry regardless of earlier
// failures, collecting and returning them together so teardown never
// silently skips a mountpoint.
func UnmountAll(plan []Mount) error {
	var errs []string
	for i := len(plan) - 1; i >= 0; i-- {
		m := plan[i]
		if err := unmountWithRetry(m.HostPath); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return mkerrors.UnmountFailed(strings.Join(errs, "; "), fmt.Errorf("%d mountpoint(s) failed to unmount", len(errs)))
	}
	return nil
}

func unmountWithRetry(hostPath string) error {
	const (
		attempts = 5
		delay    = 200 * time.Millisecond
	)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := shell.ExecCmd("umount "+hostPath, true, shell.HostPath, nil); err != nil {
			lastErr = err
			time.Sleep(delay)
			continue
		}
		return nil
	}
	return fmt.Errorf("%s: %w", hostPath, lastErr)
}
