// Package imagesink owns the backing image file and its loop device:
// sparse allocation, losetup attach/detach, and kernel partition-table
// rescans. Every resource it hands out is a scoped handle whose Release
// must run on every exit path.
package imagesink

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

const mib = 1024 * 1024

var log = logger.Logger()

// Create allocates a sparse file at path of exactly sizeMiB*1MiB bytes.
func Create(path string, sizeMiB int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create image file %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(sizeMiB) * mib); err != nil {
		return fmt.Errorf("failed to size image file %s: %w", path, err)
	}
	return nil
}

// LoopHandle is an owned loop-device attachment. Release must be called on
// every exit path; calls after the first do nothing.
type LoopHandle struct {
	DevicePath  string
	backingPath string
	released    bool
}

// Attach binds path to a free loop device with partition scanning enabled
// (`losetup -f -P --show`).
func Attach(path string) (*LoopHandle, error) {
	log.Debugf("attaching loop device for %s", path)
	out, err := shell.ExecCmd(fmt.Sprintf("losetup --show -f -P %s", shellQuote(path)), true, shell.HostPath, nil)
	if err != nil {
		if strings.Contains(out, "could not find") || strings.Contains(out, "No such file") {
			return nil, mkerrors.NoFreeLoopDevice(err)
		}
		return nil, mkerrors.AttachFailed(path, err)
	}
	dev := strings.TrimSpace(out)
	if dev == "" {
		return nil, mkerrors.AttachFailed(path, fmt.Errorf("losetup returned no device path"))
	}
	return &LoopHandle{DevicePath: dev, backingPath: path}, nil
}

// Release detaches the loop device. It is safe to call more than once;
// only the first call does anything.
func (h *LoopHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	log.Debugf("detaching loop device %s", h.DevicePath)
	if _, err := shell.ExecCmd("losetup -d "+h.DevicePath, true, shell.HostPath, nil); err != nil {
		return mkerrors.DetachFailed(h.DevicePath, err)
	}
	return waitForDetach(h.DevicePath, h.backingPath)
}

// Rescan asks the kernel to reread the partition table on loopDev,
// retried up to 5 times with 100ms backoff to tolerate a transient EBUSY
// while udev is still settling from a previous operation.
func Rescan(loopDev string) error {
	const (
		retries = 5
		backoff = 100 * time.Millisecond
	)

	f, err := os.OpenFile(loopDev, os.O_RDONLY, 0)
	if err != nil {
		return mkerrors.PartitionTableWriteFailed(fmt.Errorf("open %s for rescan: %w", loopDev, err))
	}
	defer f.Close()

	wait := backoff
	for attempt := 0; ; attempt++ {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && attempt < retries:
			time.Sleep(wait)
			continue
		case errno != 0:
			return mkerrors.PartitionTableWriteFailed(fmt.Errorf("BLKRRPART on %s: %w", loopDev, errno))
		default:
			return nil
		}
	}
}

type loopbackListOutput struct {
	Devices []struct {
		Name        string `json:"name"`
		BackingFile string `json:"back-file"`
	} `json:"loopdevices"`
}

func waitForDetach(devicePath, backingPath string) error {
	delay := 120 * time.Millisecond
	const attempts = 10

	for i := 0; i < attempts; i++ {
		out, err := shell.ExecCmdSilent("losetup --list --json --output NAME,BACK-FILE", false, shell.HostPath, nil)
		if err != nil {
			return mkerrors.DetachFailed(devicePath, fmt.Errorf("listing loop devices: %w", err))
		}

		var parsed loopbackListOutput
		if strings.TrimSpace(out) != "" {
			if err := json.Unmarshal([]byte(out), &parsed); err != nil {
				return mkerrors.DetachFailed(devicePath, fmt.Errorf("parsing loop device list: %w", err))
			}
		}

		stillAttached := false
		for _, d := range parsed.Devices {
			if d.Name == devicePath && d.BackingFile == backingPath {
				stillAttached = true
				break
			}
		}
		if !stillAttached {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return mkerrors.DetachFailed(devicePath, fmt.Errorf("timed out waiting for detach to complete"))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
