// Package chrootexec prepares a chroot for post-install and bootloader
// scripts: bind-mounts the kernel virtual filesystems the teacher's own
// shell.GetFullCmdStr chroot branch expects to already be in place, then
// copies, executes, and cleans up each hook script per spec §4.8.
package chrootexec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

var log = logger.Logger()

// bindMountOrder is the sequence spec §4.8 and §5 ordering guarantee 4
// mandate: these bind mounts happen before any hook runs, and are torn
// down in reverse after the last hook returns.
var bindMountOrder = []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}

// BindSet is the set of kernel-virtual-filesystem bind mounts prepared for
// one chroot. Release unmounts everything it successfully mounted, in
// reverse order, regardless of which hook (if any) failed.
type BindSet struct {
	mountRoot string
	mounted   []string
}

// Prepare bind-mounts /proc, /sys, /dev, /dev/pts, and /run from the host
// into mountRoot, in that order. On partial failure it tears down what it
// already mounted before returning the error.
func Prepare(mountRoot string) (*BindSet, error) {
	bs := &BindSet{mountRoot: mountRoot}

	for _, src := range bindMountOrder {
		dst := filepath.Join(mountRoot, src)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			bs.Release()
			return nil, mkerrors.MountFailed(dst, fmt.Errorf("create bind target: %w", err))
		}
		if _, err := shell.ExecCmd(fmt.Sprintf("mount --bind %s %s", src, dst), true, shell.HostPath, nil); err != nil {
			bs.Release()
			return nil, mkerrors.MountFailed(dst, err)
		}
		bs.mounted = append(bs.mounted, dst)
		log.Debugf("bind-mounted %s at %s", src, dst)
	}

	return bs, nil
}

// Release unmounts every bind mount this BindSet holds, in reverse order.
// It is safe to call more than once. Unmount errors are logged but do not
// stop the remaining unmounts from being attempted.
func (bs *BindSet) Release() error {
	var errs []error
	for i := len(bs.mounted) - 1; i >= 0; i-- {
		dst := bs.mounted[i]
		if _, err := shell.ExecCmd("umount "+dst, true, shell.HostPath, nil); err != nil {
			errs = append(errs, mkerrors.UnmountFailed(dst, err))
			log.Warnf("failed to unmount bind mount %s: %v", dst, err)
		}
	}
	bs.mounted = nil
	return errors.Join(errs...)
}

// sanitizedPath is the PATH every hook script runs with, per spec §4.8.
const sanitizedPath = "/usr/bin:/bin:/usr/sbin:/sbin"

// RunHooks copies and executes each hook in order inside mountRoot,
// passing env plus the sanitized PATH. Each script is copied to a
// deterministic in-chroot path, made executable, run with its working
// directory at `/`, and removed whether it succeeded or failed. The first
// non-zero exit aborts and returns HookFailed without running the
// remaining hooks.
func RunHooks(mountRoot string, hooks []device.BootloaderHook, env []string) error {
	for i, hook := range hooks {
		if err := runOne(mountRoot, i, hook, env); err != nil {
			return err
		}
	}
	return nil
}

func runOne(mountRoot string, index int, hook device.BootloaderHook, env []string) error {
	chrootRelPath := fmt.Sprintf("/tmp/mkrawimg-hook-%d", index)
	hostPath := filepath.Join(mountRoot, chrootRelPath)

	contents, err := os.ReadFile(hook.ResolvedPath)
	if err != nil {
		return mkerrors.HookFailed(hook.Name, -1)
	}
	if err := os.WriteFile(hostPath, contents, 0o755); err != nil {
		return mkerrors.HookFailed(hook.Name, -1)
	}
	defer os.Remove(hostPath)

	// The env entries end up on a shell command line, so each value is
	// single-quoted to survive spaces (KERNEL_CMDLINE has several tokens).
	fullEnv := []string{"PATH=" + sanitizedPath}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		fullEnv = append(fullEnv, k+"='"+strings.ReplaceAll(v, "'", `'\''`)+"'")
	}
	log.Infof("running bootloader hook %s", hook.Name)

	if _, err := shell.ExecCmdWithStream(chrootRelPath, false, mountRoot, fullEnv); err != nil {
		return mkerrors.HookFailed(hook.Name, extractExitCode(err))
	}
	return nil
}

func extractExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
