// Package preflight runs the checks a build must pass before any resource
// is touched: the process must run as root, the external tools in
// requiredTools must be on PATH, and a foreign-architecture
// target must already have a binfmt_misc interpreter registered with the
// host kernel.
package preflight

import (
	"os"
	"runtime"
	"strings"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

var log = logger.Logger()

// requiredTools lists the external binaries CheckDependencies requires on
// PATH, independent of the device being built. sudo, bash, and chroot,
// which internal/utils/shell wraps commands in, are not in the list.
var requiredTools = []string{
	"losetup",
	"blockdev",
	"mount",
	"umount",
	"rsync",
	"mkfs.ext4",
	"mkfs.xfs",
	"mkfs.btrfs",
	"mkfs.vfat",
}

// binfmtStatusPath is a var so tests can point it at a fixture file.
var binfmtStatusPath = "/proc/sys/fs/binfmt_misc/status"

// geteuid is overridden in tests.
var geteuid = os.Geteuid

// Run performs every preflight check for a build of d, returning the first
// failure encountered: privilege, then missing dependencies, then (for a
// foreign-architecture target) binfmt_misc availability.
func Run(d *device.DeviceSpec) error {
	if err := CheckPrivilege(); err != nil {
		return err
	}
	if err := CheckDependencies(); err != nil {
		return err
	}
	if IsForeignArch(d.Arch) {
		if err := CheckForeignArchSupport(); err != nil {
			return err
		}
	}
	return nil
}

// CheckPrivilege verifies the process runs with effective UID 0, since
// loop-device attachment, partitioning, and mounting all require root.
func CheckPrivilege() error {
	if geteuid() != 0 {
		return mkerrors.PrivilegeRequired()
	}
	return nil
}

// CheckDependencies verifies every tool in requiredTools is resolvable on
// the host PATH.
func CheckDependencies() error {
	for _, tool := range requiredTools {
		ok, err := shell.IsCommandExist(tool, shell.HostPath)
		if err != nil {
			return mkerrors.MissingDependency(tool, err)
		}
		if !ok {
			return mkerrors.MissingDependency(tool, nil)
		}
		log.Debugf("found required tool %s on PATH", tool)
	}
	return nil
}

// IsForeignArch reports whether arch differs from the host's runtime
// architecture and therefore needs a binfmt_misc interpreter to chroot
// into.
func IsForeignArch(arch device.Arch) bool {
	return string(arch) != hostArch()
}

// hostArch maps runtime.GOARCH to the device spec's arch vocabulary.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return string(device.ArchAMD64)
	case "arm64":
		return string(device.ArchARM64)
	case "arm":
		return string(device.ArchARMHF)
	case "riscv64":
		return string(device.ArchRISCV64)
	default:
		return runtime.GOARCH
	}
}

// CheckForeignArchSupport verifies the kernel's binary-format subsystem is
// active, per spec §6. It does not check for a specific interpreter: the
// kernel only exposes a global enabled/disabled status, not a per-arch
// readiness flag.
func CheckForeignArchSupport() error {
	raw, err := os.ReadFile(binfmtStatusPath)
	if err != nil {
		return mkerrors.ForeignArchUnsupported("unknown")
	}
	if strings.TrimSpace(string(raw)) != "enabled" {
		return mkerrors.ForeignArchUnsupported(strings.TrimSpace(string(raw)))
	}
	return nil
}
