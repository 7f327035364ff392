// Package fsformat invokes the external mkfs.* tool matching each
// partition's declared filesystem, then records the resulting FS_UUID and
// PART_UUID into the build context via internal/blkident.
package fsformat

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aosc-dev/mkrawimg-go/internal/blkident"
	"github.com/aosc-dev/mkrawimg-go/internal/buildctx"
	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

var log = logger.Logger()

// mkfsTool maps a Filesystem to the external formatter that creates it.
var mkfsTool = map[device.Filesystem]string{
	device.FilesystemExt4:  "mkfs.ext4",
	device.FilesystemXFS:   "mkfs.xfs",
	device.FilesystemBtrfs: "mkfs.btrfs",
	device.FilesystemFAT32: "mkfs.vfat",
	device.FilesystemFAT16: "mkfs.vfat",
}

// Format creates the filesystem for every partition in d that declares one,
// addressing each by its kernel device node under loopDev, and records the
// resulting identifiers into bc. ctx is checked between partitions so a
// cancelled build does not start formatting one it no longer needs.
func Format(ctx context.Context, loopDev string, d *device.DeviceSpec, bc *buildctx.Context) error {
	for _, p := range d.Partitions {
		if p.Filesystem == device.FilesystemNone {
			continue
		}

		node := partitionNode(loopDev, p.Num)
		if err := formatOne(ctx, node, p); err != nil {
			return err
		}

		fsUUID, err := blkident.FSUUID(node, p.Filesystem)
		if err != nil {
			log.Warnf("could not determine FS_UUID for partition %d (%s): %v", p.Num, node, err)
		}
		partUUID, err := blkident.PartUUID(loopDev, p.Num)
		if err != nil {
			log.Warnf("could not determine PART_UUID for partition %d (%s): %v", p.Num, node, err)
		}

		bc.RecordPartition(p.Num, buildctx.PartitionIdentity{
			Node:     node,
			FSUUID:   fsUUID,
			PartUUID: partUUID,
		})

		log.Infof("formatted partition %d (%s) as %s, FS_UUID=%s PART_UUID=%s", p.Num, node, p.Filesystem, fsUUID, partUUID)
	}
	return nil
}

func formatOne(ctx context.Context, node string, p device.PartitionSpec) error {
	tool, ok := mkfsTool[p.Filesystem]
	if !ok {
		return mkerrors.MkfsFailed(p.Num, string(p.Filesystem), -1, "no formatter known for this filesystem")
	}

	args := []string{tool}
	if p.FSLabel != "" {
		args = append(args, labelFlag(p.Filesystem), shellQuote(p.FSLabel))
	}
	args = append(args, node)
	cmdStr := strings.Join(args, " ")

	if out, err := shell.ExecCmdContext(ctx, cmdStr, true, shell.HostPath, nil); err != nil {
		return mkerrors.MkfsFailed(p.Num, tool, extractExitCode(err), out)
	}
	return nil
}

func labelFlag(fs device.Filesystem) string {
	switch fs {
	case device.FilesystemExt4:
		return "-L"
	case device.FilesystemXFS:
		return "-L"
	case device.FilesystemBtrfs:
		return "-L"
	case device.FilesystemFAT32, device.FilesystemFAT16:
		return "-n"
	default:
		return "-L"
	}
}

func partitionNode(loopDev string, num int) string {
	return fmt.Sprintf("%sp%d", loopDev, num)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// extractExitCode unwraps the *exec.ExitError shell.ExecCmd's %w-wrapping
// preserves, returning -1 when the command never got as far as exiting
// with a status (e.g. it could not be started at all).
func extractExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
