// Package rootfsinstall copies a prepared distribution tree into the
// staging mount root using rsync, per spec §4.7.
package rootfsinstall

import (
	"fmt"
	"os"
	"strings"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/shell"
)

var log = logger.Logger()

// rsyncFlags preserves whole files (no delta transfer, irrelevant for a
// fresh staging tree and faster), hard links, and extended attributes, per
// spec §4.7.
const rsyncFlags = "-aHAX --whole-file"

// Install copies every file under sourceDir into mountRoot using rsync.
// sourceDir must already exist and be a directory; the distribution
// tarball expansion (if any) is the caller's responsibility.
func Install(sourceDir, mountRoot string) error {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return mkerrors.RootfsCopyFailed(fmt.Errorf("source %s: %w", sourceDir, err))
	}
	if !info.IsDir() {
		return mkerrors.RootfsCopyFailed(fmt.Errorf("source %s is not a directory", sourceDir))
	}

	// Trailing slash on the source copies its contents, not the directory
	// itself, into mountRoot.
	src := sourceDir
	if src[len(src)-1] != '/' {
		src += "/"
	}

	cmd := fmt.Sprintf("rsync %s %s %s", rsyncFlags, shellQuote(src), shellQuote(mountRoot))
	if _, err := shell.ExecCmdWithStream(cmd, true, shell.HostPath, nil); err != nil {
		return mkerrors.RootfsCopyFailed(err)
	}

	log.Infof("installed rootfs from %s into %s", sourceDir, mountRoot)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
