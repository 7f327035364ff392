// Package mkerrors defines the stable error taxonomy the pipeline reports
// through: each kind carries a short machine-stable tag plus a wrapped
// cause, so the driver and the CLI can map failures to exit codes without
// string-matching messages.
package mkerrors

import (
	"errors"
	"fmt"
)

// Kind is a stable tag identifying an error category. Kinds never change
// spelling across releases; messages may.
type Kind string

const (
	// Configuration
	KindSpecParse        Kind = "SpecParseError"
	KindSpecValidation   Kind = "SpecValidationError"
	KindRegistryConflict Kind = "RegistryConflictError"

	// Preflight
	KindPrivilegeRequired     Kind = "PrivilegeRequired"
	KindMissingDependency     Kind = "MissingDependency"
	KindForeignArchUnsupported Kind = "ForeignArchUnsupported"

	// Resource
	KindNoFreeLoopDevice Kind = "NoFreeLoopDevice"
	KindAttachFailed     Kind = "AttachFailed"
	KindDetachFailed     Kind = "DetachFailed"
	KindMountFailed      Kind = "MountFailed"
	KindUnmountFailed    Kind = "UnmountFailed"

	// Build
	KindPartitionTableWriteFailed Kind = "PartitionTableWriteFailed"
	KindMkfsFailed                Kind = "MkfsFailed"
	KindRootfsCopyFailed          Kind = "RootfsCopyFailed"
	KindHookFailed                Kind = "HookFailed"
	KindCompressionFailed         Kind = "CompressionFailed"
	KindChecksumFailed            Kind = "ChecksumFailed"

	// Control
	KindCancelled Kind = "Cancelled"
	KindTimeout   Kind = "Timeout"
)

// Error is the common shape of every typed error this module returns.
type Error struct {
	kind    Kind
	message string
	cause   error

	// Optional structured fields, populated by the kinds that need them.
	DeviceID   string
	Violations []string
	Partition  int
	Tool       string
	ExitCode   int
	Stderr     string
	HookName   string
	Codec      string
	Stage      string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the stable error tag for e.
func (e *Error) Kind() Kind { return e.kind }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func SpecParse(deviceDir string, cause error) *Error {
	return newErr(KindSpecParse, "failed to parse device spec in "+deviceDir, cause)
}

func SpecValidation(deviceID string, violations []string) *Error {
	e := newErr(KindSpecValidation, fmt.Sprintf("device %q failed validation with %d violation(s)", deviceID, len(violations)), nil)
	e.DeviceID = deviceID
	e.Violations = violations
	return e
}

func RegistryConflict(id string) *Error {
	return newErr(KindRegistryConflict, fmt.Sprintf("duplicate device id or alias %q in registry", id), nil)
}

func PrivilegeRequired() *Error {
	return newErr(KindPrivilegeRequired, "build must run as root (effective UID 0)", nil)
}

func MissingDependency(tool string, cause error) *Error {
	e := newErr(KindMissingDependency, fmt.Sprintf("required external tool %q not found on PATH", tool), cause)
	e.Tool = tool
	return e
}

func ForeignArchUnsupported(arch string) *Error {
	return newErr(KindForeignArchUnsupported, fmt.Sprintf("no binfmt_misc interpreter registered for architecture %q", arch), nil)
}

func NoFreeLoopDevice(cause error) *Error {
	return newErr(KindNoFreeLoopDevice, "no free loop device available", cause)
}

func AttachFailed(path string, cause error) *Error {
	return newErr(KindAttachFailed, "failed to attach loop device for "+path, cause)
}

func DetachFailed(loopDev string, cause error) *Error {
	return newErr(KindDetachFailed, "failed to detach loop device "+loopDev, cause)
}

func MountFailed(mountpoint string, cause error) *Error {
	return newErr(KindMountFailed, "failed to mount "+mountpoint, cause)
}

func UnmountFailed(mountpoint string, cause error) *Error {
	return newErr(KindUnmountFailed, "failed to unmount "+mountpoint, cause)
}

func PartitionTableWriteFailed(cause error) *Error {
	return newErr(KindPartitionTableWriteFailed, "failed to write partition table", cause)
}

func MkfsFailed(partition int, tool string, exitCode int, stderr string) *Error {
	e := newErr(KindMkfsFailed, fmt.Sprintf("%s failed on partition %d (exit %d)", tool, partition, exitCode), nil)
	e.Partition = partition
	e.Tool = tool
	e.ExitCode = exitCode
	e.Stderr = stderr
	return e
}

func RootfsCopyFailed(cause error) *Error {
	return newErr(KindRootfsCopyFailed, "failed to copy root filesystem into staging tree", cause)
}

func HookFailed(name string, exitCode int) *Error {
	e := newErr(KindHookFailed, fmt.Sprintf("hook %q exited with status %d", name, exitCode), nil)
	e.HookName = name
	e.ExitCode = exitCode
	return e
}

func CompressionFailed(codec, stage string, cause error) *Error {
	e := newErr(KindCompressionFailed, fmt.Sprintf("compression failed (%s, stage=%s)", codec, stage), cause)
	e.Codec = codec
	e.Stage = stage
	return e
}

func ChecksumFailed(cause error) *Error {
	return newErr(KindChecksumFailed, "failed to write checksum file", cause)
}

func Cancelled() *Error {
	return newErr(KindCancelled, "build cancelled", nil)
}

func Timeout() *Error {
	return newErr(KindTimeout, "build exceeded its overall timeout", nil)
}

// ExitCode maps an error produced by this package to the process exit code
// contract: 0 success, 1 build failure, 2 configuration failure detected
// before any build starts.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var me *Error
	if !errors.As(err, &me) {
		return 1
	}
	switch me.kind {
	case KindSpecParse, KindSpecValidation, KindRegistryConflict:
		return 2
	default:
		return 1
	}
}
