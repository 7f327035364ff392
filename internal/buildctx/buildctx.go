// Package buildctx holds the transient state threaded through one
// (device, variant) build: the attached loop device, the staging mount
// root, the block identifiers recorded per partition, and the environment
// the chroot hooks run under.
package buildctx

import (
	"fmt"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

// PartitionIdentity is what the Filesystem Formatter records for one
// partition once its filesystem exists: its kernel device node and the
// block identifiers read back from it.
type PartitionIdentity struct {
	Node     string // e.g. /dev/loop0p2
	FSUUID   string
	PartUUID string
}

// Context is the per-build transient state described in spec §3's
// BuildContext. It is created at pipeline start and discarded after
// unmount/detach, success or failure.
type Context struct {
	Device  *device.DeviceSpec
	Variant string

	ImagePath  string
	LoopDevice string
	MountRoot  string

	// Partitions maps PartitionSpec.Num to the identity recorded for it
	// once its filesystem has been created.
	Partitions map[int]PartitionIdentity
}

// New creates a fresh, empty Context for one build.
func New(d *device.DeviceSpec, variant, imagePath string) *Context {
	return &Context{
		Device:     d,
		Variant:    variant,
		ImagePath:  imagePath,
		Partitions: make(map[int]PartitionIdentity),
	}
}

// RecordPartition stores the node/FSUUID/PartUUID recorded for a
// partition once it has been formatted.
func (c *Context) RecordPartition(num int, identity PartitionIdentity) {
	c.Partitions[num] = identity
}

// RootIdentity returns the PartitionIdentity of the device's rootfs
// partition. Callers may assume the spec has already been validated to
// have exactly one.
func (c *Context) RootIdentity() (PartitionIdentity, error) {
	root, ok := c.Device.RootPartition()
	if !ok {
		return PartitionIdentity{}, fmt.Errorf("buildctx: device %q has no rootfs partition", c.Device.ID)
	}
	id, ok := c.Partitions[root.Num]
	if !ok {
		return PartitionIdentity{}, fmt.Errorf("buildctx: no identity recorded yet for rootfs partition %d", root.Num)
	}
	return id, nil
}

// HookEnv derives the environment variables §4.8 guarantees are always
// exported and present for bootloader and post-install hooks.
func (c *Context) HookEnv() ([]string, error) {
	root, err := c.RootIdentity()
	if err != nil {
		return nil, err
	}
	return []string{
		"DEVICE_ID=" + c.Device.ID,
		"VARIANT=" + c.Variant,
		"LOOPDEV=" + c.LoopDevice,
		"ROOT_PARTUUID=" + root.PartUUID,
		"ROOT_FSUUID=" + root.FSUUID,
		"KERNEL_CMDLINE=" + c.Device.KernelCmdlineString(),
	}, nil
}
