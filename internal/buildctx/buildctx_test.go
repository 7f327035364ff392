package buildctx

import (
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

func testDevice() *device.DeviceSpec {
	return &device.DeviceSpec{
		ID:            "acme-widget",
		Arch:          device.ArchARM64,
		KernelCmdline: []string{"console=ttyS0,115200", "root=PARTUUID=auto"},
		Partitions: []device.PartitionSpec{
			{Num: 1, Usage: device.UsageBoot},
			{Num: 2, Usage: device.UsageRootfs},
		},
	}
}

func TestHookEnvIncludesAllRequiredVariables(t *testing.T) {
	ctx := New(testDevice(), "base", "/tmp/out.img")
	ctx.LoopDevice = "/dev/loop0"
	ctx.RecordPartition(2, PartitionIdentity{
		Node:     "/dev/loop0p2",
		FSUUID:   "11111111-2222-3333-4444-555555555555",
		PartUUID: "66666666-7777-8888-9999-000000000000",
	})

	env, err := ctx.HookEnv()
	if err != nil {
		t.Fatalf("HookEnv: %v", err)
	}

	want := map[string]bool{
		"DEVICE_ID=acme-widget": false,
		"VARIANT=base":          false,
		"LOOPDEV=/dev/loop0":    false,
		"ROOT_PARTUUID=66666666-7777-8888-9999-000000000000": false,
		"ROOT_FSUUID=11111111-2222-3333-4444-555555555555":   false,
		"KERNEL_CMDLINE=console=ttyS0,115200 root=PARTUUID=auto": false,
	}
	for _, e := range env {
		if _, ok := want[e]; ok {
			want[e] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("expected hook env to contain %q, got %v", k, env)
		}
	}
}

func TestHookEnvFailsWithoutRootIdentity(t *testing.T) {
	ctx := New(testDevice(), "base", "/tmp/out.img")
	if _, err := ctx.HookEnv(); err == nil {
		t.Fatal("expected HookEnv to fail before the root partition identity is recorded")
	}
}

func TestRootIdentityFailsWithoutRootfsPartition(t *testing.T) {
	d := testDevice()
	d.Partitions[1].Usage = device.UsageOther
	ctx := New(d, "base", "/tmp/out.img")

	if _, err := ctx.RootIdentity(); err == nil {
		t.Fatal("expected RootIdentity to fail when device has no rootfs partition")
	}
}
