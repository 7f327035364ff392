package mountorch

import (
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

func TestPlanSortsByMountpointDepth(t *testing.T) {
	d := &device.DeviceSpec{
		Partitions: []device.PartitionSpec{
			{Num: 1, Mountpoint: "/boot/rpi"},
			{Num: 2, Mountpoint: "/"},
			{Num: 3, Mountpoint: "/boot"},
			{Num: 4, Mountpoint: ""}, // no mountpoint, not mounted
		},
	}

	plan := Plan("/mnt/stage", "/dev/loop0", d)
	if len(plan) != 3 {
		t.Fatalf("expected 3 mountable partitions, got %d", len(plan))
	}
	got := []string{plan[0].Partition.Mountpoint, plan[1].Partition.Mountpoint, plan[2].Partition.Mountpoint}
	want := []string{"/", "/boot", "/boot/rpi"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mount order = %v, want %v", got, want)
		}
	}
}

func TestPlanComputesHostPathAndDeviceNode(t *testing.T) {
	d := &device.DeviceSpec{
		Partitions: []device.PartitionSpec{
			{Num: 2, Mountpoint: "/"},
		},
	}
	plan := Plan("/mnt/stage", "/dev/loop0", d)
	if len(plan) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(plan))
	}
	if plan[0].DeviceNode != "/dev/loop0p2" {
		t.Fatalf("got device node %q, want /dev/loop0p2", plan[0].DeviceNode)
	}
	if plan[0].HostPath != "/mnt/stage" {
		t.Fatalf("got host path %q, want /mnt/stage", plan[0].HostPath)
	}
}

func TestDepthOrdering(t *testing.T) {
	if depth("/") != 0 {
		t.Fatalf("depth(/) = %d, want 0", depth("/"))
	}
	if depth("/boot") >= depth("/boot/rpi") {
		t.Fatal("expected /boot to be shallower than /boot/rpi")
	}
}
