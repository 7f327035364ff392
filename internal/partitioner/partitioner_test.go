package partitioner

import (
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

func sp(v uint64) *uint64 { return &v }

func TestResolveLayoutMinimalGPTExtToEnd(t *testing.T) {
	d := &device.DeviceSpec{
		PartitionMap: device.PartitionMapGPT,
		Partitions: []device.PartitionSpec{
			{Num: 1, StartSector: sp(2048), SizeInSectors: 614400},
			{Num: 2, SizeInSectors: 0},
		},
	}

	// 6144 MiB image => 6144 * 1048576 / 512 sectors
	diskSectors := uint64(6144) * (1 << 20) / 512

	layout, err := resolveLayout(d, diskSectors)
	if err != nil {
		t.Fatalf("resolveLayout: %v", err)
	}

	if layout.Start[0] != 2048 || layout.End[0] != 616447 {
		t.Fatalf("partition 1: got start=%d end=%d, want start=2048 end=616447", layout.Start[0], layout.End[0])
	}
	if layout.Start[1] != 616448 {
		t.Fatalf("partition 2: got start=%d, want 616448", layout.Start[1])
	}
	wantEnd := diskSectors - 1 - 34
	if layout.End[1] != wantEnd {
		t.Fatalf("partition 2: got end=%d, want %d (disk end minus gpt secondary reserve)", layout.End[1], wantEnd)
	}
}

func TestResolveLayoutRejectsZeroSizeNotLast(t *testing.T) {
	d := &device.DeviceSpec{
		PartitionMap: device.PartitionMapGPT,
		Partitions: []device.PartitionSpec{
			{Num: 1, SizeInSectors: 0},
			{Num: 2, SizeInSectors: 2048},
		},
	}

	if _, err := resolveLayout(d, 1<<20); err == nil {
		t.Fatal("expected error when a non-last partition has size_in_sectors=0")
	}
}

func TestResolveGPTTypeAlias(t *testing.T) {
	uuid, err := resolveGPTType(device.PartitionType{Kind: device.PartitionTypeAlias, Alias: device.AliasESP})
	if err != nil {
		t.Fatalf("resolveGPTType: %v", err)
	}
	if uuid != "C12A7328-F81F-11D2-BA4B-00A0C93EC93B" {
		t.Fatalf("unexpected ESP type uuid: %s", uuid)
	}
}

func TestResolveGPTTypeExplicitUUIDPassesThrough(t *testing.T) {
	want := "DEADBEEF-0000-0000-0000-000000000000"
	uuid, err := resolveGPTType(device.PartitionType{Kind: device.PartitionTypeUUID, UUID: want})
	if err != nil {
		t.Fatalf("resolveGPTType: %v", err)
	}
	if uuid != want {
		t.Fatalf("got %s, want %s", uuid, want)
	}
}

func TestResolveMBRTypeRejectsUUIDKind(t *testing.T) {
	_, err := resolveMBRType(device.PartitionType{Kind: device.PartitionTypeUUID, UUID: "x"})
	if err == nil {
		t.Fatal("expected error resolving a uuid-kind type against an mbr table")
	}
}

func TestResolveMBRTypeAlias(t *testing.T) {
	b, err := resolveMBRType(device.PartitionType{Kind: device.PartitionTypeAlias, Alias: device.AliasLinux})
	if err != nil {
		t.Fatalf("resolveMBRType: %v", err)
	}
	if b != 0x83 {
		t.Fatalf("got 0x%02x, want 0x83", b)
	}
}

func TestPartitionNodeNaming(t *testing.T) {
	if got := PartitionNode("/dev/loop0", 2); got != "/dev/loop0p2" {
		t.Fatalf("got %s, want /dev/loop0p2", got)
	}
}
