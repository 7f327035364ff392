// Package partitioner writes a GPT or MBR partition table to an attached
// loop device, translating the device spec's symbolic partition type
// aliases to their canonical GPT type UUID or MBR type byte per spec §4.4.
package partitioner

import (
	"fmt"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/imagesink"
	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

const logicalSectorSize = 512

// gptTypeByAlias maps the symbolic partition type aliases from spec §3 to
// their canonical GPT partition type GUID.
var gptTypeByAlias = map[string]string{
	device.AliasESP:      "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
	device.AliasEFI:      "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
	device.AliasLinux:    "0FC63DAF-8483-4772-8E79-3D69D8477DE4",
	device.AliasBiosBoot: "21686148-6449-6E6F-744E-656564454649",
	device.AliasSwap:     "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F",
}

// mbrTypeByAlias maps aliases to their canonical MBR partition type byte.
var mbrTypeByAlias = map[string]byte{
	device.AliasESP:      0xEF,
	device.AliasEFI:      0xEF,
	device.AliasLinux:    0x83,
	device.AliasBiosBoot: 0x83,
	device.AliasSwap:     0x82,
}

var log = logger.Logger()

// ResolvedLayout is the fully-resolved (start, end) sector pair for every
// partition, in device-spec order, computed before the table is written.
// End is inclusive.
type ResolvedLayout struct {
	Start []uint64
	End   []uint64
}

// Write lays out d's partitions against diskSizeSectors following the
// algorithm in spec §4.4, writes the resulting table to loopDev, and
// triggers a kernel rescan. It returns the resolved start/end sectors so
// callers can address each partition's kernel device node.
func Write(loopDev string, d *device.DeviceSpec, diskSizeSectors uint64) (*ResolvedLayout, error) {
	layout, err := resolveLayout(d, diskSizeSectors)
	if err != nil {
		return nil, err
	}

	dsk, err := diskfs.Open(loopDev)
	if err != nil {
		return nil, mkerrors.PartitionTableWriteFailed(fmt.Errorf("open %s: %w", loopDev, err))
	}
	defer dsk.Close()

	table, err := buildTable(d, layout)
	if err != nil {
		return nil, mkerrors.PartitionTableWriteFailed(err)
	}

	if err := dsk.Partition(table); err != nil {
		return nil, mkerrors.PartitionTableWriteFailed(fmt.Errorf("write %s table: %w", d.PartitionMap, err))
	}

	if err := imagesink.Rescan(loopDev); err != nil {
		return nil, err
	}

	log.Infof("wrote %s partition table to %s (%d partitions)", d.PartitionMap, loopDev, len(d.Partitions))
	return layout, nil
}

// resolveLayout implements the layout algorithm of spec §4.4 steps 1-2.
func resolveLayout(d *device.DeviceSpec, diskSizeSectors uint64) (*ResolvedLayout, error) {
	n := len(d.Partitions)
	layout := &ResolvedLayout{Start: make([]uint64, n), End: make([]uint64, n)}

	reserve := uint64(device.DefaultPartitionReserveSectors)
	if n > 0 && d.Partitions[0].StartSector != nil && *d.Partitions[0].StartSector > reserve {
		reserve = *d.Partitions[0].StartSector
	}

	lastUsable := diskSizeSectors - 1
	if d.PartitionMap == device.PartitionMapGPT {
		lastUsable -= device.GPTSecondaryHeaderReserveSectors
	}

	next := reserve
	for i, p := range d.Partitions {
		start := next
		if p.StartSector != nil {
			start = *p.StartSector
		}

		var end uint64
		if p.SizeInSectors == 0 {
			if i != n-1 {
				return nil, fmt.Errorf("partition %d: size_in_sectors=0 only permitted on the last partition", p.Num)
			}
			end = lastUsable
		} else {
			end = start + p.SizeInSectors - 1
		}

		layout.Start[i] = start
		layout.End[i] = end
		next = end + 1
	}

	return layout, nil
}

func buildTable(d *device.DeviceSpec, layout *ResolvedLayout) (partition.Table, error) {
	switch d.PartitionMap {
	case device.PartitionMapGPT:
		return buildGPTTable(d, layout)
	case device.PartitionMapMBR:
		return buildMBRTable(d, layout)
	default:
		return nil, fmt.Errorf("unrecognized partition map %q", d.PartitionMap)
	}
}

func buildGPTTable(d *device.DeviceSpec, layout *ResolvedLayout) (*gpt.Table, error) {
	parts := make([]*gpt.Partition, len(d.Partitions))
	for i, p := range d.Partitions {
		typeUUID, err := resolveGPTType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Num, err)
		}
		parts[i] = &gpt.Partition{
			Start: layout.Start[i],
			End:   layout.End[i],
			Type:  gpt.Type(typeUUID),
			Name:  p.Label,
		}
	}

	return &gpt.Table{
		LogicalSectorSize:  logicalSectorSize,
		PhysicalSectorSize: logicalSectorSize,
		ProtectiveMBR:      true,
		Partitions:         parts,
	}, nil
}

func buildMBRTable(d *device.DeviceSpec, layout *ResolvedLayout) (*mbr.Table, error) {
	parts := make([]*mbr.Partition, len(d.Partitions))
	for i, p := range d.Partitions {
		typeByte, err := resolveMBRType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.Num, err)
		}
		parts[i] = &mbr.Partition{
			Type:  mbr.Type(typeByte),
			Start: uint32(layout.Start[i]),
			Size:  uint32(layout.End[i] - layout.Start[i] + 1),
		}
	}

	return &mbr.Table{
		LogicalSectorSize:  logicalSectorSize,
		PhysicalSectorSize: logicalSectorSize,
		Partitions:         parts,
	}, nil
}

func resolveGPTType(t device.PartitionType) (string, error) {
	switch t.Kind {
	case device.PartitionTypeAlias:
		uuid, ok := gptTypeByAlias[strings.ToLower(t.Alias)]
		if !ok {
			return "", fmt.Errorf("unrecognized gpt partition type alias %q", t.Alias)
		}
		return uuid, nil
	case device.PartitionTypeUUID:
		return strings.ToUpper(t.UUID), nil
	default:
		return "", fmt.Errorf("partition type %v is not valid on a gpt table", t.Kind)
	}
}

func resolveMBRType(t device.PartitionType) (byte, error) {
	switch t.Kind {
	case device.PartitionTypeAlias:
		b, ok := mbrTypeByAlias[strings.ToLower(t.Alias)]
		if !ok {
			return 0, fmt.Errorf("unrecognized mbr partition type alias %q", t.Alias)
		}
		return b, nil
	case device.PartitionTypeByte:
		return t.Byte, nil
	default:
		return 0, fmt.Errorf("partition type %v is not valid on an mbr table", t.Kind)
	}
}

// PartitionNode returns the kernel device node for the nth (1-based)
// partition of loopDev, following the kernel's loop-partition naming
// convention (/dev/loopNpM).
func PartitionNode(loopDev string, num int) string {
	return fmt.Sprintf("%sp%d", loopDev, num)
}
