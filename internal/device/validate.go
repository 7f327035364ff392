package device

import (
	"fmt"
	"os"
	"sort"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
)

// Validate runs every structural invariant a DeviceSpec must satisfy before
// it may be built. All violations are collected and returned together in a
// single SpecValidationError, not just the first one found, so a device
// author can fix a spec in one pass instead of playing whack-a-mole.
func Validate(d *DeviceSpec) error {
	var violations []string

	violations = append(violations, checkArch(d)...)
	violations = append(violations, checkRootfsPartition(d)...)
	violations = append(violations, checkMBRConstraints(d)...)
	violations = append(violations, checkPartitionLayout(d)...)
	violations = append(violations, checkBootloaderHooks(d)...)
	violations = append(violations, checkSizeSufficiency(d)...)

	if len(violations) > 0 {
		return mkerrors.SpecValidation(d.ID, violations)
	}
	return nil
}

// ValidateRegistry validates every device in reg and additionally enforces
// the cross-device invariant that every id and alias is globally unique
// (already enforced incrementally at load time, rechecked here as a
// belt-and-suspenders pass for registries built up by hand in tests).
func ValidateRegistry(reg *Registry) error {
	seen := make(map[string]string)
	for _, d := range reg.All() {
		if err := Validate(d); err != nil {
			return err
		}
		names := append([]string{d.ID}, d.Aliases...)
		for _, n := range names {
			if owner, ok := seen[n]; ok && owner != d.ID {
				return mkerrors.RegistryConflict(n)
			}
			seen[n] = d.ID
		}
	}
	return nil
}

func checkArch(d *DeviceSpec) []string {
	if !IsKnownArch(d.Arch) {
		return []string{fmt.Sprintf("unrecognized arch %q", d.Arch)}
	}
	return nil
}

func checkRootfsPartition(d *DeviceSpec) []string {
	count := 0
	for _, p := range d.Partitions {
		if p.Usage == UsageRootfs {
			count++
		}
	}
	if count != 1 {
		return []string{fmt.Sprintf("expected exactly one rootfs partition, found %d", count)}
	}
	return nil
}

func checkMBRConstraints(d *DeviceSpec) []string {
	if d.PartitionMap != PartitionMapMBR {
		return nil
	}
	var out []string
	if len(d.Partitions) > 4 {
		out = append(out, fmt.Sprintf("mbr partition map supports at most 4 partitions, found %d", len(d.Partitions)))
	}
	for _, p := range d.Partitions {
		if p.Type.Kind == PartitionTypeUUID {
			out = append(out, fmt.Sprintf("partition %d: mbr partition map cannot use a uuid-typed partition", p.Num))
		}
		if p.Usage == UsageSwap {
			out = append(out, fmt.Sprintf("partition %d: mbr partition map does not support swap partitions", p.Num))
		}
	}
	return out
}

func checkPartitionLayout(d *DeviceSpec) []string {
	var out []string

	parts := make([]PartitionSpec, len(d.Partitions))
	copy(parts, d.Partitions)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Num < parts[j].Num })

	var lastEnd uint64
	for i, p := range parts {
		if p.StartSector != nil {
			if *p.StartSector < lastEnd {
				out = append(out, fmt.Sprintf("partition %d starts at sector %d, before the previous partition ends at %d", p.Num, *p.StartSector, lastEnd))
			}
			lastEnd = *p.StartSector + p.SizeInSectors
		} else {
			lastEnd += p.SizeInSectors
		}

		if p.SizeInSectors == 0 && i != len(parts)-1 {
			out = append(out, fmt.Sprintf("partition %d has zero size_in_sectors but is not the last partition", p.Num))
		}
	}

	return out
}

func checkBootloaderHooks(d *DeviceSpec) []string {
	var out []string
	for _, h := range d.Bootloader {
		info, err := os.Stat(h.ResolvedPath)
		if err != nil {
			out = append(out, fmt.Sprintf("bootloader hook %q: %v", h.Name, err))
			continue
		}
		if info.IsDir() {
			out = append(out, fmt.Sprintf("bootloader hook %q resolves to a directory", h.Name))
			continue
		}
		if info.Mode()&0o111 == 0 {
			out = append(out, fmt.Sprintf("bootloader hook %q is not executable", h.Name))
		}
	}
	return out
}

// checkSizeSufficiency mirrors the partitioner's layout algorithm closely
// enough to catch a spec sized to exactly sum(partition sizes): it also
// accounts for the leading alignment reserve before the first partition
// and, on a GPT disk, the trailing reserve for the backup header and
// partition array (invariant 5).
func checkSizeSufficiency(d *DeviceSpec) []string {
	var out []string
	const sectorsPerMiB = (1 << 20) / 512

	reserve := uint64(DefaultPartitionReserveSectors)
	if len(d.Partitions) > 0 && d.Partitions[0].StartSector != nil && *d.Partitions[0].StartSector > reserve {
		reserve = *d.Partitions[0].StartSector
	}

	var overhead uint64
	overhead += reserve
	if d.PartitionMap == PartitionMapGPT {
		overhead += GPTSecondaryHeaderReserveSectors
	}

	for variant, mib := range d.Size {
		var required uint64
		for _, p := range d.Partitions {
			required += p.SizeInSectors
		}
		required += overhead

		available := uint64(mib) * sectorsPerMiB
		if required > available {
			out = append(out, fmt.Sprintf("variant %q declares %d MiB but partitions require at least %d sectors (%d MiB) including partition-table overhead",
				variant, mib, required, required/sectorsPerMiB))
		}
	}
	return out
}
