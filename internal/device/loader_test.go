package device

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDeviceToml = `
id = "acme-widget"
aliases = ["widget"]
vendor = "acme"
name = "widget"
model = "v1"
arch = "arm64"
soc_vendor = "acme-silicon"
bsp_packages = ["acme-dtb", "acme-firmware"]
kernel_cmdline = ["console=ttyS0,115200", "root=PARTUUID=auto"]
partition_map = "gpt"
num_partitions = 2

[size]
default = 2048
large = 8192

[[partitions]]
num = 1
type = "esp"
usage = "boot"
size_in_sectors = 131072
filesystem = "fat32"
mountpoint = "/boot/efi"

[[partitions]]
num = 2
type = "linux"
usage = "rootfs"
size_in_sectors = 2097152
filesystem = "ext4"
mountpoint = "/"

[[bootloader]]
type = "script"
name = "install.sh"
`

func writeSampleDevice(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	deviceDir := filepath.Join(dir, "acme", "widget")
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(deviceDir, specFilename), []byte(sampleDeviceToml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(deviceDir, "install.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDocumentFingerprintIsStableAcrossLoads(t *testing.T) {
	first, err := DocumentFingerprint([]byte(sampleDeviceToml))
	if err != nil {
		t.Fatalf("DocumentFingerprint: %v", err)
	}
	second, err := DocumentFingerprint([]byte(sampleDeviceToml))
	if err != nil {
		t.Fatalf("DocumentFingerprint: %v", err)
	}
	if first != second {
		t.Fatalf("two fingerprints of the same document differ:\n%s\n%s", first, second)
	}
}

func TestDocumentFingerprintDiffersOnContentChange(t *testing.T) {
	changed := strings.Replace(sampleDeviceToml, `id = "acme-widget"`, `id = "acme-widget-v2"`, 1)

	a, err := DocumentFingerprint([]byte(sampleDeviceToml))
	if err != nil {
		t.Fatalf("DocumentFingerprint: %v", err)
	}
	b, err := DocumentFingerprint([]byte(changed))
	if err != nil {
		t.Fatalf("DocumentFingerprint: %v", err)
	}
	if a == b {
		t.Fatal("fingerprints of differing documents must not match")
	}
}

func TestLoadRegistryParsesDeviceAndAlias(t *testing.T) {
	root := writeSampleDevice(t)

	reg, err := LoadRegistry(root)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	byID, ok := reg.Get("acme-widget")
	if !ok {
		t.Fatal("expected device to be registered under its id")
	}
	byAlias, ok := reg.Get("widget")
	if !ok {
		t.Fatal("expected device to be registered under its alias")
	}
	if byID != byAlias {
		t.Fatal("expected id and alias to resolve to the same DeviceSpec")
	}

	if byID.Arch != ArchARM64 {
		t.Fatalf("expected arch arm64, got %q", byID.Arch)
	}
	if len(byID.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(byID.Partitions))
	}
	if byID.Partitions[0].Type.Kind != PartitionTypeAlias || byID.Partitions[0].Type.Alias != AliasESP {
		t.Fatalf("expected first partition type to be esp alias, got %+v", byID.Partitions[0].Type)
	}

	root2, ok := byID.RootPartition()
	if !ok || root2.Num != 2 {
		t.Fatalf("expected partition 2 as rootfs, got %+v", root2)
	}

	if len(byID.Bootloader) != 1 || byID.Bootloader[0].ResolvedPath == "" {
		t.Fatalf("expected one resolved bootloader hook, got %+v", byID.Bootloader)
	}

	if err := Validate(byID); err != nil {
		t.Fatalf("expected loaded spec to validate cleanly, got %v", err)
	}
}

func TestLoadRegistryRejectsDuplicateID(t *testing.T) {
	root := writeSampleDevice(t)
	dupDir := filepath.Join(root, "acme", "widget2")
	if err := os.MkdirAll(dupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dupDir, specFilename), []byte(sampleDeviceToml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dupDir, "install.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRegistry(root); err == nil {
		t.Fatal("expected registry conflict error for duplicate device id")
	}
}

func TestLoadRegistryRejectsSchemaViolation(t *testing.T) {
	root := t.TempDir()
	deviceDir := filepath.Join(root, "acme", "bad")
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bad := `
id = "acme-bad"
vendor = "acme"
name = "bad"
arch = "not-a-real-arch"
partition_map = "gpt"
[size]
default = 1024
`
	if err := os.WriteFile(filepath.Join(deviceDir, specFilename), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRegistry(root); err == nil {
		t.Fatal("expected schema validation failure for unrecognized arch")
	}
}

func TestParsePartitionTypeTaggedUUID(t *testing.T) {
	v := map[string]interface{}{"type": "uuid", "uuid": "0FC63DAF-8483-4772-8E79-3D69D8477DE4"}
	pt, err := parsePartitionType(v)
	if err != nil {
		t.Fatalf("parsePartitionType: %v", err)
	}
	if pt.Kind != PartitionTypeUUID || pt.UUID != "0FC63DAF-8483-4772-8E79-3D69D8477DE4" {
		t.Fatalf("unexpected result: %+v", pt)
	}
}

func TestParsePartitionTypeTaggedByte(t *testing.T) {
	v := map[string]interface{}{"type": "byte", "byte": int64(0x83)}
	pt, err := parsePartitionType(v)
	if err != nil {
		t.Fatalf("parsePartitionType: %v", err)
	}
	if pt.Kind != PartitionTypeByte || pt.Byte != 0x83 {
		t.Fatalf("unexpected result: %+v", pt)
	}
}
