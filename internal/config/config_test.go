package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/compressor"
)

func writeBuildSet(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "builds.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBuildSetParsesEntries(t *testing.T) {
	path := writeBuildSet(t, `
device_root: /etc/mkrawimg/devices
builds:
  - device: rpi4
    variant: base
    source_dir: /srv/rootfs
    output_dir: /srv/out
    codec: xz
  - device: rpi4
    variant: server
    source_dir: /srv/rootfs
    output_dir: /srv/out
`)

	set, err := LoadBuildSet(path, true)
	if err != nil {
		t.Fatalf("LoadBuildSet: %v", err)
	}
	if set.DeviceRoot != "/etc/mkrawimg/devices" {
		t.Fatalf("device_root = %q", set.DeviceRoot)
	}
	if len(set.Builds) != 2 {
		t.Fatalf("got %d builds, want 2", len(set.Builds))
	}
	if set.Builds[0].Codec != "xz" {
		t.Fatalf("builds[0].Codec = %q, want xz", set.Builds[0].Codec)
	}
	if set.Builds[1].Codec != "" {
		t.Fatalf("builds[1].Codec = %q, want empty (defaults to none)", set.Builds[1].Codec)
	}
}

func TestLoadBuildSetRejectsMissingDevice(t *testing.T) {
	path := writeBuildSet(t, `
builds:
  - variant: base
    source_dir: /srv/rootfs
    output_dir: /srv/out
`)
	if _, err := LoadBuildSet(path, true); err == nil {
		t.Fatal("expected an error for a build entry missing device")
	}
}

func TestLoadBuildSetRejectsUnknownCodec(t *testing.T) {
	path := writeBuildSet(t, `
builds:
  - device: rpi4
    variant: base
    source_dir: /srv/rootfs
    output_dir: /srv/out
    codec: lz4
`)
	if _, err := LoadBuildSet(path, true); err == nil {
		t.Fatal("expected an error for an unrecognized codec")
	}
}

func TestLoadBuildSetStrictRejectsUnknownField(t *testing.T) {
	path := writeBuildSet(t, `
builds:
  - device: rpi4
    variant: base
    source_dir: /srv/rootfs
    output_dir: /srv/out
    typo_field: oops
`)
	if _, err := LoadBuildSet(path, true); err == nil {
		t.Fatal("expected strict mode to reject an unknown field")
	}
}

func TestParseCodecDefaultsToNone(t *testing.T) {
	codec, err := ParseCodec("")
	if err != nil {
		t.Fatal(err)
	}
	if codec != compressor.CodecNone {
		t.Fatalf("got %q, want none", codec)
	}
}
