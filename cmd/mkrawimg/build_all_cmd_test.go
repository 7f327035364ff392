package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
	"github.com/aosc-dev/mkrawimg-go/internal/pipeline"
)

func writeBuildSetFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builds.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecuteBuildAllRunsEveryEntry(t *testing.T) {
	defer resetMkrawimgFlags()
	root := writeSampleDeviceRoot(t)

	setFile := writeBuildSetFile(t, `
device_root: `+root+`
builds:
  - device: acme-widget
    variant: base
    source_dir: `+t.TempDir()+`
    output_dir: `+t.TempDir()+`
  - device: acme-widget
    variant: base
    source_dir: `+t.TempDir()+`
    output_dir: `+t.TempDir()+`
`)

	calls := 0
	runBuild = func(ctx context.Context, reg *device.Registry, req pipeline.BuildRequest) (*pipeline.BuildArtifact, error) {
		calls++
		return &pipeline.BuildArtifact{Path: "/out/image.raw.img", SHA256: "abc123"}, nil
	}

	cmd := createBuildAllCommand()
	if _, err := execCmd(t, cmd, setFile); err != nil {
		t.Fatalf("build-all: %v", err)
	}
	if calls != 2 {
		t.Fatalf("runBuild called %d times, want 2", calls)
	}
}

func TestExecuteBuildAllCollectsFailuresAndReportsAll(t *testing.T) {
	defer resetMkrawimgFlags()
	root := writeSampleDeviceRoot(t)

	setFile := writeBuildSetFile(t, `
device_root: `+root+`
builds:
  - device: acme-widget
    variant: base
    source_dir: `+t.TempDir()+`
    output_dir: `+t.TempDir()+`
  - device: acme-widget
    variant: base
    source_dir: `+t.TempDir()+`
    output_dir: `+t.TempDir()+`
`)

	calls := 0
	runBuild = func(ctx context.Context, reg *device.Registry, req pipeline.BuildRequest) (*pipeline.BuildArtifact, error) {
		calls++
		if calls == 1 {
			return nil, os.ErrInvalid
		}
		return &pipeline.BuildArtifact{Path: "/out/image.raw.img", SHA256: "abc123"}, nil
	}

	cmd := createBuildAllCommand()
	_, err := execCmd(t, cmd, setFile)
	if err == nil {
		t.Fatal("expected an error reporting the one failed build")
	}
	if calls != 2 {
		t.Fatalf("runBuild called %d times, want 2 (both entries should still run)", calls)
	}
}
