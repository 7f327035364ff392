package chrootexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aosc-dev/mkrawimg-go/internal/device"
)

func TestBindMountOrder(t *testing.T) {
	want := []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}
	if len(bindMountOrder) != len(want) {
		t.Fatalf("got %d entries, want %d", len(bindMountOrder), len(want))
	}
	for i, v := range want {
		if bindMountOrder[i] != v {
			t.Fatalf("bindMountOrder[%d] = %q, want %q", i, bindMountOrder[i], v)
		}
	}
}

func TestRunOneFailsOnMissingHookFile(t *testing.T) {
	dir := t.TempDir()
	hook := device.BootloaderHook{Name: "install.sh", ResolvedPath: filepath.Join(dir, "does-not-exist.sh")}

	err := runOne(dir, 0, hook, nil)
	if err == nil {
		t.Fatal("expected error for a missing hook source file")
	}
}

func TestRunHooksStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	missing := device.BootloaderHook{Name: "missing.sh", ResolvedPath: filepath.Join(dir, "missing.sh")}

	present := filepath.Join(dir, "present.sh")
	if err := os.WriteFile(present, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	second := device.BootloaderHook{Name: "present.sh", ResolvedPath: present}

	err := RunHooks(dir, []device.BootloaderHook{missing, second}, nil)
	if err == nil {
		t.Fatal("expected RunHooks to fail on the first (missing) hook")
	}
}

func TestReleaseIsSafeWithNoMounts(t *testing.T) {
	bs := &BindSet{mountRoot: t.TempDir()}
	if err := bs.Release(); err != nil {
		t.Fatalf("Release on an empty BindSet should not error, got: %v", err)
	}
}
