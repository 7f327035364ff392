// Package config loads the driver-level build-request file: a YAML list
// of (device, variant, source, output) builds for `mkrawimg build-all` to
// run, distinct from the per-device TOML spec in internal/device.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aosc-dev/mkrawimg-go/internal/compressor"
)

// BuildEntry is one requested build.
type BuildEntry struct {
	Device        string `yaml:"device"`
	Variant       string `yaml:"variant"`
	SourceDir     string `yaml:"source_dir"`
	OutputDir     string `yaml:"output_dir"`
	Codec         string `yaml:"codec"`
	KeepOnFailure bool   `yaml:"keep_on_failure"`
}

// BuildSet is the top-level shape of a build-request YAML document.
type BuildSet struct {
	DeviceRoot string       `yaml:"device_root"`
	Builds     []BuildEntry `yaml:"builds"`
}

// LoadBuildSet reads and parses a build-request file at path. strict
// rejects YAML fields that don't map to a known key, catching typos in
// hand-written request files instead of silently ignoring them.
func LoadBuildSet(path string, strict bool) (*BuildSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var set BuildSet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(strict)
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i, b := range set.Builds {
		if b.Device == "" {
			return nil, fmt.Errorf("config: %s: build entry %d is missing device", path, i)
		}
		if b.Variant == "" {
			return nil, fmt.Errorf("config: %s: build entry %d is missing variant", path, i)
		}
		if _, err := ParseCodec(b.Codec); err != nil {
			return nil, fmt.Errorf("config: %s: build entry %d: %w", path, i, err)
		}
	}

	return &set, nil
}

// ParseCodec maps a build entry's codec string to a compressor.Codec,
// defaulting to None when unset.
func ParseCodec(s string) (compressor.Codec, error) {
	switch s {
	case "", "none":
		return compressor.CodecNone, nil
	case "xz":
		return compressor.CodecXZ, nil
	case "zstd":
		return compressor.CodecZstd, nil
	default:
		return "", fmt.Errorf("unrecognized codec %q", s)
	}
}
