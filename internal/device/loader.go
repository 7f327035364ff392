package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

// specFilename is the document every device directory must contain.
const specFilename = "device.toml"

var log = logger.Logger()

// rawPartition mirrors the on-disk shape of a [[partitions]] table. Type is
// left as interface{} because it is a tagged union: a bare string (symbolic
// alias) or an inline table ({type="uuid", uuid=...} / {type="byte", byte=...}).
type rawPartition struct {
	Num           int         `toml:"num"`
	Type          interface{} `toml:"type"`
	Usage         string      `toml:"usage"`
	SizeInSectors uint64      `toml:"size_in_sectors"`
	StartSector   *uint64     `toml:"start_sector"`
	Filesystem    string      `toml:"filesystem"`
	Mountpoint    string      `toml:"mountpoint"`
	MountOpts     []string    `toml:"mount_opts"`
	Label         string      `toml:"label"`
	FSLabel       string      `toml:"fs_label"`
}

type rawBootloaderHook struct {
	Type string `toml:"type"`
	Name string `toml:"name"`
}

type rawDeviceSpec struct {
	ID         string   `toml:"id"`
	Aliases    []string `toml:"aliases"`
	Vendor     string   `toml:"vendor"`
	Name       string   `toml:"name"`
	Model      string   `toml:"model"`
	Arch       string   `toml:"arch"`
	SocVendor  string   `toml:"soc_vendor"`
	Compatible string   `toml:"compatible"`

	BSPPackages   []string `toml:"bsp_packages"`
	KernelCmdline []string `toml:"kernel_cmdline"`

	PartitionMap  string         `toml:"partition_map"`
	NumPartitions int            `toml:"num_partitions"`
	Size          map[string]int `toml:"size"`

	Partitions []rawPartition      `toml:"partitions"`
	Bootloader []rawBootloaderHook `toml:"bootloader"`
}

// Registry is the immutable result of loading a device directory tree: a
// value passed explicitly into the pipeline driver, not a module-level
// singleton (spec §9's design note).
type Registry struct {
	byID map[string]*DeviceSpec
}

// Get looks a device up by id or alias.
func (r *Registry) Get(idOrAlias string) (*DeviceSpec, bool) {
	d, ok := r.byID[idOrAlias]
	return d, ok
}

// All returns every distinct device, sorted by ID, for enumeration (`list`).
func (r *Registry) All() []*DeviceSpec {
	seen := make(map[*DeviceSpec]bool)
	out := make([]*DeviceSpec, 0, len(r.byID))
	for _, d := range r.byID {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadRegistry walks root collecting every device.toml file, parses and
// schema-validates each, resolves bootloader hook paths relative to their
// containing directory, and returns the resulting registry. It does not run
// the invariant checks in Validate — callers must call Validate separately
// before building.
func LoadRegistry(root string) (*Registry, error) {
	reg := &Registry{byID: make(map[string]*DeviceSpec)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != specFilename {
			return nil
		}

		spec, loadErr := loadOne(path)
		if loadErr != nil {
			return loadErr
		}

		if _, conflict := reg.byID[spec.ID]; conflict {
			return mkerrors.RegistryConflict(spec.ID)
		}
		reg.byID[spec.ID] = spec
		for _, alias := range spec.Aliases {
			if _, conflict := reg.byID[alias]; conflict {
				return mkerrors.RegistryConflict(alias)
			}
			reg.byID[alias] = spec
		}

		log.Debugf("loaded device spec %s from %s", spec.ID, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return reg, nil
}

func loadOne(path string) (*DeviceSpec, error) {
	dir := filepath.Dir(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, mkerrors.SpecParse(dir, err)
	}

	if err := validateAgainstSchema(raw); err != nil {
		return nil, mkerrors.SpecParse(dir, err)
	}

	var rd rawDeviceSpec
	if _, err := toml.Decode(string(raw), &rd); err != nil {
		return nil, mkerrors.SpecParse(dir, err)
	}

	spec, err := convert(rd, dir)
	if err != nil {
		return nil, mkerrors.SpecParse(dir, err)
	}
	return spec, nil
}

func convert(rd rawDeviceSpec, dir string) (*DeviceSpec, error) {
	spec := &DeviceSpec{
		ID:            rd.ID,
		Aliases:       rd.Aliases,
		Vendor:        rd.Vendor,
		Name:          rd.Name,
		Model:         rd.Model,
		Arch:          Arch(rd.Arch),
		SocVendor:     rd.SocVendor,
		Compatible:    rd.Compatible,
		BSPPackages:   rd.BSPPackages,
		KernelCmdline: rd.KernelCmdline,
		PartitionMap:  PartitionMap(strings.ToLower(rd.PartitionMap)),
		NumPartitions: rd.NumPartitions,
		Size:          rd.Size,
		Dir:           dir,
	}

	for _, rp := range rd.Partitions {
		pt, err := parsePartitionType(rp.Type)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", rp.Num, err)
		}
		spec.Partitions = append(spec.Partitions, PartitionSpec{
			Num:           rp.Num,
			Type:          pt,
			Usage:         Usage(rp.Usage),
			SizeInSectors: rp.SizeInSectors,
			StartSector:   rp.StartSector,
			Filesystem:    Filesystem(rp.Filesystem),
			Mountpoint:    rp.Mountpoint,
			MountOpts:     rp.MountOpts,
			Label:         rp.Label,
			FSLabel:       rp.FSLabel,
		})
	}

	for _, rb := range rd.Bootloader {
		hook := BootloaderHook{Type: rb.Type, Name: rb.Name}
		hook.ResolvedPath = filepath.Join(dir, rb.Name)
		spec.Bootloader = append(spec.Bootloader, hook)
	}

	return spec, nil
}

func parsePartitionType(v interface{}) (PartitionType, error) {
	switch t := v.(type) {
	case string:
		return PartitionType{Kind: PartitionTypeAlias, Alias: strings.ToLower(t)}, nil
	case map[string]interface{}:
		kind, _ := t["type"].(string)
		switch strings.ToLower(kind) {
		case "uuid":
			uuid, _ := t["uuid"].(string)
			if uuid == "" {
				return PartitionType{}, fmt.Errorf("type=uuid requires a non-empty uuid field")
			}
			return PartitionType{Kind: PartitionTypeUUID, UUID: uuid}, nil
		case "byte":
			switch bv := t["byte"].(type) {
			case int64:
				return PartitionType{Kind: PartitionTypeByte, Byte: byte(bv)}, nil
			case string:
				var b int64
				if _, err := fmt.Sscanf(bv, "0x%x", &b); err == nil {
					return PartitionType{Kind: PartitionTypeByte, Byte: byte(b)}, nil
				}
				if _, err := fmt.Sscanf(bv, "%d", &b); err == nil {
					return PartitionType{Kind: PartitionTypeByte, Byte: byte(b)}, nil
				}
				return PartitionType{}, fmt.Errorf("unparseable byte value %q", bv)
			default:
				return PartitionType{}, fmt.Errorf("type=byte requires a byte field")
			}
		default:
			return PartitionType{}, fmt.Errorf("unrecognized tagged partition type %q", kind)
		}
	default:
		return PartitionType{}, fmt.Errorf("partition type must be a string alias or a tagged table, got %T", v)
	}
}

// deviceSchema is a structural JSON Schema for the decoded device.toml
// document, checked ahead of the semantic invariant checks in validate.go.
// It catches typos and wrong-shaped values (unknown filesystem/partition_map
// values per spec §6) before they reach the invariant layer.
const deviceSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "vendor", "name", "arch", "partition_map", "size", "partitions"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "aliases": {"type": "array", "items": {"type": "string"}},
    "vendor": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "arch": {"type": "string", "enum": ["amd64", "arm64", "armhf", "riscv64"]},
    "soc_vendor": {"type": "string"},
    "compatible": {"type": "string"},
    "bsp_packages": {"type": "array", "items": {"type": "string"}},
    "kernel_cmdline": {"type": "array", "items": {"type": "string"}},
    "partition_map": {"type": "string", "enum": ["gpt", "mbr"]},
    "num_partitions": {"type": "integer", "minimum": 0},
    "size": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 1}},
    "partitions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["num", "type", "usage", "filesystem"],
        "properties": {
          "num": {"type": "integer", "minimum": 1},
          "usage": {"type": "string", "enum": ["boot", "rootfs", "swap", "other"]},
          "filesystem": {"type": "string", "enum": ["ext4", "xfs", "btrfs", "fat32", "fat16", "none"]},
          "size_in_sectors": {"type": "integer", "minimum": 0},
          "start_sector": {"type": "integer", "minimum": 0},
          "mountpoint": {"type": "string"},
          "mount_opts": {"type": "array", "items": {"type": "string"}},
          "label": {"type": "string"},
          "fs_label": {"type": "string"}
        }
      }
    },
    "bootloader": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "properties": {
          "type": {"type": "string", "enum": ["script"]},
          "name": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("device-spec.json", strings.NewReader(deviceSchema)); err != nil {
		panic(fmt.Sprintf("mkrawimg: invalid embedded device schema: %v", err))
	}
	return compiler.MustCompile("device-spec.json")
}()

func validateAgainstSchema(tomlBytes []byte) error {
	var generic map[string]interface{}
	if _, err := toml.Decode(string(tomlBytes), &generic); err != nil {
		return fmt.Errorf("decode for schema validation: %w", err)
	}

	// jsonschema validates plain JSON-shaped values; round-trip through
	// encoding/json to normalize TOML's richer type set (int64s, etc.).
	jsonBytes, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("normalize for schema validation: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("normalize for schema validation: %w", err)
	}

	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// DocumentFingerprint is exposed for tests that want to assert two loads of
// the same file produce byte-identical normalized JSON (used by idempotence
// checks elsewhere in the suite).
func DocumentFingerprint(tomlBytes []byte) (string, error) {
	var generic map[string]interface{}
	if _, err := toml.Decode(string(tomlBytes), &generic); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(generic); err != nil {
		return "", err
	}
	return buf.String(), nil
}
