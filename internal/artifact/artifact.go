// Package artifact reads and writes solver artifact directories.
//
// A directory holds a "kernel" marker naming the registered model kernel,
// one or both of sim.json and ocp.json, and optionally gnsf.json.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/nmpc/internal/dynamo"
	"github.com/san-kum/nmpc/internal/gnsf"
	"github.com/san-kum/nmpc/internal/kernel"
)

const (
	KernelFile = "kernel"
	SimFile    = "sim.json"
	OCPFile    = "ocp.json"
	GNSFFile   = "gnsf.json"
)

// Dir is an opened artifact directory.
type Dir struct {
	Path   string
	Kernel string
}

// Open reads the kernel marker of dir and checks that the kernel is
// registered.
func Open(dir string) (*Dir, error) {
	raw, err := os.ReadFile(filepath.Join(dir, KernelFile))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", dir, err)
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return nil, &dynamo.ConfigError{Field: "kernel", Reason: fmt.Sprintf("empty kernel marker in %s", dir)}
	}
	if !kernel.Has(name) {
		return nil, &dynamo.ConfigError{Field: "kernel", Reason: fmt.Sprintf("kernel %q from %s is not registered", name, dir)}
	}
	return &Dir{Path: dir, Kernel: name}, nil
}

func (d *Dir) Has(file string) bool {
	_, err := os.Stat(filepath.Join(d.Path, file))
	return err == nil
}

// Decode unmarshals file into v. The description's "model" entry, when
// present, must match the kernel marker.
func (d *Dir) Decode(file string, v any) error {
	raw, err := os.ReadFile(filepath.Join(d.Path, file))
	if err != nil {
		return fmt.Errorf("artifact %s: %w", d.Path, err)
	}
	var head struct {
		Model string `yaml:"model"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("artifact %s: parse %s: %w", d.Path, file, err)
	}
	if head.Model != "" && head.Model != d.Kernel {
		return &dynamo.ConfigError{Field: "model", Reason: fmt.Sprintf("%s names %q, kernel marker is %q", file, head.Model, d.Kernel)}
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("artifact %s: parse %s: %w", d.Path, file, err)
	}
	return nil
}

// GNSF returns the stored descriptor, or nil if the directory has none.
func (d *Dir) GNSF() (*gnsf.Descriptor, error) {
	var s gnsf.Serialized
	if err := d.Decode(GNSFFile, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return s.Descriptor()
}

// Save writes an artifact directory. Files maps file names such as
// SimFile to values marshalled as indented JSON.
func Save(dir, kernelName string, files map[string]any) error {
	if !kernel.Has(kernelName) {
		return &dynamo.ConfigError{Field: "kernel", Reason: fmt.Sprintf("kernel %q is not registered", kernelName)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, KernelFile), []byte(kernelName+"\n"), 0o644); err != nil {
		return fmt.Errorf("write kernel marker: %w", err)
	}
	for name, v := range files {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// SaveGNSF stores a descriptor next to the descriptions.
func SaveGNSF(dir string, desc *gnsf.Descriptor) error {
	data, err := json.MarshalIndent(desc.Serialize(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", GNSFFile, err)
	}
	return os.WriteFile(filepath.Join(dir, GNSFFile), data, 0o644)
}
