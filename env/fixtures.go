package env

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/quill/vm"
)

// ReadYAML decodes a YAML (or JSON) document whose top level is a mapping.
func ReadYAML(r io.Reader) (map[string]any, error) {
	vars := make(map[string]any)
	if err := yaml.NewDecoder(r).Decode(&vars); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return vars, nil
}

// ReadTOML decodes a TOML document.
func ReadTOML(r io.Reader) (map[string]any, error) {
	vars := make(map[string]any)
	if _, err := toml.NewDecoder(r).Decode(&vars); err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	return vars, nil
}

// LoadFile builds an environment from a fixture file. The format follows the
// extension: .toml is TOML, anything else (.yaml, .yml, .json) is YAML.
func LoadFile(path string, host vm.HostAccessor) (*MapEnvironment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var vars map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		vars, err = ReadTOML(f)
	default:
		vars, err = ReadYAML(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("loaded %d variables from %s", len(vars), path)
	return FromMap(vars, host), nil
}
