// Package manifest handles quill.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/quill/vm"
)

var log = commonlog.GetLogger("quill.manifest")

// FileName is the manifest file looked up in a project directory.
const FileName = "quill.toml"

// Execution strategies.
const (
	StrategyVM        = "vm"
	StrategyInterpret = "interpret"
)

// Manifest represents a quill.toml project configuration.
type Manifest struct {
	Project      Project               `toml:"project"`
	Engine       Engine                `toml:"engine"`
	Loader       Loader                `toml:"loader"`
	Store        Store                 `toml:"store"`
	Log          Log                   `toml:"log"`
	Dependencies map[string]Dependency `toml:"dependencies"`

	// Dir is the directory containing the quill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Engine selects how templates run.
type Engine struct {
	Optimize string `toml:"optimize"` // none, callsite or all
	Strategy string `toml:"strategy"` // vm or interpret
}

// Loader configures where #parse and #include look for resources.
type Loader struct {
	Paths []string `toml:"paths"`
}

// Store configures the precompiled assembly store. An empty path disables it.
type Store struct {
	Path string `toml:"path"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Dependency is a template pack whose loader paths are searched after the
// project's own.
type Dependency struct {
	Git  string `toml:"git"`
	Tag  string `toml:"tag"`
	Path string `toml:"path"`
}

// Default returns the configuration used when no quill.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Engine.Optimize == "" {
		m.Engine.Optimize = "all"
	}
	if m.Engine.Strategy == "" {
		m.Engine.Strategy = StrategyVM
	}
	if len(m.Loader.Paths) == 0 {
		m.Loader.Paths = []string{"."}
	}
}

// Load parses a quill.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("loaded %s", path)
	return &m, nil
}

// FindAndLoad walks up from startDir to find a quill.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks the enumerated settings.
func (m *Manifest) Validate() error {
	if _, err := m.OptimizeLevel(); err != nil {
		return err
	}
	switch strings.ToLower(m.Engine.Strategy) {
	case StrategyVM, StrategyInterpret:
	default:
		return fmt.Errorf("unknown engine strategy %q", m.Engine.Strategy)
	}
	for name, dep := range m.Dependencies {
		if dep.Git == "" && dep.Path == "" {
			return fmt.Errorf("dependency %q has no git or path specified", name)
		}
	}
	return nil
}

// OptimizeLevel returns the configured compiler level.
func (m *Manifest) OptimizeLevel() (vm.OptimizeLevel, error) {
	return vm.ParseOptimizeLevel(m.Engine.Optimize)
}

// Interpret reports whether templates should run on the tree-walking
// interpreter instead of the VM.
func (m *Manifest) Interpret() bool {
	return strings.EqualFold(m.Engine.Strategy, StrategyInterpret)
}

// LoaderPaths returns absolute paths for the configured loader directories.
func (m *Manifest) LoaderPaths() []string {
	var paths []string
	for _, d := range m.Loader.Paths {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// StorePath returns the absolute store location, or "" when none is set.
func (m *Manifest) StorePath() string {
	if m.Store.Path == "" {
		return ""
	}
	return m.abs(m.Store.Path)
}

// LogFile returns the absolute log file path, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m.Log.File == "" {
		return ""
	}
	return m.abs(m.Log.File)
}

// DepsDir returns the path to the .quill/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".quill", "deps")
}

// LockFilePath returns the path to .quill/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".quill", "lock.toml")
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.Dir, p)
}
