// Package loader supplies template text for #parse and #include.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("quill.loader")

// ErrNotFound is returned when no search path holds the requested resource.
var ErrNotFound = errors.New("resource not found")

// FileSystemLoader resolves resource names against an ordered list of
// directories. The first directory containing the file wins.
type FileSystemLoader struct {
	paths []string
}

// NewFileSystemLoader creates a loader over dirs. Relative directories are
// made absolute against the working directory. With no dirs the working
// directory is searched.
func NewFileSystemLoader(dirs ...string) (*FileSystemLoader, error) {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	l := &FileSystemLoader{}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve path %s: %w", d, err)
		}
		l.paths = append(l.paths, abs)
	}
	return l, nil
}

// Paths returns the search directories in lookup order.
func (l *FileSystemLoader) Paths() []string {
	return append([]string(nil), l.paths...)
}

// Resolve returns the file a resource name maps to. Names are slash
// separated and relative; they may not climb out of a search directory.
func (l *FileSystemLoader) Resolve(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	for _, dir := range l.paths {
		path := filepath.Join(dir, filepath.FromSlash(clean))
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	log.Debugf("miss: %s (searched %s)", name, strings.Join(l.paths, ", "))
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Load implements vm.Loader.
func (l *FileSystemLoader) Load(name string) (string, error) {
	path, err := l.Resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	return string(data), nil
}

func cleanName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty resource name")
	}
	slashed := filepath.ToSlash(name)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%s: absolute resource names are not allowed", name)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(slashed)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: resource name escapes the search path", name)
	}
	return clean, nil
}

// MapLoader serves resources from memory. It is safe for concurrent use.
type MapLoader struct {
	mu        sync.RWMutex
	resources map[string]string
}

// NewMapLoader creates a loader holding a copy of resources.
func NewMapLoader(resources map[string]string) *MapLoader {
	m := &MapLoader{resources: make(map[string]string, len(resources))}
	for k, v := range resources {
		m.resources[k] = v
	}
	return m
}

// Add registers or replaces a resource.
func (m *MapLoader) Add(name, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[name] = text
}

// Names returns the registered resource names, sorted.
func (m *MapLoader) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.resources))
	for k := range m.resources {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Load implements vm.Loader.
func (m *MapLoader) Load(name string) (string, error) {
	m.mu.RLock()
	text, ok := m.resources[name]
	m.mu.RUnlock()
	if !ok {
		log.Debugf("miss: %s", name)
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return text, nil
}

// Chain tries each loader in order and returns the first hit. A loader
// failing with anything other than ErrNotFound stops the search.
type Chain []interface {
	Load(name string) (string, error)
}

// Load implements vm.Loader.
func (c Chain) Load(name string) (string, error) {
	for _, l := range c {
		text, err := l.Load(name)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}
