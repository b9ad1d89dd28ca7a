package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/quill/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "site"
version = "0.1.0"

[engine]
optimize = "callsite"
strategy = "interpret"

[loader]
paths = ["templates", "/shared/partials"]

[store]
path = ".quill/assemblies.db"

[log]
verbosity = 2
file = "quill.log"

[dependencies]
theme = { path = "../theme" }
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "site" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if level, _ := m.OptimizeLevel(); level != vm.OptimizeCallsite {
		t.Errorf("optimize level = %v, want callsite", level)
	}
	if !m.Interpret() {
		t.Error("strategy interpret not honored")
	}
	paths := m.LoaderPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(m.Dir, "templates") || paths[1] != "/shared/partials" {
		t.Errorf("loader paths = %v", paths)
	}
	if got := m.StorePath(); got != filepath.Join(m.Dir, ".quill", "assemblies.db") {
		t.Errorf("store path = %q", got)
	}
	if m.Log.Verbosity != 2 || m.LogFile() != filepath.Join(m.Dir, "quill.log") {
		t.Errorf("log = %+v", m.Log)
	}
	if dep, ok := m.Dependencies["theme"]; !ok || dep.Path != "../theme" {
		t.Errorf("theme dep = %+v", m.Dependencies["theme"])
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project]\nname = \"minimal\"\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if level, _ := m.OptimizeLevel(); level != vm.OptimizeAll {
		t.Errorf("default optimize = %v, want all", level)
	}
	if m.Interpret() || m.Engine.Strategy != StrategyVM {
		t.Errorf("default strategy = %q, want vm", m.Engine.Strategy)
	}
	if paths := m.LoaderPaths(); len(paths) != 1 || paths[0] != m.Dir {
		t.Errorf("default loader paths = %v, want [%s]", paths, m.Dir)
	}
	if m.StorePath() != "" || m.LogFile() != "" {
		t.Errorf("store/log should be unset: %q %q", m.StorePath(), m.LogFile())
	}
}

func TestDefault(t *testing.T) {
	m := Default("/work")
	if m.Engine.Optimize != "all" || m.Engine.Strategy != StrategyVM {
		t.Errorf("Default engine = %+v", m.Engine)
	}
	if paths := m.LoaderPaths(); len(paths) != 1 || paths[0] != "/work" {
		t.Errorf("Default loader paths = %v", paths)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad optimize", "[engine]\noptimize = \"fast\"\n"},
		{"bad strategy", "[engine]\nstrategy = \"jit\"\n"},
		{"dependency without source", "[dependencies]\nx = { tag = \"v1\" }\n"},
		{"syntax", "[engine\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tc.content)
			if _, err := Load(dir); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[project]\nname = \"found-project\"\n")

	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
	if want, _ := filepath.Abs(dir); m.Dir != want {
		t.Errorf("Dir = %q, want %q", m.Dir, want)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no quill.toml exists")
	}
}

func TestLockFileRoundTrip(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock.toml")
	lf := &LockFile{
		Deps: []LockedDep{
			{Name: "theme", Git: "https://example.com/theme.git", Commit: "abc123", Tag: "v0.5.0"},
			{Name: "helpers", Path: "../helpers"},
		},
	}
	if err := WriteLock(lockPath, lf); err != nil {
		t.Fatalf("WriteLock failed: %v", err)
	}

	loaded, err := ReadLock(lockPath)
	if err != nil {
		t.Fatalf("ReadLock failed: %v", err)
	}
	if len(loaded.Deps) != 2 {
		t.Fatalf("expected 2 deps, got %d", len(loaded.Deps))
	}
	if loaded.Deps[0].Name != "helpers" {
		t.Errorf("deps not sorted: first = %q", loaded.Deps[0].Name)
	}
	if found := loaded.FindLockedDep("theme"); found == nil || found.Commit != "abc123" {
		t.Errorf("FindLockedDep(theme) = %+v", found)
	}
	if loaded.FindLockedDep("nonexistent") != nil {
		t.Error("FindLockedDep(nonexistent) should be nil")
	}

	var nilLock *LockFile
	if nilLock.FindLockedDep("x") != nil {
		t.Error("nil lock file should find nothing")
	}
}

func TestReadLockNotFound(t *testing.T) {
	lf, err := ReadLock(filepath.Join(t.TempDir(), "missing", "lock.toml"))
	if err != nil || lf != nil {
		t.Errorf("ReadLock(missing) = %v, %v; want nil, nil", lf, err)
	}
}
