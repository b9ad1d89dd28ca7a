package quill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/quill/compiler/hash"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/env"
	"github.com/chazu/quill/loader"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/store"
	"github.com/chazu/quill/vm"
)

func TestEngineRender(t *testing.T) {
	l := loader.NewMapLoader(map[string]string{
		"page.qt":   "<h1>$title</h1>#parse('footer.qt')",
		"footer.qt": "<p>@sign</p>",
	})
	vars := map[string]any{"title": "Home", "sign": "by $author", "author": "Ada"}
	const want = "<h1>Home</h1><p>by Ada</p>"

	for _, interpret := range []bool{false, true} {
		e := NewEngine(l, WithInterpreter(interpret))
		out, diags := e.Render("page.qt", env.FromMap(vars, nil))
		if out != want || diags.HasErrors() {
			t.Errorf("interpret=%t: Render = %q, %v", interpret, out, diags)
		}
	}
}

func TestEngineCachesBySourceHash(t *testing.T) {
	l := loader.NewMapLoader(map[string]string{"t.qt": "v1 $x"})
	e := NewEngine(l)

	a, diags := e.Template("t.qt")
	if diags.HasErrors() {
		t.Fatal(diags)
	}
	b, _ := e.Template("t.qt")
	if a != b {
		t.Error("unchanged source was recompiled")
	}
	if e.Cached() != 1 {
		t.Errorf("Cached = %d, want 1", e.Cached())
	}

	l.Add("t.qt", "v2 $x")
	c, _ := e.Template("t.qt")
	if c == a {
		t.Error("changed source served the stale template")
	}
	out, _ := c.Execute(env.FromMap(map[string]any{"x": 1}, nil))
	if out != "v2 1" {
		t.Errorf("Execute = %q", out)
	}

	e.Invalidate("t.qt")
	if e.Cached() != 0 {
		t.Errorf("Cached after Invalidate = %d", e.Cached())
	}
}

func TestEngineErrors(t *testing.T) {
	l := loader.NewMapLoader(map[string]string{"bad.qt": "#if($x)"})
	e := NewEngine(l)

	tests := []struct {
		name string
		code string
	}{
		{"missing.qt", diag.CodeLoadFailed},
		{"bad.qt", diag.CodeUnexpectedEOF},
	}
	for _, tc := range tests {
		out, diags := e.Render(tc.name, nil)
		if out != "" || !diags.HasErrors() {
			t.Errorf("%s: Render = %q, %v", tc.name, out, diags)
			continue
		}
		if diags[0].Code != tc.code {
			t.Errorf("%s: code = %s, want %s", tc.name, diags[0].Code, tc.code)
		}
	}
	if e.Cached() != 0 {
		t.Error("a failed compile was cached")
	}

	if _, diags := NewEngine(nil).Template("x"); !diags.HasErrors() {
		t.Error("engine without a loader rendered")
	}
}

func TestEngineStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "assemblies.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	const source = "Hi $name"
	l := loader.NewMapLoader(map[string]string{"hi.qt": source})

	first := NewEngine(l, WithStore(s), WithEngineOptimize(vm.OptimizeCallsite))
	if out, diags := first.Render("hi.qt", env.FromMap(map[string]any{"name": "Ada"}, nil)); out != "Hi Ada" {
		t.Fatalf("Render = %q, %v", out, diags)
	}
	rec, err := s.Lookup("hi.qt")
	if err != nil {
		t.Fatalf("template not stored: %v", err)
	}
	if rec.SourceHash != hash.SourceHex(source) || rec.Level != vm.OptimizeCallsite {
		t.Errorf("record = %+v", rec)
	}

	// A second engine reuses the stored build.
	second := NewEngine(l, WithStore(s), WithEngineOptimize(vm.OptimizeCallsite))
	if _, diags := second.Template("hi.qt"); diags.HasErrors() {
		t.Fatal(diags)
	}
	again, _ := s.Lookup("hi.qt")
	if again.ID != rec.ID {
		t.Error("stored assembly was rebuilt for unchanged source")
	}

	// A different level rebuilds and replaces it.
	third := NewEngine(l, WithStore(s), WithEngineOptimize(vm.OptimizeNone))
	third.Template("hi.qt")
	replaced, _ := s.Lookup("hi.qt")
	if replaced.ID == rec.ID || replaced.Level != vm.OptimizeNone {
		t.Errorf("record after level change = %+v", replaced)
	}

	// So does a source change.
	l.Add("hi.qt", "Bye $name")
	out, _ := third.Render("hi.qt", env.FromMap(map[string]any{"name": "Ada"}, nil))
	if out != "Bye Ada" {
		t.Errorf("Render after edit = %q", out)
	}
	edited, _ := s.Lookup("hi.qt")
	if edited.SourceHash != hash.SourceHex("Bye $name") {
		t.Error("store kept the stale source hash")
	}
}

func TestNewEngineFromManifest(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, text string) {
		t.Helper()
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("app/quill.toml", `
[engine]
optimize = "callsite"

[loader]
paths = ["templates"]

[store]
path = ".quill/assemblies.db"

[dependencies]
theme = { path = "../theme" }
`)
	write("app/templates/index.qt", "#parse('layout.qt')")
	write("theme/quill.toml", "")
	write("theme/layout.qt", "[$title]")

	m, err := manifest.Load(filepath.Join(dir, "app"))
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEngineFromManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	out, diags := e.Render("index.qt", env.FromMap(map[string]any{"title": "Quill"}, nil))
	if out != "[Quill]" || diags.HasErrors() {
		t.Errorf("Render = %q, %v", out, diags)
	}
	tpl, _ := e.Template("index.qt")
	if tpl.Assembly().Level != vm.OptimizeCallsite {
		t.Errorf("level = %s", tpl.Assembly().Level)
	}
	if _, err := os.Stat(filepath.Join(dir, "app", ".quill", "assemblies.db")); err != nil {
		t.Errorf("store not created: %v", err)
	}
}
