package quill

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/compiler/hash"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/env"
	"github.com/chazu/quill/eval"
	"github.com/chazu/quill/loader"
	"github.com/chazu/quill/manifest"
	"github.com/chazu/quill/store"
	"github.com/chazu/quill/vm"
)

// Engine renders named templates served by a loader. Compiled templates are
// cached in memory and, when a store is attached, persisted so later
// processes can skip compilation. A cached or stored assembly is reused only
// while the SHA-256 of the template source and the optimization level still
// match.
type Engine struct {
	loader    vm.Loader
	level     vm.OptimizeLevel
	interpret bool
	store     *store.Store
	ownsStore bool

	mu        sync.RWMutex
	templates map[string]*cachedTemplate
}

type cachedTemplate struct {
	tpl        *Template
	sourceHash string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineOptimize selects the optimization level for compiled templates.
func WithEngineOptimize(level vm.OptimizeLevel) EngineOption {
	return func(e *Engine) { e.level = level }
}

// WithStore attaches an assembly store. The engine does not close it.
func WithStore(s *store.Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithInterpreter makes Render walk the parsed template instead of running
// the compiled assembly.
func WithInterpreter(interpret bool) EngineOption {
	return func(e *Engine) { e.interpret = interpret }
}

// NewEngine creates an engine that reads templates through l.
func NewEngine(l vm.Loader, opts ...EngineOption) *Engine {
	e := &Engine{
		loader:    l,
		level:     vm.OptimizeAll,
		templates: make(map[string]*cachedTemplate),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEngineFromManifest creates an engine configured by a quill.toml
// manifest: its loader searches the project paths followed by those of its
// resolved dependencies, and the store named by [store] is opened.
func NewEngineFromManifest(m *manifest.Manifest) (*Engine, error) {
	level, err := m.OptimizeLevel()
	if err != nil {
		return nil, err
	}
	paths, err := manifest.NewResolver(m).SearchPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving dependencies: %w", err)
	}
	fsl, err := loader.NewFileSystemLoader(paths...)
	if err != nil {
		return nil, err
	}
	e := NewEngine(fsl, WithEngineOptimize(level), WithInterpreter(m.Interpret()))
	if p := m.StorePath(); p != "" {
		s, err := store.Open(p)
		if err != nil {
			return nil, err
		}
		e.store = s
		e.ownsStore = true
	}
	log.Infof("engine for %s: optimize=%s, %d search paths", m.Dir, level, len(paths))
	return e, nil
}

// Close releases the store when the engine opened it.
func (e *Engine) Close() error {
	if e.ownsStore && e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Loader returns the engine's resource loader.
func (e *Engine) Loader() vm.Loader { return e.loader }

// Template returns the compiled template called name.
func (e *Engine) Template(name string) (*Template, diag.List) {
	source, diags := e.source(name)
	if diags.HasErrors() {
		return nil, diags
	}
	return e.template(name, source)
}

func (e *Engine) source(name string) (string, diag.List) {
	var diags diag.List
	if e.loader == nil {
		diags.Add(diag.Errorf(diag.CodeLoadFailed, diag.Position{}, "cannot load %q: no resource loader configured", name))
		return "", diags
	}
	source, err := e.loader.Load(name)
	if err != nil {
		diags.Add(diag.Errorf(diag.CodeLoadFailed, diag.Position{}, "cannot load %q: %v", name, err))
	}
	return source, diags
}

func (e *Engine) template(name, source string) (*Template, diag.List) {
	sh := hash.SourceHex(source)

	e.mu.RLock()
	c, ok := e.templates[name]
	e.mu.RUnlock()
	if ok && c.sourceHash == sh {
		return c.tpl, nil
	}

	tpl := e.fromStore(name, sh)
	var diags diag.List
	if tpl == nil {
		var asm *vm.Assembly
		asm, diags = compile(name, source, e.level)
		if asm == nil {
			return nil, diags
		}
		tpl = newTemplate(asm, e.loader)
		e.toStore(name, sh, asm)
	}

	e.mu.Lock()
	e.templates[name] = &cachedTemplate{tpl: tpl, sourceHash: sh}
	e.mu.Unlock()
	return tpl, diags
}

// fromStore returns the stored template for name when it was built from the
// same source at the engine's level.
func (e *Engine) fromStore(name, sourceHash string) *Template {
	if e.store == nil {
		return nil
	}
	rec, err := e.store.Lookup(name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warningf("store lookup %s: %s", name, err)
		}
		log.Debugf("store miss: %s", name)
		return nil
	}
	if rec.SourceHash != sourceHash || rec.Level != e.level {
		log.Debugf("store stale: %s (level %s)", name, rec.Level)
		return nil
	}
	asm, _, err := e.store.Get(name)
	if err != nil {
		log.Warningf("store get %s: %s", name, err)
		return nil
	}
	log.Debugf("store hit: %s (%s)", name, rec.ID)
	return newTemplate(asm, e.loader)
}

func (e *Engine) toStore(name, sourceHash string, asm *vm.Assembly) {
	if e.store == nil {
		return
	}
	if _, err := e.store.Put(name, sourceHash, asm); err != nil {
		log.Warningf("store put %s: %s", name, err)
	}
}

// Render renders the template called name against en.
func (e *Engine) Render(name string, en vm.Environment) (string, diag.List) {
	if en == nil {
		en = env.New(nil)
	}
	if e.interpret {
		source, diags := e.source(name)
		if diags.HasErrors() {
			return "", diags
		}
		tpl, pdiags := compiler.Parse(name, source)
		if pdiags.HasErrors() {
			return "", pdiags
		}
		out, rdiags := eval.Apply(tpl, en, vm.WithLoader(e.loader))
		pdiags.Append(rdiags)
		return out, pdiags
	}

	tpl, diags := e.Template(name)
	if tpl == nil {
		return "", diags
	}
	out, rdiags := tpl.Execute(en)
	diags.Append(rdiags)
	return out, diags
}

// Invalidate drops name from the in-memory cache.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	delete(e.templates, name)
	e.mu.Unlock()
}

// Cached returns the number of templates held in memory.
func (e *Engine) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.templates)
}
