// Package quill is a text templating engine.
//
// A template is literal text interleaved with $-expressions and #-directives.
// It renders against a vm.Environment in one of two equivalent ways: the
// interpreter walks the parsed template directly (ImmediateApply), or the
// compiler lowers it to an assembly that the virtual machine executes as many
// times as needed (Compile, then Template.Execute). Assemblies serialize to a
// versioned binary stream and can be loaded without their source
// (LoadTemplate).
package quill

import (
	"io"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/env"
	"github.com/chazu/quill/eval"
	"github.com/chazu/quill/vm"
)

var log = commonlog.GetLogger("quill")

// Option configures compilation and rendering.
type Option func(*options)

type options struct {
	level  vm.OptimizeLevel
	loader vm.Loader
}

func newOptions(opts []Option) options {
	o := options{level: vm.OptimizeAll}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithOptimize selects the optimization level. The default is
// vm.OptimizeAll.
func WithOptimize(level vm.OptimizeLevel) Option {
	return func(o *options) { o.level = level }
}

// WithLoader sets the loader that serves #parse and #include.
func WithLoader(l vm.Loader) Option {
	return func(o *options) { o.loader = l }
}

// Template is a compiled template. It is safe for concurrent use as long as
// each Execute call gets its own Environment.
type Template struct {
	asm      *vm.Assembly
	loader   vm.Loader
	expander *expander
}

func newTemplate(asm *vm.Assembly, loader vm.Loader) *Template {
	return &Template{
		asm:      asm,
		loader:   loader,
		expander: newExpander(asm.Level, loader),
	}
}

// Name returns the template name given at compile time.
func (t *Template) Name() string { return t.asm.Name }

// Assembly returns the compiled form, e.g. to serialize it with Write.
func (t *Template) Assembly() *vm.Assembly { return t.asm }

// Execute renders the template against e. A nil e renders against an empty
// environment.
func (t *Template) Execute(e vm.Environment) (string, diag.List) {
	if e == nil {
		e = env.New(nil)
	}
	return vm.Execute(t.asm, e, vm.WithLoader(t.loader), vm.WithExpander(t.expander))
}

// Compile parses and compiles source. The returned Template is nil when the
// diagnostics contain an error.
func Compile(name, source string, opts ...Option) (*Template, diag.List) {
	o := newOptions(opts)
	asm, diags := compile(name, source, o.level)
	if asm == nil {
		return nil, diags
	}
	return newTemplate(asm, o.loader), diags
}

func compile(name, source string, level vm.OptimizeLevel) (*vm.Assembly, diag.List) {
	tpl, diags := compiler.Parse(name, source)
	if diags.HasErrors() {
		return nil, diags
	}
	asm, cdiags := compiler.Compile(tpl, level)
	diags.Append(cdiags)
	if diags.HasErrors() {
		return nil, diags
	}
	log.Debugf("compiled %s (optimize=%s, %d bytes, %d slots)", name, level, len(asm.Code), asm.SlotCount)
	return asm, diags
}

// LoadTemplate reads a serialized assembly. Options other than WithLoader
// are ignored; the optimization level is the one recorded in the stream.
func LoadTemplate(r io.Reader, opts ...Option) (*Template, error) {
	asm, err := vm.ReadAssembly(r)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return newTemplate(asm, o.loader), nil
}

// ImmediateApply parses source and renders it with the interpreter, without
// compiling. WithOptimize has no effect.
func ImmediateApply(e vm.Environment, source string, opts ...Option) (string, diag.List) {
	o := newOptions(opts)
	tpl, diags := compiler.Parse("immediate", source)
	if diags.HasErrors() {
		return "", diags
	}
	if e == nil {
		e = env.New(nil)
	}
	out, rdiags := eval.Apply(tpl, e, vm.WithLoader(o.loader))
	diags.Append(rdiags)
	return out, diags
}

// CompileAndRun compiles source and executes it once against e.
func CompileAndRun(name, source string, e vm.Environment, opts ...Option) (string, diag.List) {
	t, diags := Compile(name, source, opts...)
	if t == nil {
		return "", diags
	}
	out, rdiags := t.Execute(e)
	diags.Append(rdiags)
	return out, diags
}

// maxExpansions bounds the number of nested templates an expander keeps
// compiled.
const maxExpansions = 256

// expander compiles and runs the nested templates met during execution:
// #parse resources and macro strings. Compiled nested templates are kept by
// name and source.
type expander struct {
	level  vm.OptimizeLevel
	loader vm.Loader

	mu    sync.RWMutex
	cache map[expansionKey]*vm.Assembly
}

type expansionKey struct {
	name, source string
}

func newExpander(level vm.OptimizeLevel, loader vm.Loader) *expander {
	return &expander{
		level:  level,
		loader: loader,
		cache:  make(map[expansionKey]*vm.Assembly),
	}
}

// Expand implements vm.Expander.
func (x *expander) Expand(name, source string, e vm.Environment, depth int) (string, diag.List) {
	asm, diags := x.assembly(name, source)
	if asm == nil {
		return "", diags
	}
	out, rdiags := vm.Execute(asm, e, vm.WithLoader(x.loader), vm.WithExpander(x), vm.WithDepth(depth))
	diags.Append(rdiags)
	return out, diags
}

func (x *expander) assembly(name, source string) (*vm.Assembly, diag.List) {
	key := expansionKey{name, source}
	x.mu.RLock()
	asm, ok := x.cache[key]
	x.mu.RUnlock()
	if ok {
		return asm, nil
	}

	asm, diags := compile(name, source, x.level)
	if asm == nil {
		return nil, diags
	}
	x.mu.Lock()
	if len(x.cache) < maxExpansions {
		x.cache[key] = asm
	}
	x.mu.Unlock()
	return asm, diags
}
