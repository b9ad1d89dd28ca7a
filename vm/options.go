package vm

import (
	"github.com/chazu/quill/diag"
)

// MaxDepth bounds how deeply #parse resources and macros may nest. The
// template being executed is depth 0; up to MaxDepth expansions may be
// open below it, and the expansion that would be number MaxDepth+1 fails.
const MaxDepth = 64

// Options configures a run.
type Options struct {
	Loader   Loader
	Expander Expander
	Depth    int // nesting level of this run; 0 at top level
}

// Option sets a run option.
type Option func(*Options)

// WithLoader sets the loader used by #parse and #include.
func WithLoader(l Loader) Option {
	return func(o *Options) { o.Loader = l }
}

// WithExpander sets the renderer for nested templates.
func WithExpander(e Expander) Option {
	return func(o *Options) { o.Expander = e }
}

// WithDepth marks the run as nested depth levels deep.
func WithDepth(depth int) Option {
	return func(o *Options) { o.Depth = depth }
}

// CheckDepth reports an error when depth exceeds MaxDepth.
func CheckDepth(depth int) error {
	if depth > MaxDepth {
		return runtimeErrorf(diag.CodeRecursionLimit, "templates nested more than %d deep", MaxDepth)
	}
	return nil
}

// NewOptions applies opts to the zero Options.
func NewOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// LoadResource formats path and reads it through l. It returns the resolved
// name with the text.
func LoadResource(l Loader, path Value, h HostAccessor) (name, text string, err error) {
	name = Format(path, h)
	if l == nil {
		return name, "", runtimeErrorf(diag.CodeLoadFailed, "cannot load %q: no resource loader configured", name)
	}
	text, err = l.Load(name)
	if err != nil {
		return name, "", runtimeErrorf(diag.CodeLoadFailed, "cannot load %q: %v", name, err)
	}
	return name, text, nil
}

// UndefinedMacro returns the warning for an unbound @name.
func UndefinedMacro(name string, pos diag.Position) diag.Diagnostic {
	return diag.Warningf(diag.CodeUndefinedMacro, pos, "macro @%s is not defined", name)
}
