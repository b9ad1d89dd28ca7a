// Package env provides the reference Environment for quill templates: a
// scoped variable map, a reflection-backed host accessor and fixture loading
// from YAML or TOML documents.
package env

import (
	"sort"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/vm"
)

var log = commonlog.GetLogger("quill.env")

// MapEnvironment is a stack of variable scopes. The root scope is never
// popped. It is not safe for concurrent use; give each run its own.
type MapEnvironment struct {
	scopes []map[string]vm.Value
	host   vm.HostAccessor
}

// New returns an empty environment. A nil host selects a fresh
// ReflectAccessor.
func New(host vm.HostAccessor) *MapEnvironment {
	if host == nil {
		host = NewReflectAccessor()
	}
	return &MapEnvironment{
		scopes: []map[string]vm.Value{make(map[string]vm.Value)},
		host:   host,
	}
}

// FromMap returns an environment whose root scope holds vars, converted with
// vm.FromGo.
func FromMap(vars map[string]any, host vm.HostAccessor) *MapEnvironment {
	e := New(host)
	for name, x := range vars {
		e.scopes[0][name] = vm.FromGo(x)
	}
	return e
}

// Get looks name up from the innermost scope outwards.
func (e *MapEnvironment) Get(name string) (vm.Value, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if v, ok := e.scopes[i][name]; ok {
			return v, true
		}
	}
	return vm.Null, false
}

// Set updates the innermost binding of name, or binds it in the root scope.
func (e *MapEnvironment) Set(name string, v vm.Value) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if _, ok := e.scopes[i][name]; ok {
			e.scopes[i][name] = v
			return
		}
	}
	e.scopes[0][name] = v
}

// Define binds name in the current scope.
func (e *MapEnvironment) Define(name string, v vm.Value) {
	e.scopes[len(e.scopes)-1][name] = v
}

// SetGo binds a Go value in the root scope.
func (e *MapEnvironment) SetGo(name string, x any) {
	e.scopes[0][name] = vm.FromGo(x)
}

func (e *MapEnvironment) PushScope() {
	e.scopes = append(e.scopes, make(map[string]vm.Value))
}

func (e *MapEnvironment) PopScope() {
	if len(e.scopes) == 1 {
		log.Warning("PopScope on the root scope ignored")
		return
	}
	e.scopes = e.scopes[:len(e.scopes)-1]
}

// Depth returns the number of open scopes, including the root.
func (e *MapEnvironment) Depth() int { return len(e.scopes) }

func (e *MapEnvironment) Host() vm.HostAccessor { return e.host }

// Names returns every visible name, sorted.
func (e *MapEnvironment) Names() []string {
	seen := make(map[string]bool)
	for _, scope := range e.scopes {
		for name := range scope {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Root returns a copy of the root scope.
func (e *MapEnvironment) Root() map[string]vm.Value {
	out := make(map[string]vm.Value, len(e.scopes[0]))
	for k, v := range e.scopes[0] {
		out[k] = v
	}
	return out
}
