package vm

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/chazu/quill/diag"
)

// testEnv is a minimal scoped Environment.
type testEnv struct {
	scopes []map[string]Value
	host   HostAccessor
}

func newTestEnv(vars map[string]Value) *testEnv {
	root := make(map[string]Value, len(vars))
	for k, v := range vars {
		root[k] = v
	}
	return &testEnv{scopes: []map[string]Value{root}, host: &testHost{}}
}

func (e *testEnv) Get(name string) (Value, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if v, ok := e.scopes[i][name]; ok {
			return v, true
		}
	}
	return Null, false
}

func (e *testEnv) Set(name string, v Value) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if _, ok := e.scopes[i][name]; ok {
			e.scopes[i][name] = v
			return
		}
	}
	e.scopes[0][name] = v
}

func (e *testEnv) Define(name string, v Value) { e.scopes[len(e.scopes)-1][name] = v }
func (e *testEnv) PushScope()                  { e.scopes = append(e.scopes, map[string]Value{}) }
func (e *testEnv) PopScope()                   { e.scopes = e.scopes[:len(e.scopes)-1] }
func (e *testEnv) Host() HostAccessor          { return e.host }

// point is a host type with one member and an indexer.
type point struct{ X, Y int64 }

// label is a second host type with an X member.
type label struct{ X string }

// testHost serves point, label, []Value and map[string]Value. It counts
// resolutions so cache hits can be observed.
type testHost struct {
	resolves atomic.Int64
}

func (h *testHost) GetProperty(obj any, name string) (Value, error) {
	switch o := obj.(type) {
	case *point:
		switch name {
		case "X":
			return FromInt64(o.X), nil
		case "Y":
			return FromInt64(o.Y), nil
		}
	case *label:
		if name == "X" {
			return FromString(o.X), nil
		}
	case map[string]Value:
		return o[name], nil
	case string:
		if name == "Length" {
			return FromInt64(int64(len(o))), nil
		}
	}
	return Null, fmt.Errorf("no property %s on %T", name, obj)
}

func (h *testHost) SetProperty(obj any, name string, v Value) error {
	switch o := obj.(type) {
	case *point:
		switch name {
		case "X":
			o.X = v.Int64()
			return nil
		case "Y":
			o.Y = v.Int64()
			return nil
		}
	case map[string]Value:
		o[name] = v
		return nil
	}
	return fmt.Errorf("cannot set %s on %T", name, obj)
}

func (h *testHost) GetIndex(obj any, args []Value) (Value, error) {
	if len(args) != 1 {
		return Null, fmt.Errorf("want one index")
	}
	switch o := obj.(type) {
	case []Value:
		i := args[0].Int64()
		if i < 0 || i >= int64(len(o)) {
			return Null, fmt.Errorf("index %d out of range", i)
		}
		return o[i], nil
	case map[string]Value:
		return o[args[0].Str()], nil
	}
	return Null, fmt.Errorf("%T is not indexable", obj)
}

func (h *testHost) SetIndex(obj any, args []Value, v Value) error {
	switch o := obj.(type) {
	case []Value:
		o[args[0].Int64()] = v
		return nil
	case map[string]Value:
		o[args[0].Str()] = v
		return nil
	}
	return fmt.Errorf("%T is not indexable", obj)
}

func (h *testHost) Invoke(obj any, name string, args []Value) (Value, error) {
	if p, ok := obj.(*point); ok && name == "Sum" {
		return FromInt64(p.X + p.Y), nil
	}
	return Null, fmt.Errorf("no method %s on %T", name, obj)
}

func (h *testHost) Enumerate(obj any) ([]Value, error) {
	switch o := obj.(type) {
	case []Value:
		return o, nil
	case map[string]Value:
		keys := make([]string, 0, len(o))
		for k := range o {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]Value, len(keys))
		for i, k := range keys {
			items[i] = FromString(k)
		}
		return items, nil
	}
	return nil, fmt.Errorf("%T is not enumerable", obj)
}

func (h *testHost) Format(obj any) string {
	if p, ok := obj.(*point); ok {
		return fmt.Sprintf("(%d,%d)", p.X, p.Y)
	}
	return fmt.Sprint(obj)
}

func (h *testHost) ResolveMember(obj any, name string) (Member, bool) {
	h.resolves.Add(1)
	return hostMember{h: h, name: name}, true
}

func (h *testHost) ResolveIndexer(obj any) (Indexer, bool) {
	h.resolves.Add(1)
	return hostIndexer{h: h}, true
}

type hostMember struct {
	h    *testHost
	name string
}

func (m hostMember) Get(obj any) (Value, error)         { return m.h.GetProperty(obj, m.name) }
func (m hostMember) Set(obj any, v Value) error         { return m.h.SetProperty(obj, m.name, v) }
func (m hostMember) Invoke(obj any, args []Value) (Value, error) { return m.h.Invoke(obj, m.name, args) }

type hostIndexer struct{ h *testHost }

func (ix hostIndexer) Get(obj any, args []Value) (Value, error) { return ix.h.GetIndex(obj, args) }
func (ix hostIndexer) Set(obj any, args []Value, v Value) error  { return ix.h.SetIndex(obj, args, v) }

// mapLoader serves resources from a map.
type mapLoader map[string]string

func (l mapLoader) Load(path string) (string, error) {
	if s, ok := l[path]; ok {
		return s, nil
	}
	return "", fmt.Errorf("not found")
}

// echoExpander renders nested source verbatim and records what it saw.
type echoExpander struct {
	calls  []string
	depths []int
	diags  diag.List
}

func (x *echoExpander) Expand(name, source string, env Environment, depth int) (string, diag.List) {
	x.calls = append(x.calls, name)
	x.depths = append(x.depths, depth)
	return "<" + source + ">", x.diags
}

// builder assembles test programs.
type builder struct {
	asm *Assembly
}

func newBuilder(level OptimizeLevel) *builder {
	return &builder{asm: NewAssembly("test", level)}
}

func (b *builder) k(v Value) int {
	idx, err := b.asm.AddConstant(v)
	if err != nil {
		panic(err)
	}
	return int(idx)
}

func (b *builder) name(s string) int { return b.k(FromString(s)) }

func (b *builder) emit(op Opcode, operands ...int) *builder {
	b.asm.Emit(op, operands...)
	return b
}

func (b *builder) text(s string) *builder { return b.emit(OpEmitConst, b.name(s)) }

func (b *builder) push(v Value) *builder { return b.emit(OpConst, b.k(v)) }

func (b *builder) load(name string) *builder { return b.emit(OpLoadVar, b.name(name)) }

func (b *builder) slot() int {
	if b.asm.Level < OptimizeCallsite {
		return int(NoSlot)
	}
	return int(b.asm.AllocSlot())
}
