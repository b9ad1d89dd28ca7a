package env

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// ReflectAccessor: host access to plain Go values
// ---------------------------------------------------------------------------

// ReflectAccessor implements vm.HostAccessor and vm.Resolver over ordinary Go
// values using reflection:
//   - structs expose exported fields (exact name first, then case-insensitive),
//     zero-argument methods as properties and every method for calls
//   - maps with string keys expose their entries as properties
//   - slices, arrays, maps and strings are indexable
//   - strings, collections and maps carry a few builtin members (see builtins.go)
//
// Resolution results are cached per receiver type, so the same member handle
// serves both the uncached HostAccessor calls and the VM's callsite caches.
type ReflectAccessor struct {
	mu       sync.RWMutex
	members  map[memberKey]*member
	indexers map[reflect.Type]*indexer
}

type memberKey struct {
	t    reflect.Type
	name string
}

// NewReflectAccessor creates an accessor with empty caches.
func NewReflectAccessor() *ReflectAccessor {
	return &ReflectAccessor{
		members:  make(map[memberKey]*member),
		indexers: make(map[reflect.Type]*indexer),
	}
}

// CachedTypes returns the number of distinct receiver types resolved so far.
func (a *ReflectAccessor) CachedTypes() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[reflect.Type]bool)
	for k := range a.members {
		seen[k.t] = true
	}
	for t := range a.indexers {
		seen[t] = true
	}
	return len(seen)
}

func (a *ReflectAccessor) member(obj any, name string) (*member, error) {
	if obj == nil {
		return nil, fmt.Errorf("cannot access %s on nil", name)
	}
	key := memberKey{t: reflect.TypeOf(obj), name: name}
	a.mu.RLock()
	m, ok := a.members[key]
	a.mu.RUnlock()
	if ok {
		return m, nil
	}
	m = resolveMember(key.t, name)
	a.mu.Lock()
	a.members[key] = m
	a.mu.Unlock()
	return m, nil
}

func (a *ReflectAccessor) indexer(obj any) (*indexer, error) {
	if obj == nil {
		return nil, errors.New("cannot index nil")
	}
	t := reflect.TypeOf(obj)
	a.mu.RLock()
	ix, ok := a.indexers[t]
	a.mu.RUnlock()
	if ok {
		return ix, nil
	}
	ix = &indexer{t: t}
	a.mu.Lock()
	a.indexers[t] = ix
	a.mu.Unlock()
	return ix, nil
}

// GetProperty implements vm.HostAccessor.
func (a *ReflectAccessor) GetProperty(obj any, name string) (vm.Value, error) {
	m, err := a.member(obj, name)
	if err != nil {
		return vm.Null, err
	}
	return m.Get(obj)
}

// SetProperty implements vm.HostAccessor.
func (a *ReflectAccessor) SetProperty(obj any, name string, v vm.Value) error {
	m, err := a.member(obj, name)
	if err != nil {
		return err
	}
	return m.Set(obj, v)
}

// Invoke implements vm.HostAccessor.
func (a *ReflectAccessor) Invoke(obj any, name string, args []vm.Value) (vm.Value, error) {
	m, err := a.member(obj, name)
	if err != nil {
		return vm.Null, err
	}
	return m.Invoke(obj, args)
}

// GetIndex implements vm.HostAccessor.
func (a *ReflectAccessor) GetIndex(obj any, args []vm.Value) (vm.Value, error) {
	ix, err := a.indexer(obj)
	if err != nil {
		return vm.Null, err
	}
	return ix.Get(obj, args)
}

// SetIndex implements vm.HostAccessor.
func (a *ReflectAccessor) SetIndex(obj any, args []vm.Value, v vm.Value) error {
	ix, err := a.indexer(obj)
	if err != nil {
		return err
	}
	return ix.Set(obj, args, v)
}

// ResolveMember implements vm.Resolver.
func (a *ReflectAccessor) ResolveMember(obj any, name string) (vm.Member, bool) {
	m, err := a.member(obj, name)
	return m, err == nil
}

// ResolveIndexer implements vm.Resolver.
func (a *ReflectAccessor) ResolveIndexer(obj any) (vm.Indexer, bool) {
	ix, err := a.indexer(obj)
	return ix, err == nil
}

// Entry is one key/value pair produced when a map is enumerated.
type Entry struct {
	Key   vm.Value
	Value vm.Value
}

func (e Entry) String() string {
	return vm.FormatScalar(e.Key) + "=" + vm.FormatScalar(e.Value)
}

// Enumerate implements vm.HostAccessor. Slices and arrays yield their
// elements; maps yield Entry values ordered by key.
func (a *ReflectAccessor) Enumerate(obj any) ([]vm.Value, error) {
	if items, ok := obj.([]vm.Value); ok {
		return items, nil
	}
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]vm.Value, rv.Len())
		for i := range items {
			items[i] = vm.FromGo(rv.Index(i).Interface())
		}
		return items, nil
	case reflect.Map:
		keys := sortedKeys(rv)
		items := make([]vm.Value, len(keys))
		for i, k := range keys {
			items[i] = vm.FromHost(Entry{
				Key:   vm.FromGo(k.Interface()),
				Value: vm.FromGo(rv.MapIndex(k).Interface()),
			})
		}
		return items, nil
	}
	return nil, fmt.Errorf("%T is not enumerable", obj)
}

// Format implements vm.HostAccessor. Collections render their elements with
// the same rules as scalar output.
func (a *ReflectAccessor) Format(obj any) string {
	switch o := obj.(type) {
	case fmt.Stringer:
		return o.String()
	case error:
		return o.Error()
	case []vm.Value:
		parts := make([]string, len(o))
		for i, v := range o {
			parts[i] = vm.Format(v, a)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = vm.Format(vm.FromGo(rv.Index(i).Interface()), a)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map:
		keys := sortedKeys(rv)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprint(k.Interface()) + ": " + vm.Format(vm.FromGo(rv.MapIndex(k).Interface()), a)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(obj)
}

// sortedKeys orders map keys numerically when they are numbers and by their
// printed form otherwise.
func sortedKeys(rv reflect.Value) []reflect.Value {
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		x, y := keys[i], keys[j]
		switch {
		case x.CanInt() && y.CanInt():
			return x.Int() < y.Int()
		case x.CanUint() && y.CanUint():
			return x.Uint() < y.Uint()
		case x.CanFloat() && y.CanFloat():
			return x.Float() < y.Float()
		case x.Kind() == reflect.String && y.Kind() == reflect.String:
			return x.String() < y.String()
		}
		return fmt.Sprint(x.Interface()) < fmt.Sprint(y.Interface())
	})
	return keys
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// member is the resolved plan for one (type, name) pair.
type member struct {
	name    string
	field   []int // struct field index, through pointer indirection
	mapKey  bool  // map with string keys
	method  int   // method of that name, any arity; -1 for none
	getter  int   // zero-argument method usable as a property; -1 for none
	builtin builtin
}

func resolveMember(t reflect.Type, name string) *member {
	m := &member{name: name, method: -1, getter: -1}
	if mt, ok := t.MethodByName(name); ok {
		m.method = mt.Index
	}
	for _, candidate := range []string{name, "Get" + name} {
		if mt, ok := t.MethodByName(candidate); ok && mt.Type.NumIn() == 1 && mt.Type.NumOut() >= 1 {
			m.getter = mt.Index
			break
		}
	}

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	switch base.Kind() {
	case reflect.Struct:
		if f, ok := base.FieldByName(name); ok && f.IsExported() {
			m.field = f.Index
		} else if f, ok := base.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) }); ok && f.IsExported() {
			m.field = f.Index
		}
	case reflect.Map:
		m.mapKey = base.Key().Kind() == reflect.String
	}
	m.builtin = lookupBuiltin(base, name)
	return m
}

func (m *member) Get(obj any) (vm.Value, error) {
	if m.field != nil {
		fv, err := structField(obj, m.field)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromGo(fv.Interface()), nil
	}
	if m.mapKey {
		rv := indirect(reflect.ValueOf(obj))
		if mv := rv.MapIndex(reflect.ValueOf(m.name).Convert(rv.Type().Key())); mv.IsValid() {
			return vm.FromGo(mv.Interface()), nil
		}
		if m.builtin != nil {
			return m.builtin(reflect.ValueOf(obj), nil)
		}
		return vm.Null, nil
	}
	if m.getter >= 0 {
		return callMethod(reflect.ValueOf(obj).Method(m.getter), nil)
	}
	if m.builtin != nil {
		return m.builtin(reflect.ValueOf(obj), nil)
	}
	return vm.Null, fmt.Errorf("%T has no property %s", obj, m.name)
}

func (m *member) Set(obj any, v vm.Value) error {
	if m.field != nil {
		rv := reflect.ValueOf(obj)
		if rv.Kind() != reflect.Pointer {
			return fmt.Errorf("cannot assign %s on %T: not addressable", m.name, obj)
		}
		fv, err := structField(obj, m.field)
		if err != nil {
			return err
		}
		if !fv.CanSet() {
			return fmt.Errorf("cannot assign %s on %T", m.name, obj)
		}
		x, err := toReflect(v, fv.Type())
		if err != nil {
			return fmt.Errorf("assign %s: %w", m.name, err)
		}
		fv.Set(x)
		return nil
	}
	if m.mapKey {
		rv := indirect(reflect.ValueOf(obj))
		if rv.IsNil() {
			return fmt.Errorf("cannot assign %s on a nil map", m.name)
		}
		x, err := toReflect(v, rv.Type().Elem())
		if err != nil {
			return fmt.Errorf("assign %s: %w", m.name, err)
		}
		rv.SetMapIndex(reflect.ValueOf(m.name).Convert(rv.Type().Key()), x)
		return nil
	}
	return fmt.Errorf("%T has no assignable property %s", obj, m.name)
}

func (m *member) Invoke(obj any, args []vm.Value) (vm.Value, error) {
	if m.method >= 0 {
		return callMethod(reflect.ValueOf(obj).Method(m.method), args)
	}
	if m.builtin != nil {
		return m.builtin(reflect.ValueOf(obj), args)
	}
	if m.field != nil || m.mapKey {
		// A callable stored in a field or entry.
		fn, err := m.Get(obj)
		if err != nil {
			return vm.Null, err
		}
		if _, ok := fn.Host().(vm.Func); ok {
			return vm.Call(fn, args)
		}
	}
	return vm.Null, fmt.Errorf("%T has no method %s", obj, m.name)
}

func structField(obj any, index []int) (reflect.Value, error) {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	return rv.FieldByIndexErr(index)
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// callMethod converts args to the method's parameter types, calls it and
// converts the results: none is null, a trailing error is returned as the
// error.
func callMethod(fn reflect.Value, args []vm.Value) (vm.Value, error) {
	ft := fn.Type()
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return vm.Null, fmt.Errorf("want at least %d arguments, got %d", fixed, len(args))
		}
	} else if len(args) != fixed {
		return vm.Null, fmt.Errorf("want %d arguments, got %d", fixed, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var pt reflect.Type
		if i < fixed {
			pt = ft.In(i)
		} else {
			pt = ft.In(fixed).Elem()
		}
		x, err := toReflect(arg, pt)
		if err != nil {
			return vm.Null, fmt.Errorf("argument %d: %w", i+1, err)
		}
		in[i] = x
	}

	out := fn.Call(in)
	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return vm.Null, err
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return vm.Null, nil
	}
	return vm.FromGo(out[0].Interface()), nil
}

// ---------------------------------------------------------------------------
// Indexers
// ---------------------------------------------------------------------------

type indexer struct {
	t reflect.Type
}

func (ix *indexer) Get(obj any, args []vm.Value) (vm.Value, error) {
	if len(args) != 1 {
		return vm.Null, fmt.Errorf("%T takes one index, got %d", obj, len(args))
	}
	if items, ok := obj.([]vm.Value); ok {
		i, err := position(args[0], len(items))
		if err != nil {
			return vm.Null, err
		}
		return items[i], nil
	}
	rv := indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := position(args[0], rv.Len())
		if err != nil {
			return vm.Null, err
		}
		return vm.FromGo(rv.Index(i).Interface()), nil
	case reflect.String:
		runes := []rune(rv.String())
		i, err := position(args[0], len(runes))
		if err != nil {
			return vm.Null, err
		}
		return vm.FromString(string(runes[i])), nil
	case reflect.Map:
		k, err := toReflect(args[0], rv.Type().Key())
		if err != nil {
			return vm.Null, fmt.Errorf("map key: %w", err)
		}
		if mv := rv.MapIndex(k); mv.IsValid() {
			return vm.FromGo(mv.Interface()), nil
		}
		return vm.Null, nil
	}
	return vm.Null, fmt.Errorf("%T is not indexable", obj)
}

func (ix *indexer) Set(obj any, args []vm.Value, v vm.Value) error {
	if len(args) != 1 {
		return fmt.Errorf("%T takes one index, got %d", obj, len(args))
	}
	if items, ok := obj.([]vm.Value); ok {
		i, err := position(args[0], len(items))
		if err != nil {
			return err
		}
		items[i] = v
		return nil
	}
	rv := indirect(reflect.ValueOf(obj))
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := position(args[0], rv.Len())
		if err != nil {
			return err
		}
		ev := rv.Index(i)
		if !ev.CanSet() {
			return fmt.Errorf("cannot assign into %T", obj)
		}
		x, err := toReflect(v, ev.Type())
		if err != nil {
			return err
		}
		ev.Set(x)
		return nil
	case reflect.Map:
		if rv.IsNil() {
			return errors.New("cannot assign into a nil map")
		}
		k, err := toReflect(args[0], rv.Type().Key())
		if err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		x, err := toReflect(v, rv.Type().Elem())
		if err != nil {
			return err
		}
		rv.SetMapIndex(k, x)
		return nil
	}
	return fmt.Errorf("%T is not indexable", obj)
}

// position validates an integral index against n.
func position(v vm.Value, n int) (int, error) {
	i, ok := integral(v)
	if !ok {
		return 0, fmt.Errorf("index must be an integer, got %s", v.TypeName())
	}
	if i < 0 || i >= int64(n) {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, n)
	}
	return int(i), nil
}
