package vm

import (
	"fmt"
	"reflect"

	"github.com/chazu/quill/diag"
)

// Environment is the variable store a template runs against. It is owned by
// the caller; the engine only reads and writes through this interface.
//
// Loop and macro bodies push a child scope that shadows outer bindings and is
// discarded on exit.
type Environment interface {
	// Get looks a name up from the innermost scope outwards.
	Get(name string) (Value, bool)
	// Set updates the innermost existing binding of name, or defines it in
	// the root scope when it is unbound.
	Set(name string, v Value)
	// Define binds name in the current scope.
	Define(name string, v Value)
	PushScope()
	PopScope()
	// Host returns the accessor used for member, index and method access.
	Host() HostAccessor
}

// HostAccessor performs dynamic access against host objects. Scalar receivers
// are passed as their plain Go value (see Value.Interface).
type HostAccessor interface {
	GetProperty(obj any, name string) (Value, error)
	SetProperty(obj any, name string, v Value) error
	GetIndex(obj any, args []Value) (Value, error)
	SetIndex(obj any, args []Value, v Value) error
	Invoke(obj any, name string, args []Value) (Value, error)
	// Enumerate returns the items of a collection in their native order.
	Enumerate(obj any) ([]Value, error)
	// Format renders a host object as output text.
	Format(obj any) string
}

// Resolver is implemented by accessors that can resolve an access once per
// concrete host type and hand back a reusable handle. The VM stores these
// handles in callsite caches. A handle must behave exactly like the
// corresponding HostAccessor call.
type Resolver interface {
	ResolveMember(obj any, name string) (Member, bool)
	ResolveIndexer(obj any) (Indexer, bool)
}

// Member is a resolved property or method of one host type.
type Member interface {
	Get(obj any) (Value, error)
	Set(obj any, v Value) error
	Invoke(obj any, args []Value) (Value, error)
}

// Indexer is a resolved indexer of one host type.
type Indexer interface {
	Get(obj any, args []Value) (Value, error)
	Set(obj any, args []Value, v Value) error
}

// Loader supplies resource text for #parse and #include.
type Loader interface {
	Load(path string) (string, error)
}

// Expander renders template source met at run time (#parse resources and
// macro strings) against env. depth is the nesting level of the expansion,
// 1 for a template called from a top-level run.
type Expander interface {
	Expand(name, source string, env Environment, depth int) (string, diag.List)
}

func typeOf(x any) reflect.Type { return reflect.TypeOf(x) }

// ---------------------------------------------------------------------------
// Uncached access helpers shared by the interpreter and the VM
// ---------------------------------------------------------------------------

func receiver(v Value, code, what string) (any, error) {
	if v.kind == KindNull {
		return nil, runtimeErrorf(code, "cannot %s on null", what)
	}
	return v.Interface(), nil
}

func wrapHostError(err error, code string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*RuntimeError); ok {
		return err
	}
	return &RuntimeError{Code: code, Msg: err.Error()}
}

// GetProperty reads recv.name.
func GetProperty(h HostAccessor, recv Value, name string) (Value, error) {
	obj, err := receiver(recv, diag.CodeMemberAccess, "read property "+name)
	if err != nil {
		return Null, err
	}
	v, err := h.GetProperty(obj, name)
	return v, wrapHostError(err, diag.CodeMemberAccess)
}

// SetProperty assigns recv.name = v.
func SetProperty(h HostAccessor, recv Value, name string, v Value) error {
	obj, err := receiver(recv, diag.CodeMemberAccess, "assign property "+name)
	if err != nil {
		return err
	}
	return wrapHostError(h.SetProperty(obj, name, v), diag.CodeMemberAccess)
}

// GetIndex reads recv[args].
func GetIndex(h HostAccessor, recv Value, args []Value) (Value, error) {
	obj, err := receiver(recv, diag.CodeIndexAccess, "index")
	if err != nil {
		return Null, err
	}
	v, err := h.GetIndex(obj, args)
	return v, wrapHostError(err, diag.CodeIndexAccess)
}

// SetIndex assigns recv[args] = v.
func SetIndex(h HostAccessor, recv Value, args []Value, v Value) error {
	obj, err := receiver(recv, diag.CodeIndexAccess, "assign index")
	if err != nil {
		return err
	}
	return wrapHostError(h.SetIndex(obj, args, v), diag.CodeIndexAccess)
}

// Invoke calls recv.name(args).
func Invoke(h HostAccessor, recv Value, name string, args []Value) (Value, error) {
	obj, err := receiver(recv, diag.CodeInvoke, "call "+name)
	if err != nil {
		return Null, err
	}
	v, err := h.Invoke(obj, name, args)
	return v, wrapHostError(err, diag.CodeInvoke)
}

// Call invokes a callable value.
func Call(callee Value, args []Value) (Value, error) {
	fn, ok := callee.Host().(Func)
	if !ok {
		return Null, runtimeErrorf(diag.CodeInvoke, "%s is not callable", callee.TypeName())
	}
	v, err := fn(args)
	return v, wrapHostError(err, diag.CodeInvoke)
}

// Enumerate returns the items a #foreach iterates. Null yields nothing.
func Enumerate(h HostAccessor, coll Value) ([]Value, error) {
	switch coll.kind {
	case KindNull:
		return nil, nil
	case KindHost:
		items, err := h.Enumerate(coll.ref)
		return items, wrapHostError(err, diag.CodeNotEnumerable)
	}
	return nil, runtimeErrorf(diag.CodeNotEnumerable, "%s is not enumerable", coll.TypeName())
}

// HostOf returns env's accessor, or one that rejects every access when env
// has none.
func HostOf(env Environment) HostAccessor {
	if h := env.Host(); h != nil {
		return h
	}
	return noHost{}
}

type noHost struct{}

func (noHost) GetProperty(obj any, name string) (Value, error) {
	return Null, runtimeErrorf(diag.CodeMemberAccess, "no host accessor: cannot read %s", name)
}

func (noHost) SetProperty(obj any, name string, v Value) error {
	return runtimeErrorf(diag.CodeMemberAccess, "no host accessor: cannot assign %s", name)
}

func (noHost) GetIndex(obj any, args []Value) (Value, error) {
	return Null, runtimeErrorf(diag.CodeIndexAccess, "no host accessor: cannot index")
}

func (noHost) SetIndex(obj any, args []Value, v Value) error {
	return runtimeErrorf(diag.CodeIndexAccess, "no host accessor: cannot index")
}

func (noHost) Invoke(obj any, name string, args []Value) (Value, error) {
	return Null, runtimeErrorf(diag.CodeInvoke, "no host accessor: cannot call %s", name)
}

func (noHost) Enumerate(obj any) ([]Value, error) {
	return nil, runtimeErrorf(diag.CodeNotEnumerable, "no host accessor: cannot enumerate")
}

func (noHost) Format(obj any) string { return fmt.Sprint(obj) }
