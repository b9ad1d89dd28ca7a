package vm

import (
	"fmt"
	"math"
	"reflect"

	"github.com/cockroachdb/apd/v3"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindDouble
	KindDecimal
	KindString
	KindHost
)

var kindNames = [...]string{
	KindNull:    "null",
	KindBool:    "bool",
	KindInt:     "int64",
	KindUint:    "uint64",
	KindDouble:  "double",
	KindDecimal: "decimal",
	KindString:  "string",
	KindHost:    "host",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a tagged dynamic template value.
//
// Scalars live in bits (bool, int64, uint64 and float64 bit patterns), strings
// in str, and decimals and host objects in ref. A decimal held by a Value is
// never mutated after construction.
type Value struct {
	kind Kind
	bits uint64
	str  string
	ref  any
}

// Func is a host-provided callable. Stored in an Environment as a host value,
// it can be invoked from a template as $name(args).
type Func func(args []Value) (Value, error)

// Pre-defined values
var (
	Null  = Value{}
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromInt64 returns an Int64 value.
func FromInt64(n int64) Value { return Value{kind: KindInt, bits: uint64(n)} }

// FromUint64 returns a UInt64 value.
func FromUint64(n uint64) Value { return Value{kind: KindUint, bits: n} }

// FromFloat64 returns a Double value.
func FromFloat64(f float64) Value { return Value{kind: KindDouble, bits: math.Float64bits(f)} }

// FromDecimal returns a Decimal value. The decimal must not be modified later.
func FromDecimal(d *apd.Decimal) Value {
	if d == nil {
		return Null
	}
	return Value{kind: KindDecimal, ref: d}
}

// FromString returns a String value.
func FromString(s string) Value { return Value{kind: KindString, str: s} }

// FromHost wraps an arbitrary host object. Nil becomes Null.
func FromHost(x any) Value {
	if x == nil {
		return Null
	}
	return Value{kind: KindHost, ref: x}
}

// FromGo converts a Go value returned by a host into a Value. Scalars map to
// their natural kinds; everything else becomes a host reference.
func FromGo(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return FromBool(t)
	case int:
		return FromInt64(int64(t))
	case int8:
		return FromInt64(int64(t))
	case int16:
		return FromInt64(int64(t))
	case int32:
		return FromInt64(int64(t))
	case int64:
		return FromInt64(t)
	case uint:
		return FromUint64(uint64(t))
	case uint8:
		return FromUint64(uint64(t))
	case uint16:
		return FromUint64(uint64(t))
	case uint32:
		return FromUint64(uint64(t))
	case uint64:
		return FromUint64(t)
	case float32:
		return FromFloat64(float64(t))
	case float64:
		return FromFloat64(t)
	case string:
		return FromString(t)
	case *apd.Decimal:
		return FromDecimal(t)
	case apd.Decimal:
		d := new(apd.Decimal).Set(&t)
		return FromDecimal(d)
	case func(args []Value) (Value, error):
		return FromHost(Func(t))
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface:
		if rv.IsNil() {
			return Null
		}
	}
	return FromHost(x)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsBool() bool    { return v.kind == KindBool }
func (v Value) IsString() bool  { return v.kind == KindString }
func (v Value) IsHost() bool    { return v.kind == KindHost }
func (v Value) IsDecimal() bool { return v.kind == KindDecimal }

// IsNumber reports whether v is one of the numeric kinds.
func (v Value) IsNumber() bool {
	switch v.kind {
	case KindInt, KindUint, KindDouble, KindDecimal:
		return true
	}
	return false
}

// Bool returns the boolean payload; false for other kinds.
func (v Value) Bool() bool { return v.kind == KindBool && v.bits != 0 }

// Int64 returns the int64 payload.
func (v Value) Int64() int64 { return int64(v.bits) }

// Uint64 returns the uint64 payload.
func (v Value) Uint64() uint64 { return v.bits }

// Float64 returns the double payload.
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

// Decimal returns the decimal payload, or nil for other kinds.
func (v Value) Decimal() *apd.Decimal {
	d, _ := v.ref.(*apd.Decimal)
	return d
}

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string { return v.str }

// Host returns the host object, or nil.
func (v Value) Host() any {
	if v.kind != KindHost {
		return nil
	}
	return v.ref
}

// Interface converts v back into a plain Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int64()
	case KindUint:
		return v.Uint64()
	case KindDouble:
		return v.Float64()
	case KindDecimal:
		return v.Decimal()
	case KindString:
		return v.str
	case KindHost:
		return v.ref
	}
	return nil
}

// Truthy implements template truthiness: null is false, numbers are true when
// non-zero, strings when non-empty, host objects always.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.bits != 0
	case KindInt, KindUint:
		return v.bits != 0
	case KindDouble:
		return v.Float64() != 0
	case KindDecimal:
		return !v.Decimal().IsZero()
	case KindString:
		return v.str != ""
	}
	return true
}

// TypeName describes v for diagnostics.
func (v Value) TypeName() string {
	if v.kind == KindHost {
		return fmt.Sprintf("host(%T)", v.ref)
	}
	return v.kind.String()
}

// GoString is used by %#v and test failure messages.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindHost:
		return fmt.Sprintf("host(%#v)", v.ref)
	}
	return fmt.Sprintf("%s(%s)", v.kind, FormatScalar(v))
}
