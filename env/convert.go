package env

import (
	"fmt"
	"math"
	"reflect"

	"github.com/cockroachdb/apd/v3"

	"github.com/chazu/quill/vm"
)

var (
	valueType   = reflect.TypeOf(vm.Value{})
	decimalType = reflect.TypeOf((*apd.Decimal)(nil))
)

// integral returns v as an int64 when it holds a whole number.
func integral(v vm.Value) (int64, bool) {
	switch v.Kind() {
	case vm.KindInt:
		return v.Int64(), true
	case vm.KindUint:
		if v.Uint64() > math.MaxInt64 {
			return 0, false
		}
		return int64(v.Uint64()), true
	case vm.KindDouble:
		f := v.Float64()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	case vm.KindDecimal:
		d := v.Decimal()
		var frac apd.Decimal
		d.Modf(nil, &frac)
		if !frac.IsZero() {
			return 0, false
		}
		n, err := d.Int64()
		return n, err == nil
	}
	return 0, false
}

func float(v vm.Value) (float64, bool) {
	switch v.Kind() {
	case vm.KindInt:
		return float64(v.Int64()), true
	case vm.KindUint:
		return float64(v.Uint64()), true
	case vm.KindDouble:
		return v.Float64(), true
	case vm.KindDecimal:
		f, err := v.Decimal().Float64()
		return f, err == nil
	}
	return 0, false
}

// toReflect converts a template value into a Go value of type t, for method
// arguments and assignments.
func toReflect(v vm.Value, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		return reflect.ValueOf(v), nil
	}
	if v.IsNull() {
		switch t.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use null as %s", t)
	}

	x := v.Interface()
	rx := reflect.ValueOf(x)
	if rx.Type().AssignableTo(t) {
		return rx, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := integral(v)
		if !ok {
			break
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var n uint64
		switch {
		case v.Kind() == vm.KindUint:
			n = v.Uint64()
		default:
			i, ok := integral(v)
			if !ok || i < 0 {
				return reflect.Value{}, fmt.Errorf("cannot use %s as %s", vm.FormatScalar(v), t)
			}
			n = uint64(i)
		}
		out := reflect.New(t).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out.SetUint(n)
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, ok := float(v)
		if !ok {
			break
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil

	case reflect.String:
		if v.IsString() {
			return reflect.ValueOf(v.Str()).Convert(t), nil
		}

	case reflect.Bool:
		if v.IsBool() {
			return reflect.ValueOf(v.Bool()).Convert(t), nil
		}
	}

	if t == decimalType && v.IsNumber() {
		d, _, err := apd.NewFromString(vm.FormatScalar(v))
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(d), nil
	}
	if rx.Kind() == t.Kind() && rx.Type().ConvertibleTo(t) {
		return rx.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.TypeName(), t)
}
