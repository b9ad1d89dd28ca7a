package vm

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/cockroachdb/apd/v3"

	"github.com/chazu/quill/diag"
)

func dec(s string) Value {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return FromDecimal(d)
}

func TestBinary(t *testing.T) {
	h := &testHost{}
	tests := []struct {
		op   BinaryOp
		a, b Value
		kind Kind
		want string
	}{
		// Integer arithmetic
		{BinAdd, FromInt64(2), FromInt64(3), KindInt, "5"},
		{BinSub, FromInt64(2), FromInt64(3), KindInt, "-1"},
		{BinMul, FromInt64(-4), FromInt64(3), KindInt, "-12"},
		{BinDiv, FromInt64(7), FromInt64(2), KindInt, "3"},
		{BinDiv, FromInt64(-7), FromInt64(2), KindInt, "-3"},
		{BinMod, FromInt64(-7), FromInt64(3), KindInt, "-1"},
		{BinAdd, FromInt64(math.MaxInt64), FromInt64(0), KindInt, "9223372036854775807"},
		{BinSub, FromInt64(math.MinInt64), FromInt64(0), KindInt, "-9223372036854775808"},

		// Overflow leaves the integer kinds for Double
		{BinAdd, FromInt64(math.MaxInt64), FromInt64(1), KindDouble, "9.223372036854776e+18"},
		{BinSub, FromInt64(math.MinInt64), FromInt64(1), KindDouble, "-9.223372036854776e+18"},
		{BinMul, FromInt64(math.MaxInt64), FromInt64(2), KindDouble, "1.8446744073709552e+19"},
		{BinMul, FromInt64(-1), FromInt64(math.MinInt64), KindDouble, "9.223372036854776e+18"},
		{BinDiv, FromInt64(math.MinInt64), FromInt64(-1), KindDouble, "9.223372036854776e+18"},
		{BinAdd, FromUint64(math.MaxUint64), FromUint64(1), KindDouble, "1.8446744073709552e+19"},
		{BinMul, FromUint64(1 << 40), FromUint64(1 << 40), KindDouble, "1.2089258196146292e+24"},
		{BinSub, FromUint64(1), FromUint64(2), KindInt, "-1"},
		{BinSub, FromUint64(0), FromUint64(math.MaxUint64), KindDouble, "-1.8446744073709552e+19"},

		// Unsigned and mixed
		{BinAdd, FromUint64(2), FromUint64(3), KindUint, "5"},
		{BinSub, FromUint64(10), FromInt64(3), KindInt, "7"},
		{BinAdd, FromUint64(math.MaxUint64), FromInt64(1), KindDouble, "1.8446744073709552e+19"},

		// Floating point
		{BinAdd, FromInt64(1), FromFloat64(0.5), KindDouble, "1.5"},
		{BinDiv, FromInt64(1), FromFloat64(0), KindDouble, "Infinity"},
		{BinDiv, FromFloat64(-1), FromFloat64(0), KindDouble, "-Infinity"},
		{BinMod, FromFloat64(7.5), FromInt64(2), KindDouble, "1.5"},

		// Decimal
		{BinAdd, dec("0.1"), dec("0.2"), KindDecimal, "0.3"},
		{BinMul, dec("1.50"), FromInt64(2), KindDecimal, "3.00"},
		{BinSub, FromFloat64(0.5), dec("0.25"), KindDecimal, "0.25"},
		{BinDiv, dec("1"), dec("4"), KindDecimal, "0.25"},
		{BinDiv, dec("10"), dec("4"), KindDecimal, "2.5"},
		{BinDiv, dec("1000"), dec("10"), KindDecimal, "100"},
		{BinDiv, dec("1.50"), FromInt64(3), KindDecimal, "0.5"},
		{BinDiv, dec("1"), dec("3"), KindDecimal, "0." + strings.Repeat("3", 34)},

		// String concatenation
		{BinAdd, FromString("a"), FromString("b"), KindString, "ab"},
		{BinAdd, FromString("n="), FromInt64(1), KindString, "n=1"},
		{BinAdd, FromFloat64(2.5), FromString("!"), KindString, "2.5!"},
		{BinAdd, FromString("x"), Null, KindString, "x"},
		{BinAdd, FromString("p="), FromHost(&point{X: 1, Y: 2}), KindString, "p=(1,2)"},

		// Equality
		{BinEq, FromInt64(1), FromFloat64(1), KindBool, "true"},
		{BinEq, FromInt64(1), dec("1.00"), KindBool, "true"},
		{BinEq, FromUint64(3), FromInt64(3), KindBool, "true"},
		{BinEq, FromString("1"), FromInt64(1), KindBool, "false"},
		{BinEq, Null, Null, KindBool, "true"},
		{BinEq, Null, FromInt64(0), KindBool, "false"},
		{BinNe, FromString("a"), FromString("b"), KindBool, "true"},
		{BinEq, FromFloat64(math.NaN()), FromFloat64(math.NaN()), KindBool, "false"},
		{BinEq, True, FromInt64(1), KindBool, "false"},

		// Relational
		{BinLt, FromInt64(1), FromInt64(2), KindBool, "true"},
		{BinLe, FromInt64(2), FromFloat64(2), KindBool, "true"},
		{BinGt, dec("2.5"), FromInt64(2), KindBool, "true"},
		{BinGe, FromUint64(1), FromInt64(-1), KindBool, "true"},
		{BinLt, FromString("apple"), FromString("banana"), KindBool, "true"},
		{BinGt, FromFloat64(math.NaN()), FromInt64(0), KindBool, "false"},
	}
	for _, tc := range tests {
		got, err := Binary(tc.op, tc.a, tc.b, h)
		if err != nil {
			t.Errorf("%#v %s %#v: unexpected error %v", tc.a, tc.op, tc.b, err)
			continue
		}
		if got.Kind() != tc.kind {
			t.Errorf("%#v %s %#v: kind %s, want %s", tc.a, tc.op, tc.b, got.Kind(), tc.kind)
		}
		if s := Format(got, h); s != tc.want {
			t.Errorf("%#v %s %#v = %q, want %q", tc.a, tc.op, tc.b, s, tc.want)
		}
	}
}

func TestBinaryErrors(t *testing.T) {
	tests := []struct {
		op   BinaryOp
		a, b Value
		code string
	}{
		{BinDiv, FromInt64(1), FromInt64(0), diag.CodeDivisionByZero},
		{BinMod, FromInt64(1), FromInt64(0), diag.CodeDivisionByZero},
		{BinDiv, FromUint64(1), FromUint64(0), diag.CodeDivisionByZero},
		{BinDiv, dec("1"), FromInt64(0), diag.CodeDivisionByZero},
		{BinMod, dec("1"), dec("0.0"), diag.CodeDivisionByZero},
		{BinSub, FromString("a"), FromInt64(1), diag.CodeTypeMismatch},
		{BinMul, True, FromInt64(2), diag.CodeTypeMismatch},
		{BinAdd, Null, FromInt64(1), diag.CodeTypeMismatch},
		{BinAdd, dec("1"), FromFloat64(math.Inf(1)), diag.CodeTypeMismatch},
		{BinLt, FromString("a"), FromInt64(1), diag.CodeTypeMismatch},
		{BinGe, Null, Null, diag.CodeTypeMismatch},
	}
	for _, tc := range tests {
		_, err := Binary(tc.op, tc.a, tc.b, nil)
		var re *RuntimeError
		if !errors.As(err, &re) {
			t.Errorf("%#v %s %#v: err = %v, want RuntimeError", tc.a, tc.op, tc.b, err)
			continue
		}
		if re.Code != tc.code {
			t.Errorf("%#v %s %#v: code %s, want %s", tc.a, tc.op, tc.b, re.Code, tc.code)
		}
	}
}

func TestNegate(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{FromInt64(3), "-3"},
		{FromUint64(3), "-3"},
		{FromUint64(math.MaxUint64), "-1.8446744073709552e+19"},
		{FromUint64(1 << 63), "-9223372036854775808"},
		{FromInt64(math.MinInt64), "9.223372036854776e+18"},
		{FromFloat64(1.5), "-1.5"},
		{dec("2.50"), "-2.50"},
	}
	for _, tc := range tests {
		got, err := Negate(tc.in)
		if err != nil {
			t.Errorf("Negate(%#v): %v", tc.in, err)
			continue
		}
		if s := FormatScalar(got); s != tc.want {
			t.Errorf("Negate(%#v) = %q, want %q", tc.in, s, tc.want)
		}
	}
	if _, err := Negate(FromString("x")); err == nil {
		t.Error("Negate(string) should fail")
	}
}

func TestNot(t *testing.T) {
	if Not(Null) != True || Not(FromString("x")) != False {
		t.Error("Not does not follow truthiness")
	}
}

func TestEqualHost(t *testing.T) {
	p := &point{}
	if !Equal(FromHost(p), FromHost(p)) {
		t.Error("same pointer should be equal")
	}
	if Equal(FromHost(p), FromHost(&point{})) {
		t.Error("distinct pointers should differ")
	}
	if Equal(FromHost([]Value{}), FromHost([]Value{})) {
		t.Error("slices are not comparable and should differ")
	}
}

func TestLoopCount(t *testing.T) {
	tests := []struct {
		start, end, step Value
		want             int64
	}{
		{FromInt64(1), FromInt64(5), FromInt64(1), 5},
		{FromInt64(1), FromInt64(10), FromInt64(3), 4},
		{FromInt64(5), FromInt64(1), FromInt64(1), 0},
		{FromInt64(5), FromInt64(1), FromInt64(-2), 3},
		{FromInt64(math.MinInt64), FromInt64(math.MaxInt64), FromInt64(1), math.MaxInt64},
		{FromFloat64(0), FromFloat64(1), FromFloat64(0.25), 5},
		{FromInt64(0), FromFloat64(0.9), FromFloat64(0.5), 2},
		{dec("0"), dec("1"), dec("0.1"), 11},
		{FromUint64(1), FromUint64(3), FromUint64(1), 3},
	}
	for _, tc := range tests {
		got, err := LoopCount(tc.start, tc.end, tc.step)
		if err != nil {
			t.Errorf("LoopCount(%#v, %#v, %#v): %v", tc.start, tc.end, tc.step, err)
			continue
		}
		if got != tc.want {
			t.Errorf("LoopCount(%#v, %#v, %#v) = %d, want %d", tc.start, tc.end, tc.step, got, tc.want)
		}
	}
}

func TestLoopCountErrors(t *testing.T) {
	tests := []struct {
		start, end, step Value
	}{
		{FromInt64(1), FromInt64(5), FromInt64(0)},
		{FromInt64(1), FromInt64(5), dec("0.00")},
		{FromString("1"), FromInt64(5), FromInt64(1)},
		{FromInt64(1), Null, FromInt64(1)},
		{FromFloat64(0), FromFloat64(math.Inf(1)), FromInt64(1)},
	}
	for _, tc := range tests {
		_, err := LoopCount(tc.start, tc.end, tc.step)
		var re *RuntimeError
		if !errors.As(err, &re) || re.Code != diag.CodeInvalidLoop {
			t.Errorf("LoopCount(%#v, %#v, %#v) err = %v, want invalid-loop", tc.start, tc.end, tc.step, err)
		}
	}
}

func TestLoopValue(t *testing.T) {
	tests := []struct {
		start, step Value
		i           int64
		want        string
	}{
		{FromInt64(1), FromInt64(1), 0, "1"},
		{FromInt64(1), FromInt64(2), 3, "7"},
		{FromInt64(10), FromInt64(-3), 2, "4"},
		{FromInt64(0), FromFloat64(0.5), 3, "1.5"},
		{dec("1.0"), dec("0.1"), 5, "1.5"},
	}
	for _, tc := range tests {
		v, err := LoopValue(tc.start, tc.step, tc.i)
		if err != nil {
			t.Errorf("LoopValue: %v", err)
			continue
		}
		if got := FormatScalar(v); got != tc.want {
			t.Errorf("LoopValue(%#v, %#v, %d) = %q, want %q", tc.start, tc.step, tc.i, got, tc.want)
		}
	}
}

func TestAsDiagnostic(t *testing.T) {
	pos := diag.Position{Line: 2, Column: 3}

	d := AsDiagnostic(&RuntimeError{Code: diag.CodeInvoke, Msg: "nope"}, diag.CodeCompile, pos)
	if d.Code != diag.CodeInvoke || d.Pos != pos || d.Message != "nope" {
		t.Errorf("runtime error: %+v", d)
	}

	d = AsDiagnostic(errors.New("plain"), diag.CodeLoadFailed, pos)
	if d.Code != diag.CodeLoadFailed || d.Severity != diag.SeverityError {
		t.Errorf("plain error: %+v", d)
	}

	inner := diag.Errorf(diag.CodeParse, diag.Position{}, "bad")
	if d = AsDiagnostic(inner, diag.CodeCompile, pos); d.Pos != pos || d.Code != diag.CodeParse {
		t.Errorf("positionless diagnostic: %+v", d)
	}
	inner.Pos = diag.Position{Line: 9, Column: 9}
	if d = AsDiagnostic(inner, diag.CodeCompile, pos); d.Pos != inner.Pos {
		t.Errorf("positioned diagnostic moved to %v", d.Pos)
	}
}
