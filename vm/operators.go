package vm

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/chazu/quill/diag"
)

// decimalCtx is the arithmetic context for Decimal values.
var decimalCtx = apd.BaseContext.WithPrecision(34)

// RuntimeError is an evaluation failure carrying a stable diagnostic code.
type RuntimeError struct {
	Code string
	Msg  string
}

func (e *RuntimeError) Error() string { return e.Msg }

func runtimeErrorf(code, format string, args ...any) error {
	return &RuntimeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsDiagnostic converts any error raised during evaluation into an error
// diagnostic at pos. Errors without a code default to fallback.
func AsDiagnostic(err error, fallback string, pos diag.Position) diag.Diagnostic {
	switch e := err.(type) {
	case *RuntimeError:
		return diag.Errorf(e.Code, pos, "%s", e.Msg)
	case diag.Diagnostic:
		if !e.Pos.IsValid() {
			e.Pos = pos
		}
		return e
	}
	return diag.Errorf(fallback, pos, "%s", err.Error())
}

// BinaryOp enumerates the non-logical binary operators.
type BinaryOp uint8

const (
	BinAdd BinaryOp = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinEq
	BinNe
	BinLt
	BinLe
	BinGt
	BinGe
)

var binaryOpSymbols = [...]string{
	BinAdd: "+", BinSub: "-", BinMul: "*", BinDiv: "/", BinMod: "%",
	BinEq: "==", BinNe: "!=", BinLt: "<", BinLe: "<=", BinGt: ">", BinGe: ">=",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryOpSymbols) {
		return binaryOpSymbols[op]
	}
	return fmt.Sprintf("BinaryOp(%d)", op)
}

// Binary applies op to a and b. Both execution strategies route every binary
// operator through here so their results agree.
func Binary(op BinaryOp, a, b Value, h HostAccessor) (Value, error) {
	switch op {
	case BinAdd:
		if a.kind == KindString || b.kind == KindString {
			return FromString(Format(a, h) + Format(b, h)), nil
		}
		return arith(op, a, b)
	case BinSub, BinMul, BinDiv, BinMod:
		return arith(op, a, b)
	case BinEq:
		return FromBool(Equal(a, b)), nil
	case BinNe:
		return FromBool(!Equal(a, b)), nil
	case BinLt, BinLe, BinGt, BinGe:
		return relational(op, a, b)
	}
	return Null, runtimeErrorf(diag.CodeTypeMismatch, "unknown operator %s", op)
}

// Negate implements unary minus.
func Negate(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		if v.Int64() == math.MinInt64 {
			return FromFloat64(-float64(v.Int64())), nil
		}
		return FromInt64(-v.Int64()), nil
	case KindUint:
		if v.bits <= 1<<63 {
			return FromInt64(int64(-v.bits)), nil
		}
		return FromFloat64(-float64(v.bits)), nil
	case KindDouble:
		return FromFloat64(-v.Float64()), nil
	case KindDecimal:
		d := new(apd.Decimal)
		d.Neg(v.Decimal())
		return FromDecimal(d), nil
	}
	return Null, runtimeErrorf(diag.CodeTypeMismatch, "cannot negate %s", v.TypeName())
}

// Not implements logical negation.
func Not(v Value) Value { return FromBool(!v.Truthy()) }

// ---------------------------------------------------------------------------
// Numeric promotion
// ---------------------------------------------------------------------------

// promote picks the common numeric kind for a and b.
func promote(a, b Value) (Kind, bool) {
	if !a.IsNumber() || !b.IsNumber() {
		return KindNull, false
	}
	switch {
	case a.kind == KindDecimal || b.kind == KindDecimal:
		return KindDecimal, true
	case a.kind == KindDouble || b.kind == KindDouble:
		return KindDouble, true
	case a.kind == b.kind:
		return a.kind, true
	}
	// Mixed signed/unsigned.
	u := a
	if b.kind == KindUint {
		u = b
	}
	if u.bits <= math.MaxInt64 {
		return KindInt, true
	}
	return KindDouble, true
}

func toInt64(v Value) int64 {
	switch v.kind {
	case KindInt, KindUint:
		return int64(v.bits)
	case KindDouble:
		return int64(v.Float64())
	case KindDecimal:
		n, _ := v.Decimal().Int64()
		return n
	}
	return 0
}

func toFloat64(v Value) float64 {
	switch v.kind {
	case KindInt:
		return float64(v.Int64())
	case KindUint:
		return float64(v.bits)
	case KindDouble:
		return v.Float64()
	case KindDecimal:
		f, _ := v.Decimal().Float64()
		return f
	}
	return 0
}

func toDecimal(v Value) (*apd.Decimal, error) {
	switch v.kind {
	case KindInt:
		return apd.New(v.Int64(), 0), nil
	case KindUint:
		d, _, err := apd.NewFromString(FormatScalar(v))
		return d, err
	case KindDouble:
		f := v.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, runtimeErrorf(diag.CodeTypeMismatch, "cannot convert %s to decimal", formatDouble(f))
		}
		return new(apd.Decimal).SetFloat64(f)
	case KindDecimal:
		return v.Decimal(), nil
	}
	return nil, runtimeErrorf(diag.CodeTypeMismatch, "cannot convert %s to decimal", v.TypeName())
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func arith(op BinaryOp, a, b Value) (Value, error) {
	k, ok := promote(a, b)
	if !ok {
		return Null, runtimeErrorf(diag.CodeTypeMismatch, "operator %s not defined for %s and %s", op, a.TypeName(), b.TypeName())
	}
	switch k {
	case KindInt:
		x, y := toInt64(a), toInt64(b)
		switch op {
		case BinAdd:
			r := x + y
			if (x^r)&(y^r) < 0 {
				return FromFloat64(float64(x) + float64(y)), nil
			}
			return FromInt64(r), nil
		case BinSub:
			r := x - y
			if (x^y)&(x^r) < 0 {
				return FromFloat64(float64(x) - float64(y)), nil
			}
			return FromInt64(r), nil
		case BinMul:
			r := x * y
			if x != 0 && (r/x != y || (x == -1 && y == math.MinInt64)) {
				return FromFloat64(float64(x) * float64(y)), nil
			}
			return FromInt64(r), nil
		case BinDiv:
			if y == 0 {
				return Null, runtimeErrorf(diag.CodeDivisionByZero, "integer division by zero")
			}
			if x == math.MinInt64 && y == -1 {
				return FromFloat64(-float64(x)), nil
			}
			return FromInt64(x / y), nil
		case BinMod:
			if y == 0 {
				return Null, runtimeErrorf(diag.CodeDivisionByZero, "integer division by zero")
			}
			return FromInt64(x % y), nil
		}
	case KindUint:
		x, y := a.bits, b.bits
		switch op {
		case BinAdd:
			r, carry := bits.Add64(x, y, 0)
			if carry != 0 {
				return FromFloat64(float64(x) + float64(y)), nil
			}
			return FromUint64(r), nil
		case BinSub:
			if x >= y {
				return FromUint64(x - y), nil
			}
			// A negative difference leaves the unsigned range.
			if y-x <= 1<<63 {
				return FromInt64(int64(x - y)), nil
			}
			return FromFloat64(float64(x) - float64(y)), nil
		case BinMul:
			hi, lo := bits.Mul64(x, y)
			if hi != 0 {
				return FromFloat64(float64(x) * float64(y)), nil
			}
			return FromUint64(lo), nil
		case BinDiv:
			if y == 0 {
				return Null, runtimeErrorf(diag.CodeDivisionByZero, "integer division by zero")
			}
			return FromUint64(x / y), nil
		case BinMod:
			if y == 0 {
				return Null, runtimeErrorf(diag.CodeDivisionByZero, "integer division by zero")
			}
			return FromUint64(x % y), nil
		}
	case KindDouble:
		x, y := toFloat64(a), toFloat64(b)
		switch op {
		case BinAdd:
			return FromFloat64(x + y), nil
		case BinSub:
			return FromFloat64(x - y), nil
		case BinMul:
			return FromFloat64(x * y), nil
		case BinDiv:
			return FromFloat64(x / y), nil
		case BinMod:
			return FromFloat64(math.Mod(x, y)), nil
		}
	case KindDecimal:
		return decimalArith(op, a, b)
	}
	return Null, runtimeErrorf(diag.CodeTypeMismatch, "operator %s not defined for %s and %s", op, a.TypeName(), b.TypeName())
}

func decimalArith(op BinaryOp, a, b Value) (Value, error) {
	x, err := toDecimal(a)
	if err != nil {
		return Null, err
	}
	y, err := toDecimal(b)
	if err != nil {
		return Null, err
	}
	if (op == BinDiv || op == BinMod) && y.IsZero() {
		return Null, runtimeErrorf(diag.CodeDivisionByZero, "decimal division by zero")
	}
	d := new(apd.Decimal)
	switch op {
	case BinAdd:
		_, err = decimalCtx.Add(d, x, y)
	case BinSub:
		_, err = decimalCtx.Sub(d, x, y)
	case BinMul:
		_, err = decimalCtx.Mul(d, x, y)
	case BinDiv:
		// Quo pads to the context precision; quotients drop trailing zeros.
		if _, err = decimalCtx.Quo(d, x, y); err == nil {
			d.Reduce(d)
		}
	case BinMod:
		_, err = decimalCtx.Rem(d, x, y)
	}
	if err != nil {
		return Null, runtimeErrorf(diag.CodeTypeMismatch, "decimal %s: %v", op, err)
	}
	return FromDecimal(d), nil
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Equal implements == . Null equals only Null; values of incomparable kinds
// are unequal.
func Equal(a, b Value) bool {
	if a.kind == KindNull || b.kind == KindNull {
		return a.kind == b.kind
	}
	if a.IsNumber() && b.IsNumber() {
		c, ok := compareNumbers(a, b)
		return ok && c == 0
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindBool:
		return a.bits == b.bits
	case KindString:
		return a.str == b.str
	case KindHost:
		return hostEqual(a.ref, b.ref)
	}
	return false
}

func hostEqual(x, y any) bool {
	if x == nil || y == nil {
		return x == y
	}
	tx := typeOf(x)
	if tx != typeOf(y) || !tx.Comparable() {
		return false
	}
	return x == y
}

// compareNumbers returns -1, 0 or 1. ok is false when either side is NaN.
func compareNumbers(a, b Value) (int, bool) {
	k, _ := promote(a, b)
	switch k {
	case KindInt:
		return cmpOrdered(toInt64(a), toInt64(b)), true
	case KindUint:
		return cmpOrdered(a.bits, b.bits), true
	case KindDouble:
		x, y := toFloat64(a), toFloat64(b)
		if math.IsNaN(x) || math.IsNaN(y) {
			return 0, false
		}
		return cmpOrdered(x, y), true
	case KindDecimal:
		x, err := toDecimal(a)
		if err != nil {
			return 0, false
		}
		y, err := toDecimal(b)
		if err != nil {
			return 0, false
		}
		return x.Cmp(y), true
	}
	return 0, false
}

func cmpOrdered[T int64 | uint64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func relational(op BinaryOp, a, b Value) (Value, error) {
	var c int
	switch {
	case a.IsNumber() && b.IsNumber():
		var ok bool
		c, ok = compareNumbers(a, b)
		if !ok {
			return False, nil
		}
	case a.kind == KindString && b.kind == KindString:
		c = strings.Compare(a.str, b.str)
	default:
		return Null, runtimeErrorf(diag.CodeTypeMismatch, "operator %s not defined for %s and %s", op, a.TypeName(), b.TypeName())
	}
	switch op {
	case BinLt:
		return FromBool(c < 0), nil
	case BinLe:
		return FromBool(c <= 0), nil
	case BinGt:
		return FromBool(c > 0), nil
	}
	return FromBool(c >= 0), nil
}

// ---------------------------------------------------------------------------
// Range loops
// ---------------------------------------------------------------------------

// LoopCount returns the number of iterations of an inclusive range loop:
// floor((end-start)/step)+1, clamped to zero.
func LoopCount(start, end, step Value) (int64, error) {
	for _, v := range [...]Value{start, end, step} {
		if !v.IsNumber() {
			return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop bound must be numeric, got %s", v.TypeName())
		}
	}
	if !step.Truthy() {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop step must not be zero")
	}
	k, _ := promote(start, end)
	k, _ = promote(Value{kind: k}, step)
	switch k {
	case KindInt, KindUint:
		if start.kind == KindUint && start.bits > math.MaxInt64 ||
			end.kind == KindUint && end.bits > math.MaxInt64 ||
			step.kind == KindUint && step.bits > math.MaxInt64 {
			return loopCountFloat(start, end, step)
		}
		return loopCountInt(toInt64(start), toInt64(end), toInt64(step)), nil
	case KindDouble:
		return loopCountFloat(start, end, step)
	}
	return loopCountDecimal(start, end, step)
}

func loopCountInt(s, e, st int64) int64 {
	if (st > 0 && e < s) || (st < 0 && e > s) {
		return 0
	}
	var diff, abs uint64
	if st > 0 {
		diff = uint64(e) - uint64(s)
		abs = uint64(st)
	} else {
		diff = uint64(s) - uint64(e)
		abs = uint64(-st)
	}
	q := diff / abs
	if q >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q) + 1
}

func loopCountFloat(start, end, step Value) (int64, error) {
	n := math.Floor((toFloat64(end)-toFloat64(start))/toFloat64(step)) + 1
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop range is not finite")
	}
	if n < 0 {
		return 0, nil
	}
	if n > math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(n), nil
}

func loopCountDecimal(start, end, step Value) (int64, error) {
	s, err := toDecimal(start)
	if err != nil {
		return 0, err
	}
	e, err := toDecimal(end)
	if err != nil {
		return 0, err
	}
	st, err := toDecimal(step)
	if err != nil {
		return 0, err
	}
	d := new(apd.Decimal)
	if _, err := decimalCtx.Sub(d, e, s); err != nil {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop range: %v", err)
	}
	if _, err := decimalCtx.Quo(d, d, st); err != nil {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop range: %v", err)
	}
	if _, err := decimalCtx.Floor(d, d); err != nil {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop range: %v", err)
	}
	n, err := d.Int64()
	if err != nil {
		return 0, runtimeErrorf(diag.CodeInvalidLoop, "loop range too large")
	}
	if n < 0 {
		return 0, nil
	}
	return n + 1, nil
}

// LoopValue returns the loop variable for iteration i: start + i*step.
func LoopValue(start, step Value, i int64) (Value, error) {
	off, err := Binary(BinMul, FromInt64(i), step, nil)
	if err != nil {
		return Null, err
	}
	return Binary(BinAdd, start, off, nil)
}
