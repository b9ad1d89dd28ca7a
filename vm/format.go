package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Format renders v as output text. Scalars use the invariant forms of
// FormatScalar; host values go through the accessor, or fmt when there is none.
func Format(v Value, h HostAccessor) string {
	if v.kind == KindHost {
		if h != nil {
			return h.Format(v.ref)
		}
		return fmt.Sprint(v.ref)
	}
	return FormatScalar(v)
}

// FormatScalar renders a non-host value. The result never depends on locale.
func FormatScalar(v Value) string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.bits != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.Int64(), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	case KindDouble:
		return formatDouble(v.Float64())
	case KindDecimal:
		return v.Decimal().Text('f')
	case KindString:
		return v.str
	case KindHost:
		return fmt.Sprint(v.ref)
	}
	return ""
}

func formatDouble(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
