package interp

import "math"

// narrowToInt32/narrowToInt64 implement the JVM's float/double -> integer
// narrowing conversion rules (spec §4.6 f2i/f2l/d2i/d2l): NaN becomes 0;
// a value outside the target range saturates to that range's bound,
// rather than the undefined behavior of Go's own float-to-int conversion.
func narrowToInt32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

func narrowToInt64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	if v <= float64(math.MinInt64) {
		return math.MinInt64
	}
	return int64(v)
}

// cmpLong implements lcmp's three-way comparison.
func cmpLong(a, b int64) int32 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// cmpFloat/cmpDouble implement the fcmp/dcmp NaN handling: with nanLess
// false (the *g family) a NaN operand compares greater (+1), so it
// branches the way a failed less-than-or-equal comparison should; with
// nanLess true (the *l family) a NaN operand compares less (-1).
func cmpFloat(a, b float32, nanLess bool) int32 {
	if a != a || b != b { // either is NaN
		if nanLess {
			return -1
		}
		return 1
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func cmpDouble(a, b float64, nanLess bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanLess {
			return -1
		}
		return 1
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
