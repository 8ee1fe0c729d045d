package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OrDefault returns def when v is the zero value, else Clamp(v, lo, hi).
// Config loaders use it so an omitted key takes the default and an
// out-of-range key is pulled back into range.
func OrDefault[T constraints.Integer | constraints.Float](v, def, lo, hi T) T {
	if v == 0 {
		return def
	}
	return Clamp(v, lo, hi)
}
