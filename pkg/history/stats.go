package history

import "golang.org/x/exp/constraints"

// Number is any value a numeric history can aggregate.
type Number interface {
	constraints.Integer | constraints.Float
}

// Sum adds up the values currently held.
func Sum[N Number](h *Bounded[N]) N {
	var total N
	for _, v := range h.Values() {
		total += v
	}
	return total
}

// Average returns the mean of the values held, or zero when empty.
func Average[N Number](h *Bounded[N]) float64 {
	values := h.Values()
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += float64(v)
	}
	return total / float64(len(values))
}

// AllZero reports whether every value held is zero. An empty history is all zero.
func AllZero[N Number](h *Bounded[N]) bool {
	for _, v := range h.Values() {
		if v != 0 {
			return false
		}
	}
	return true
}
