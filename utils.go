package csvscope

import (
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Float | constraints.Integer
}

func Filter[T any](slice []T, predicate func(T) bool) []T {
	filtered := make([]T, 0, len(slice))
	for _, elem := range slice {
		if predicate(elem) {
			filtered = append(filtered, elem)
		}
	}
	return filtered
}

func Min[T Number](a T, b T) T {
	if a > b {
		return b
	}

	return a
}

func Max[T Number](a T, b T) T {
	if a < b {
		return b
	}

	return a
}

// Extent returns the smallest and largest value across all the given slices.
// Empty input yields (0, 0).
func Extent[T Number](values ...[]T) (T, T) {
	var lo, hi T
	first := true
	for _, vs := range values {
		for _, v := range vs {
			if first {
				lo, hi = v, v
				first = false
				continue
			}
			lo = Min(lo, v)
			hi = Max(hi, v)
		}
	}

	return lo, hi
}
