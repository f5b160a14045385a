package space

import "golang.org/x/exp/constraints"

func ceilDiv[T constraints.Unsigned](n, unit T) T {
	return (n + unit - 1) / unit
}

func alignDown[T constraints.Unsigned](v, unit T) T {
	return v - v%unit
}
