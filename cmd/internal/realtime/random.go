package realtime

import "math/rand/v2"

// RandomSource yields floats in [0, 1). Tests pin it to make peer selection deterministic.
type RandomSource interface {
	Float64() float64
}

// RandomFunc adapts a function to RandomSource.
type RandomFunc func() float64

// Float64 calls f.
func (f RandomFunc) Float64() float64 { return f() }

type defaultRandom struct{}

func (defaultRandom) Float64() float64 { return rand.Float64() }

// DefaultRandom is the process-wide non-cryptographic source.
var DefaultRandom RandomSource = defaultRandom{}

// PickIndex returns floor(r*n) clamped into [0, n-1], or -1 when n is 0.
func PickIndex(r RandomSource, n int) int {
	if n <= 0 {
		return -1
	}
	i := int(r.Float64() * float64(n))
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
