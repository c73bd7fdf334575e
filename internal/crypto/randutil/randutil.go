package randutil

import (
	"crypto/rand"
	"encoding/binary"
)

const (
	float64EqualityThreshold = 1e-9
	// 53 bits of randomness fill the mantissa of a float64.
	float64Denominator = 1 << 53
)

// Float64 returns a cryptographically secure random number in [0.0, 1.0).
func Float64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / float64Denominator
}

// Sample reports whether an item kept with probability rate survives.
func Sample(rate float64) bool {
	if rate >= 1-float64EqualityThreshold {
		return true
	}
	if rate <= 0 {
		return false
	}
	return Float64() < rate
}
