package hashgen

import "math"

// CollisionProbability returns the birthday-bound probability that at least
// two of n uniformly random tokens of the given length over an alphabet of
// alphabetSize symbols are equal:
//
//	p ≈ 1 - exp(-n(n-1) / (2·alphabetSize^length))
//
// At n = 100,000 with Length characters over Alphabet the result is on the
// order of 1e-12, well below the 0.1% budget.
func CollisionProbability(n, length, alphabetSize int) float64 {
	if n < 2 || length <= 0 || alphabetSize <= 1 {
		return 0
	}
	space := math.Pow(float64(alphabetSize), float64(length))
	pairs := float64(n) * float64(n-1) / 2
	// -expm1(-x) stays accurate when x is tiny.
	return -math.Expm1(-pairs / space)
}

// EntropyBits returns the entropy of a token with the given shape.
func EntropyBits(length, alphabetSize int) float64 {
	if length <= 0 || alphabetSize <= 1 {
		return 0
	}
	return float64(length) * math.Log2(float64(alphabetSize))
}
