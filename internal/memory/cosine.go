package memory

import "math"

// Cosine computes cosine similarity over the shared prefix of a and b.
// A zero norm on either side yields 0.
func Cosine(a, b []float32) float32 {
	n := min(len(a), len(b))
	var dot, aa, bb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(aa) * math.Sqrt(bb)))
}
