package encode

import (
	"encoding/binary"
	"math"
)

// Serialize converts a float32 slice to bytes (little-endian).
func Serialize(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Deserialize converts bytes back to a float32 slice.
func Deserialize(blob []byte) []float32 {
	if len(blob) == 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// Norm computes the L2 norm of a vector.
func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize scales vec in place to unit L2 norm and returns it.
// A zero vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	n := Norm(vec)
	if n == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / n)
	}
	return vec
}

// CosineDistance computes 1 - cos(a, b). Mismatched lengths and zero vectors
// yield the maximum distance so they never pass a similarity threshold.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
