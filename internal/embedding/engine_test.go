package embedding

import (
	"math"
	"testing"
)

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.14159, 0, 1e-8}
	blob := EncodeVector(vec)
	if len(blob) != 4*len(vec) {
		t.Fatalf("Expected blob length %d, got %d", 4*len(vec), len(blob))
	}

	decoded, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("DecodeVector failed: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("Expected %d elements, got %d", len(vec), len(decoded))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("Element %d: expected %v, got %v", i, vec[i], decoded[i])
		}
	}
}

func TestDecodeVectorEmpty(t *testing.T) {
	decoded, err := DecodeVector(nil)
	if err != nil {
		t.Fatalf("DecodeVector(nil) failed: %v", err)
	}
	if decoded != nil {
		t.Errorf("Expected nil for empty blob, got %v", decoded)
	}
}

func TestDecodeVectorBadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for blob length not divisible by 4")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("Expected similarity 1.0 for identical vectors, got %v", sim)
	}

	c := []float32{0, 1, 0}
	sim, _ = CosineSimilarity(a, c)
	if math.Abs(sim) > 1e-6 {
		t.Errorf("Expected similarity 0 for orthogonal vectors, got %v", sim)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("Expected error for dimension mismatch")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if sim != 0 {
		t.Errorf("Expected 0 for zero-magnitude vector, got %v", sim)
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{0.7, 0.7},   // diagonal
	}

	results, err := FindTopK(query, corpus, 2)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("Expected index 1 first (identical vector), got %d", results[0].Index)
	}
	if results[1].Index != 2 {
		t.Errorf("Expected index 2 second (diagonal), got %d", results[1].Index)
	}
}

func TestMeanVector(t *testing.T) {
	mean := MeanVector([][]float32{
		{1, 2},
		{3, 4},
	})
	if len(mean) != 2 {
		t.Fatalf("Expected dimension 2, got %d", len(mean))
	}
	if mean[0] != 2 || mean[1] != 3 {
		t.Errorf("Expected [2 3], got %v", mean)
	}

	if MeanVector(nil) != nil {
		t.Error("Expected nil mean for empty input")
	}
}
