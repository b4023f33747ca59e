package cache

import (
	"math"
	"testing"
)

func TestVectorIndexAddFixesDimension(t *testing.T) {
	idx := NewVectorIndex()
	idx.Add([]float32{1, 0, 0})
	if idx.Dim() != 3 {
		t.Fatalf("expected dim 3, got %d", idx.Dim())
	}
	if idx.Size() != 1 {
		t.Fatalf("expected size 1, got %d", idx.Size())
	}
}

func TestVectorIndexSearchRanksByInnerProduct(t *testing.T) {
	idx := NewVectorIndex()
	idx.Add([]float32{1, 0, 0})  // row 0: identical to query
	idx.Add([]float32{0, 1, 0})  // row 1: orthogonal
	idx.Add([]float32{0.7, 0.7, 0}) // row 2: partial overlap, pre-normalized

	results := idx.Search([]float32{1, 0, 0}, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].RowIndex != 0 {
		t.Errorf("expected row 0 to rank first, got %d (score %f)", results[0].RowIndex, results[0].Score)
	}
	if results[len(results)-1].RowIndex != 1 {
		t.Errorf("expected row 1 (orthogonal) to rank last, got %d", results[len(results)-1].RowIndex)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted descending: %v", results)
		}
	}
}

func TestVectorIndexSearchClampsK(t *testing.T) {
	idx := NewVectorIndex()
	idx.Add([]float32{1, 0})
	idx.Add([]float32{0, 1})

	results := idx.Search([]float32{1, 0}, 100)
	if len(results) != 2 {
		t.Errorf("expected k clamped to size 2, got %d", len(results))
	}
}

func TestVectorIndexSearchEmptyIndex(t *testing.T) {
	idx := NewVectorIndex()
	results := idx.Search([]float32{1, 0}, 5)
	if results != nil {
		t.Errorf("expected nil results on empty index, got %v", results)
	}
}

func TestNormalizeVectorUnitLength(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if math.Abs(sumSq-1.0) > 1e-6 {
		t.Errorf("expected unit length, got sum of squares %f", sumSq)
	}
}

func TestNormalizeVectorZeroVector(t *testing.T) {
	v := NormalizeVector([]float32{0, 0, 0})
	for _, x := range v {
		if x != 0 {
			t.Errorf("expected zero vector unchanged, got %v", v)
		}
	}
}
