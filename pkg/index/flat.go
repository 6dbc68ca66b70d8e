// Package index provides the dense vector side of livingmemory: a flat,
// exact-search index keyed by document row ids, with atomic disk snapshots.
package index

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Metric selects how two vectors are scored.
type Metric int

const (
	// Cosine normalizes vectors on insert and scores by dot product.
	Cosine Metric = iota
	// InnerProduct scores by raw dot product without normalization.
	InnerProduct
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// dimension the index was fixed to.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorruptSnapshot is returned when a snapshot file cannot be decoded.
	// The in-memory state is left untouched; callers recover by rebuilding.
	ErrCorruptSnapshot = errors.New("corrupt index snapshot")
)

// Hit is a single search result. Score is similarity, higher is better.
type Hit struct {
	ID    int64
	Score float64
}

// Flat is a brute-force exact-search index over vectors keyed by external
// int64 ids. With the Cosine metric vectors are normalized once on insert,
// so every comparison is a single dot product. All methods are safe for
// concurrent use.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	metric  Metric
	vectors map[int64][]float64
}

// NewFlat creates an empty index. dim may be zero, in which case the
// dimension is fixed by the first Add or Load.
func NewFlat(dim int, metric Metric) *Flat {
	return &Flat{
		dim:     dim,
		metric:  metric,
		vectors: make(map[int64][]float64),
	}
}

// Add inserts the vector under id, replacing any previous vector stored
// under the same id.
func (f *Flat) Add(id int64, vector []float32) error {
	if len(vector) == 0 {
		return ErrDimensionMismatch
	}

	v := toFloat64(vector)
	if f.metric == Cosine {
		normalize(v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dim == 0 {
		f.dim = len(v)
	}
	if len(v) != f.dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, f.dim, len(v))
	}
	f.vectors[id] = v
	return nil
}

// Remove drops the given ids from the index. Missing ids are ignored.
func (f *Flat) Remove(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.vectors, id)
	}
}

// Search returns the k most similar entries, descending by score with
// ascending id as the tiebreak.
func (f *Flat) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return []Hit{}, nil
	}

	q := toFloat64(query)
	if f.metric == Cosine {
		normalize(q)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.vectors) == 0 {
		return []Hit{}, nil
	}
	if len(q) != f.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, f.dim, len(q))
	}

	// Min-heap on score keeps the weakest of the current top-k at the root.
	h := &hitHeap{}
	heap.Init(h)
	for id, vector := range f.vectors {
		score := floats.Dot(q, vector)
		if h.Len() < k {
			heap.Push(h, Hit{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			heap.Pop(h)
			heap.Push(h, Hit{ID: id, Score: score})
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	// Heap order is arbitrary among equal scores; settle ties on id.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

// Contains reports whether a vector is stored under id.
func (f *Flat) Contains(id int64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.vectors[id]
	return ok
}

// Size returns the number of stored vectors.
func (f *Flat) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dim returns the fixed dimension, or zero while the index is still empty.
func (f *Flat) Dim() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

// Clear removes all vectors. The dimension stays fixed.
func (f *Flat) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = make(map[int64][]float64)
}

// toFloat64 widens an embedding for scoring.
func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float64) {
	n := floats.Norm(v, 2)
	if n == 0 {
		return
	}
	floats.Scale(1/n, v)
}

// hitHeap implements heap.Interface as a min-heap on score.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x interface{}) {
	*h = append(*h, x.(Hit))
}

func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
