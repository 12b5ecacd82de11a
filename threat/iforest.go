package threat

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	json "github.com/goccy/go-json"
)

// ErrNotEnoughSamples is returned when a model is trained on too few vectors
var ErrNotEnoughSamples = errors.New("not enough samples")

// Scorer decides whether a feature vector is an outlier
type Scorer interface {
	// Score returns whether v is anomalous and its anomaly score in [0,1].
	// An untrained scorer never reports an anomaly
	Score(v FeatureVector) (bool, float64)
	Train(vectors []FeatureVector) error
	MarshalModel() ([]byte, error)
	UnmarshalModel(b []byte) error
}

const eulerGamma = 0.5772156649

// IsolationForest isolates outliers with random axis-parallel splits: anomalies
// end up in short paths. The decision threshold is the score quantile of the
// training set given by Contamination
type IsolationForest struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64

	model *forestModel
}

type forestModel struct {
	Dims       int      `json:"dims"`
	SampleSize int      `json:"sample_size"`
	Threshold  float64  `json:"threshold"`
	Trees      [][]node `json:"trees"`
}

type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s,omitempty"`
	Left    int     `json:"l,omitempty"`
	Right   int     `json:"r,omitempty"`
	Size    int     `json:"n,omitempty"`
}

// NewIsolationForest creates an untrained forest with 100 trees of up to 256 samples
func NewIsolationForest(contamination float64, seed int64) *IsolationForest {
	return &IsolationForest{
		Trees:         100,
		SampleSize:    256,
		Contamination: contamination,
		Seed:          seed,
	}
}

// Train builds the forest from vectors
func (f *IsolationForest) Train(vectors []FeatureVector) error {
	if len(vectors) < 2 {
		return fmt.Errorf("isolation forest: %d vectors: %w", len(vectors), ErrNotEnoughSamples)
	}
	dims := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("isolation forest: vectors of %d and %d dimensions", dims, len(v))
		}
	}

	sampleSize := f.SampleSize
	if sampleSize <= 0 || sampleSize > len(vectors) {
		sampleSize = len(vectors)
	}
	trees := f.Trees
	if trees <= 0 {
		trees = 100
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	rng := rand.New(rand.NewSource(f.Seed))

	m := &forestModel{
		Dims:       dims,
		SampleSize: sampleSize,
		Trees:      make([][]node, trees),
	}
	for t := range m.Trees {
		perm := rng.Perm(len(vectors))[:sampleSize]
		sample := make([]FeatureVector, sampleSize)
		for i, p := range perm {
			sample[i] = vectors[p]
		}
		tree := make([]node, 0, 2*sampleSize)
		build(&tree, sample, 0, maxDepth, rng)
		m.Trees[t] = tree
	}

	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = m.score(v)
	}
	sort.Float64s(scores)
	q := int(float64(len(scores)) * (1 - f.Contamination))
	if q >= len(scores) {
		q = len(scores) - 1
	}
	if q < 0 {
		q = 0
	}
	m.Threshold = scores[q]

	f.model = m
	return nil
}

// Score implements Scorer
func (f *IsolationForest) Score(v FeatureVector) (bool, float64) {
	m := f.model
	if m == nil || len(v) != m.Dims {
		return false, 0
	}
	s := m.score(v)
	return s > m.Threshold && s > 0.5, s
}

// MarshalModel implements Scorer
func (f *IsolationForest) MarshalModel() ([]byte, error) {
	if f.model == nil {
		return nil, errors.New("isolation forest: not trained")
	}
	return json.Marshal(f.model)
}

// UnmarshalModel implements Scorer
func (f *IsolationForest) UnmarshalModel(b []byte) error {
	m := &forestModel{}
	if err := json.Unmarshal(b, m); err != nil {
		return fmt.Errorf("isolation forest: %w", err)
	}
	if len(m.Trees) == 0 || m.Dims == 0 {
		return errors.New("isolation forest: empty model")
	}
	f.model = m
	return nil
}

func (m *forestModel) score(v FeatureVector) float64 {
	total := 0.0
	for _, tree := range m.Trees {
		total += pathLength(tree, v)
	}
	mean := total / float64(len(m.Trees))
	c := averagePath(m.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// build appends the subtree for sample to tree and returns the index of its root
func build(tree *[]node, sample []FeatureVector, depth, maxDepth int, rng *rand.Rand) int {
	idx := len(*tree)
	*tree = append(*tree, node{Feature: -1, Size: len(sample)})
	if depth >= maxDepth || len(sample) <= 1 {
		return idx
	}

	dims := len(sample[0])
	candidates := make([]int, 0, dims)
	lows := make([]float64, dims)
	highs := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo, hi := sample[0][d], sample[0][d]
		for _, v := range sample[1:] {
			lo = math.Min(lo, v[d])
			hi = math.Max(hi, v[d])
		}
		if hi > lo {
			candidates = append(candidates, d)
			lows[d], highs[d] = lo, hi
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lows[feature] + rng.Float64()*(highs[feature]-lows[feature])

	var left, right []FeatureVector
	for _, v := range sample {
		if v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	l := build(tree, left, depth+1, maxDepth, rng)
	r := build(tree, right, depth+1, maxDepth, rng)
	(*tree)[idx] = node{Feature: feature, Split: split, Left: l, Right: r}
	return idx
}

func pathLength(tree []node, v FeatureVector) float64 {
	idx, depth := 0, 0
	for {
		n := tree[idx]
		if n.Feature < 0 {
			return float64(depth) + averagePath(n.Size)
		}
		if v[n.Feature] < n.Split {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// averagePath is the average path length of an unsuccessful search in a binary search tree of n nodes
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
