package threat

import (
	"errors"
	"fmt"
	"math"

	json "github.com/goccy/go-json"
)

// ZScore flags vectors with a dimension more than Threshold standard deviations
// away from the training mean
type ZScore struct {
	Threshold float64

	model *zscoreModel
}

type zscoreModel struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// NewZScore creates an untrained z-score model. A threshold <= 0 defaults to 3
func NewZScore(threshold float64) *ZScore {
	if threshold <= 0 {
		threshold = 3
	}
	return &ZScore{Threshold: threshold}
}

// Train implements Scorer
func (z *ZScore) Train(vectors []FeatureVector) error {
	if len(vectors) < 2 {
		return fmt.Errorf("z-score: %d vectors: %w", len(vectors), ErrNotEnoughSamples)
	}
	dims := len(vectors[0])
	m := &zscoreModel{Mean: make([]float64, dims), Std: make([]float64, dims)}
	for _, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("z-score: vectors of %d and %d dimensions", dims, len(v))
		}
		for d, x := range v {
			m.Mean[d] += x
		}
	}
	n := float64(len(vectors))
	for d := range m.Mean {
		m.Mean[d] /= n
	}
	for _, v := range vectors {
		for d, x := range v {
			m.Std[d] += (x - m.Mean[d]) * (x - m.Mean[d])
		}
	}
	for d := range m.Std {
		m.Std[d] = math.Sqrt(m.Std[d] / n)
	}
	z.model = m
	return nil
}

// Score implements Scorer. The score maps a z value equal to the threshold to 0.5
func (z *ZScore) Score(v FeatureVector) (bool, float64) {
	m := z.model
	if m == nil || len(v) != len(m.Mean) {
		return false, 0
	}
	max := 0.0
	for d, x := range v {
		// constant in training, no scale to compare against
		if m.Std[d] == 0 {
			continue
		}
		max = math.Max(max, math.Abs(x-m.Mean[d])/m.Std[d])
	}
	return max > z.Threshold, max / (max + z.Threshold)
}

// MarshalModel implements Scorer
func (z *ZScore) MarshalModel() ([]byte, error) {
	if z.model == nil {
		return nil, errors.New("z-score: not trained")
	}
	return json.Marshal(z.model)
}

// UnmarshalModel implements Scorer
func (z *ZScore) UnmarshalModel(b []byte) error {
	m := &zscoreModel{}
	if err := json.Unmarshal(b, m); err != nil {
		return fmt.Errorf("z-score: %w", err)
	}
	if len(m.Mean) == 0 || len(m.Mean) != len(m.Std) {
		return errors.New("z-score: invalid model")
	}
	z.model = m
	return nil
}
