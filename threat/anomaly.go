package threat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/store"
	log "github.com/sirupsen/logrus"
)

var (
	nsModel  = []byte("model")
	keyModel = []byte("anomaly")
)

// Anomaly models
const (
	ModelIsolationForest = "iforest"
	ModelZScore          = "zscore"
)

// NewScorer creates an untrained scorer of the given kind
func NewScorer(kind string, contamination float64, seed int64) (Scorer, error) {
	switch kind {
	case ModelIsolationForest, "":
		return NewIsolationForest(contamination, seed), nil
	case ModelZScore:
		return NewZScore(0), nil
	}
	return nil, fmt.Errorf("unknown anomaly model %q", kind)
}

// ModelInfo describes the active anomaly model
type ModelInfo struct {
	Kind      string    `json:"kind"`
	Trained   bool      `json:"trained"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	Samples   int       `json:"samples"`
}

type modelDoc struct {
	ModelInfo
	Model json.RawMessage `json:"model"`
}

// Anomaly reports IPs whose behaviour is an outlier compared to the population.
// The model is retrained on the request histories of all IPs with enough requests
type Anomaly struct {
	kind          string
	contamination float64
	minSamples    int
	kv            store.KVStore

	mutex  sync.RWMutex
	scorer Scorer
	info   ModelInfo
}

// NewAnomaly creates an anomaly detector. kv may be nil
func NewAnomaly(kind string, contamination float64, minSamples int, kv store.KVStore) (*Anomaly, error) {
	scorer, err := NewScorer(kind, contamination, 0)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = ModelIsolationForest
	}
	if minSamples < 2 {
		minSamples = 2
	}
	return &Anomaly{
		kind:          kind,
		contamination: contamination,
		minSamples:    minSamples,
		kv:            kv,
		scorer:        scorer,
		info:          ModelInfo{Kind: kind},
	}, nil
}

// Type implements Detector
func (a *Anomaly) Type() data.ThreatType { return data.ThreatUnknown }

// Sync implements Detector
func (a *Anomaly) Sync() bool { return false }

// Check implements Detector
func (a *Anomaly) Check(_ context.Context, r *data.RequestEvent, history []*data.RequestEvent) (*data.ThreatIndicator, error) {
	if len(history) < a.minSamples {
		return nil, nil
	}
	v := ExtractFeatures(history)

	a.mutex.RLock()
	anomalous, score := a.scorer.Score(v)
	a.mutex.RUnlock()

	if !anomalous {
		return nil, nil
	}
	ti := data.NewThreatIndicator(r, data.ThreatUnknown, data.SeverityMedium, score, fmt.Sprintf("behaviour anomaly score %.2f", score))
	for i, name := range FeatureNames {
		ti.Details[name] = v[i]
	}
	return ti, nil
}

// Info returns a description of the active model
func (a *Anomaly) Info() ModelInfo {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.info
}

// Retrain trains a new model on the histories in h, swaps it in and persists it
func (a *Anomaly) Retrain(h *History) error {
	vectors := make([]FeatureVector, 0)
	for _, ip := range h.IPs() {
		if reqs := h.Recent(ip); len(reqs) >= a.minSamples {
			vectors = append(vectors, ExtractFeatures(reqs))
		}
	}
	return a.Train(vectors)
}

// Train trains a new model on vectors, swaps it in and persists it
func (a *Anomaly) Train(vectors []FeatureVector) error {
	scorer, err := NewScorer(a.kind, a.contamination, time.Now().UnixNano())
	if err != nil {
		return err
	}
	if err := scorer.Train(vectors); err != nil {
		return err
	}
	info := ModelInfo{Kind: a.kind, Trained: true, TrainedAt: time.Now(), Samples: len(vectors)}

	a.mutex.Lock()
	a.scorer = scorer
	a.info = info
	a.mutex.Unlock()

	log.Infof("anomaly model %s trained on %d IPs", a.kind, len(vectors))
	return a.save(scorer, info)
}

// Load restores a persisted model. A missing model is not an error
func (a *Anomaly) Load() error {
	if a.kv == nil {
		return nil
	}
	b, err := a.kv.Get(nsModel, keyModel)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load anomaly model: %w", err)
	}

	doc := modelDoc{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode anomaly model: %w", err)
	}
	if doc.Kind != a.kind {
		log.Warnf("ignoring stored %s anomaly model, %s is configured", doc.Kind, a.kind)
		return nil
	}
	scorer, err := NewScorer(a.kind, a.contamination, 0)
	if err != nil {
		return err
	}
	if err := scorer.UnmarshalModel(doc.Model); err != nil {
		return err
	}

	a.mutex.Lock()
	a.scorer = scorer
	a.info = doc.ModelInfo
	a.mutex.Unlock()

	log.Infof("loaded %s anomaly model trained %s on %d IPs", doc.Kind, doc.TrainedAt.Format(time.RFC3339), doc.Samples)
	return nil
}

func (a *Anomaly) save(scorer Scorer, info ModelInfo) error {
	if a.kv == nil {
		return nil
	}
	model, err := scorer.MarshalModel()
	if err != nil {
		return err
	}
	b, err := json.Marshal(modelDoc{ModelInfo: info, Model: model})
	if err != nil {
		return fmt.Errorf("encode anomaly model: %w", err)
	}
	if err := a.kv.Set(nsModel, keyModel, b); err != nil {
		return fmt.Errorf("store anomaly model: %w", err)
	}
	return nil
}
