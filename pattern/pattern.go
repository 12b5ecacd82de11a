// Package pattern scores the request behaviour of single client addresses with
// a set of additive heuristics.
package pattern

import (
	"math"
	"sync"
	"time"

	"github.com/scraperwall/warden/data"
)

// Config bounds the per-IP state
type Config struct {
	MaxSamples   int
	MaxEndpoints int
	MaxAgents    int
	Now          func() time.Time
}

// Heuristic weights and thresholds
const (
	scanningScore   = 30
	hammeringScore  = 20
	multiAgentScore = 25
	regularScore    = 35
	fastScore       = 40
	errorScore      = 30

	minRequests     = 10
	scanDiversity   = 0.8
	hammerShare     = 0.9
	maxAgents       = 5
	regularStdDev   = 0.1
	regularMean     = 1.0
	fastMean        = 0.05
	maxErrorRatio   = 0.5
	defaultSamples  = 100
	defaultEndpoint = 1000
	defaultAgents   = 50
)

// Result is the anomaly score of one IP
type Result struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Features are the raw per-IP aggregates
type Features struct {
	Requests      int       `json:"requests"`
	Sampled       int       `json:"sampled"`
	Endpoints     int       `json:"endpoints"`
	TopEndpoint   int       `json:"top_endpoint"`
	Agents        int       `json:"agents"`
	Intervals     []float64 `json:"-"`
	IntervalMean  float64   `json:"interval_mean"`
	IntervalStd   float64   `json:"interval_std"`
	SizeMean      float64   `json:"size_mean"`
	SizeStd       float64   `json:"size_std"`
	Responses     int       `json:"responses"`
	Errors        int       `json:"errors"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	EndpointShare float64   `json:"endpoint_share"`
}

type state struct {
	mutex     sync.Mutex
	requests  int
	sampled   int
	endpoints map[string]int
	agents    map[string]int
	times     []time.Time
	sizes     []int64
	success   int
	errors    int
	firstSeen time.Time
	lastSeen  time.Time
	dead      bool
}

// Analyzer keeps a bounded behaviour profile per IP
type Analyzer struct {
	config Config
	states sync.Map
}

// New creates an analyzer
func New(config Config) *Analyzer {
	if config.MaxSamples <= 1 {
		config.MaxSamples = defaultSamples
	}
	if config.MaxEndpoints <= 0 {
		config.MaxEndpoints = defaultEndpoint
	}
	if config.MaxAgents <= 0 {
		config.MaxAgents = defaultAgents
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Analyzer{config: config}
}

// Record adds a request of ip to its profile
func (a *Analyzer) Record(ip string, r *data.RequestEvent) {
	for {
		s := a.state(ip)
		s.mutex.Lock()
		if s.dead {
			s.mutex.Unlock()
			continue
		}

		s.requests++
		// requests to paths beyond the endpoint cap are left out of the ratios
		if _, ok := s.endpoints[r.Path]; ok || len(s.endpoints) < a.config.MaxEndpoints {
			s.endpoints[r.Path]++
			s.sampled++
		}
		if _, ok := s.agents[r.UserAgent]; ok || len(s.agents) < a.config.MaxAgents {
			s.agents[r.UserAgent]++
		}
		s.times = appendBounded(s.times, r.Time, a.config.MaxSamples)
		s.sizes = appendBounded(s.sizes, r.BodySize, a.config.MaxSamples)
		if s.firstSeen.IsZero() {
			s.firstSeen = r.Time
		}
		s.lastSeen = r.Time

		s.mutex.Unlock()
		return
	}
}

// RecordStatus adds the response status of a request of ip
func (a *Analyzer) RecordStatus(ip string, status int) {
	v, ok := a.states.Load(ip)
	if !ok || status <= 0 {
		return
	}
	s := v.(*state)
	s.mutex.Lock()
	if status >= 400 {
		s.errors++
	} else {
		s.success++
	}
	s.mutex.Unlock()
}

// Score returns the heuristic anomaly score of ip between 0 and 100
func (a *Analyzer) Score(ip string) Result {
	f, ok := a.Features(ip)
	if !ok {
		return Result{}
	}
	return ScoreFeatures(f)
}

// ScoreFeatures applies the heuristics to a feature set
func ScoreFeatures(f Features) Result {
	res := Result{Reasons: make([]string, 0)}
	add := func(score int, reason string) {
		res.Score += score
		res.Reasons = append(res.Reasons, reason)
	}

	if f.Requests >= minRequests {
		sampled := f.Sampled
		if sampled == 0 {
			sampled = f.Requests
		}
		if float64(f.Endpoints)/float64(sampled) > scanDiversity {
			add(scanningScore, "scanning")
		}
		if f.EndpointShare > hammerShare {
			add(hammeringScore, "hammering")
		}
	}
	if f.Agents > maxAgents {
		add(multiAgentScore, "multiple user agents")
	}
	if len(f.Intervals)+1 >= minRequests {
		if f.IntervalStd < regularStdDev && f.IntervalMean < regularMean {
			add(regularScore, "bot-like regularity")
		}
		if f.IntervalMean < fastMean {
			add(fastScore, "suspiciously fast")
		}
	}
	if responses := f.Responses; responses >= minRequests && float64(f.Errors)/float64(responses) > maxErrorRatio {
		add(errorScore, "high error rate")
	}

	if res.Score > 100 {
		res.Score = 100
	}
	return res
}

// Features returns the aggregates of ip
func (a *Analyzer) Features(ip string) (Features, bool) {
	v, ok := a.states.Load(ip)
	if !ok {
		return Features{}, false
	}
	s := v.(*state)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	f := Features{
		Requests:  s.requests,
		Sampled:   s.sampled,
		Endpoints: len(s.endpoints),
		Agents:    len(s.agents),
		Responses: s.success + s.errors,
		Errors:    s.errors,
		FirstSeen: s.firstSeen,
		LastSeen:  s.lastSeen,
	}
	for _, c := range s.endpoints {
		if c > f.TopEndpoint {
			f.TopEndpoint = c
		}
	}
	if s.sampled > 0 {
		f.EndpointShare = float64(f.TopEndpoint) / float64(s.sampled)
	}

	if len(s.times) > 1 {
		f.Intervals = make([]float64, len(s.times)-1)
		for i := 1; i < len(s.times); i++ {
			f.Intervals[i-1] = s.times[i].Sub(s.times[i-1]).Seconds()
		}
		f.IntervalMean, f.IntervalStd = MeanStd(f.Intervals)
	}

	sizes := make([]float64, len(s.sizes))
	for i, sz := range s.sizes {
		sizes[i] = float64(sz)
	}
	f.SizeMean, f.SizeStd = MeanStd(sizes)

	return f, true
}

// Cleanup forgets IPs that were not seen for idle and returns how many were removed
func (a *Analyzer) Cleanup(now time.Time, idle time.Duration) int {
	removed := 0
	a.states.Range(func(k, v interface{}) bool {
		s := v.(*state)
		s.mutex.Lock()
		if now.Sub(s.lastSeen) >= idle {
			s.dead = true
			a.states.Delete(k)
			removed++
		}
		s.mutex.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked IPs
func (a *Analyzer) Len() int {
	n := 0
	a.states.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (a *Analyzer) state(ip string) *state {
	if v, ok := a.states.Load(ip); ok {
		return v.(*state)
	}
	v, _ := a.states.LoadOrStore(ip, &state{
		endpoints: make(map[string]int),
		agents:    make(map[string]int),
	})
	return v.(*state)
}

// MeanStd returns the mean and the population standard deviation of values
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

func appendBounded[T any](s []T, v T, max int) []T {
	if len(s) >= max {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	return append(s, v)
}
