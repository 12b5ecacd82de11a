package threat

import (
	"math"

	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/matchers"
	"github.com/scraperwall/warden/pattern"
)

// NumFeatures is the dimension of a FeatureVector
const NumFeatures = 14

// FeatureVector describes the request behaviour of one IP
type FeatureVector []float64

// FeatureNames are the names of the FeatureVector dimensions, in order
var FeatureNames = [NumFeatures]string{
	"rate",
	"endpoint_diversity",
	"top_endpoint_share",
	"error_ratio",
	"not_found_ratio",
	"auth_share",
	"interval_mean",
	"interval_variation",
	"user_agents",
	"no_referrer_ratio",
	"body_size",
	"param_share",
	"non_get_share",
	"identity_diversity",
}

// ExtractFeatures computes the feature vector of a request history, oldest first.
// It returns nil for an empty history
func ExtractFeatures(history []*data.RequestEvent) FeatureVector {
	n := len(history)
	if n == 0 {
		return nil
	}
	total := float64(n)

	endpoints := make(map[string]int)
	agents := make(map[string]bool)
	identities := make(map[string]bool)
	top, completed, errs, notFound, auth, noRef, params, nonGet := 0, 0, 0, 0, 0, 0, 0, 0
	var bodySize float64
	intervals := make([]float64, 0, n)

	for i, r := range history {
		endpoints[r.Path]++
		if endpoints[r.Path] > top {
			top = endpoints[r.Path]
		}
		agents[r.UserAgent] = true
		if id := r.Credential(); id != "" {
			identities[id] = true
		}
		if r.Status != 0 {
			completed++
			if r.IsError() {
				errs++
			}
			if r.Status == 404 {
				notFound++
			}
		}
		if matchers.AuthEndpoints.MatchString(r.Path) {
			auth++
		}
		if r.Referrer == "" || r.Referrer == "-" {
			noRef++
		}
		if len(r.Params) > 0 || r.Query != "" {
			params++
		}
		if r.Method != "GET" && r.Method != "HEAD" {
			nonGet++
		}
		bodySize += float64(r.BodySize)
		if i > 0 {
			intervals = append(intervals, math.Max(0, r.Time.Sub(history[i-1].Time).Seconds()))
		}
	}

	span := history[n-1].Time.Sub(history[0].Time).Seconds()
	rate := total
	if span > 1 {
		rate = total / span
	}
	mean, std := pattern.MeanStd(intervals)
	variation := 0.0
	if mean > 0 {
		variation = std / mean
	}
	ratio := func(k int, of int) float64 {
		if of == 0 {
			return 0
		}
		return float64(k) / float64(of)
	}

	return FeatureVector{
		math.Log1p(rate),
		float64(len(endpoints)) / total,
		float64(top) / total,
		ratio(errs, completed),
		ratio(notFound, completed),
		float64(auth) / total,
		math.Log1p(mean),
		variation,
		float64(len(agents)),
		float64(noRef) / total,
		math.Log1p(bodySize / total),
		float64(params) / total,
		float64(nonGet) / total,
		float64(len(identities)),
	}
}
