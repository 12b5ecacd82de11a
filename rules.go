package warden

import (
	"net"

	"github.com/scraperwall/warden/config"
	"github.com/scraperwall/warden/plugins"
	"github.com/scraperwall/warden/ratelimit"
	"github.com/scraperwall/warden/reputation"
	log "github.com/sirupsen/logrus"
)

// staticRules whitelists by the IP and CIDR rules and, if network metadata is
// available, by the ASN and organization rules
type staticRules struct {
	rules *config.Rules
	meta  *plugins.IPMeta
}

func (s staticRules) WhitelistedIP(ip net.IP) (bool, string) {
	if ok, descr := s.rules.WhitelistedIP(ip); ok {
		return true, descr
	}
	if e, ok := s.meta.Lookup(ip); ok {
		return s.rules.WhitelistedNetwork(e.ASN, e.Org)
	}
	return false, ""
}

// Rules returns the rules in effect. The result is nil if no rules file is configured
func (w *Warden) Rules() *config.Rules {
	return w.rules.Load()
}

// applyRules puts r into effect. A nil r clears all rule based entries
func (w *Warden) applyRules(r *config.Rules) {
	w.rules.Store(r)
	w.reputation.SetStaticRules(staticRules{rules: r, meta: w.meta})

	ips, cidrs := r.BlacklistEntries()
	added, removed := w.reputation.SyncSource(reputation.Blacklist, reputation.SourceRules, ips, cidrs, "rules")

	var endpoints []ratelimit.EndpointLimit
	if r != nil {
		endpoints = make([]ratelimit.EndpointLimit, 0, len(r.Endpoint))
		for _, e := range r.Endpoint {
			endpoints = append(endpoints, ratelimit.EndpointLimit{
				Prefix: e.Path,
				Limit:  ratelimit.Limit{Capacity: e.Capacity, RefillRate: e.RefillRate},
			})
		}
	}
	w.limiter.SetEndpoints(endpoints)
	w.feeds.SetURLs(r.FeedURLs())

	if r != nil {
		log.Infof("rules applied: %d blacklist entries added, %d removed, %d endpoint limits, %d feeds",
			added, removed, len(endpoints), len(r.Feed))
	}
}
