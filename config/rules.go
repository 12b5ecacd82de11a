package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
	fsnotify "gopkg.in/fsnotify.v1"
)

// Rules contains the static access rules from the TOML rules file
type Rules struct {
	IP         []Rule
	CIDR       []Rule
	ClientHost []Rule
	Org        []Rule
	ASN        []Rule
	Blacklist  []Rule
	Endpoint   []EndpointRule
	Feed       []Rule

	LoadedAt time.Time `toml:"-"`

	cidrs []cidrRule
	asns  map[int]string
}

// Rule represents a single rule
type Rule struct {
	Pattern     string
	Description string

	re *regexp.Regexp
}

// EndpointRule sets the token bucket for requests whose path starts with Path
type EndpointRule struct {
	Path        string
	Capacity    int
	RefillRate  float64
	Description string
}

type cidrRule struct {
	network     *net.IPNet
	description string
}

// LoadRules reads and compiles the rules file at path
func LoadRules(path string) (*Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(b)
}

// ParseRules compiles TOML encoded rules
func ParseRules(b []byte) (*Rules, error) {
	var rules Rules
	if err := toml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	var err error
	rules.asns = make(map[int]string)
	for _, r := range rules.ASN {
		asn, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(r.Pattern), "AS"))
		if err != nil {
			return nil, fmt.Errorf("%s is not a valid ASN", r.Pattern)
		}
		rules.asns[asn] = r.Description
	}

	for _, set := range []struct {
		name  string
		rules []Rule
	}{{"IP", rules.IP}, {"client host", rules.ClientHost}, {"org", rules.Org}} {
		for i, r := range set.rules {
			set.rules[i].re, err = regexp.Compile(fmt.Sprintf("^%s$", r.Pattern))
			if err != nil {
				return nil, fmt.Errorf("can't parse %s rule %s (%s): %s", set.name, r.Pattern, r.Description, err)
			}
		}
	}

	rules.cidrs = make([]cidrRule, len(rules.CIDR))
	for i, r := range rules.CIDR {
		cidr := strings.TrimSpace(strings.ReplaceAll(r.Pattern, `\`, ""))
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("can't parse CIDR rule %s (%s): %s", r.Pattern, r.Description, err)
		}
		rules.cidrs[i] = cidrRule{network: network, description: r.Description}
	}

	for _, r := range rules.Blacklist {
		p := strings.TrimSpace(r.Pattern)
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return nil, fmt.Errorf("blacklist rule %s is neither an IP nor a CIDR", r.Pattern)
		}
	}

	for _, e := range rules.Endpoint {
		if !strings.HasPrefix(e.Path, "/") || e.Capacity <= 0 || e.RefillRate <= 0 {
			return nil, fmt.Errorf("invalid endpoint rule %q: path must start with / and capacity and refill rate must be positive", e.Path)
		}
	}
	// longest prefix first
	sort.SliceStable(rules.Endpoint, func(i, j int) bool {
		return len(rules.Endpoint[i].Path) > len(rules.Endpoint[j].Path)
	})

	rules.LoadedAt = time.Now()
	return &rules, nil
}

// WhitelistedIP determines whether ip is whitelisted by an IP or CIDR rule.
// It returns the description of the matching rule
func (r *Rules) WhitelistedIP(ip net.IP) (bool, string) {
	if r == nil || ip == nil {
		return false, ""
	}
	for _, c := range r.cidrs {
		if c.network.Contains(ip) {
			return true, c.description
		}
	}
	s := ip.String()
	for _, rule := range r.IP {
		if rule.re.MatchString(s) {
			return true, rule.Description
		}
	}
	return false, ""
}

// WhitelistedHost determines whether a verified client hostname is whitelisted
func (r *Rules) WhitelistedHost(host string) (bool, string) {
	if r == nil || host == "" {
		return false, ""
	}
	host = strings.TrimSuffix(host, ".")
	for _, rule := range r.ClientHost {
		if rule.re.MatchString(host) {
			return true, rule.Description
		}
	}
	return false, ""
}

// WhitelistedNetwork determines whether an autonomous system or organization is whitelisted
func (r *Rules) WhitelistedNetwork(asn int, org string) (bool, string) {
	if r == nil {
		return false, ""
	}
	if descr, ok := r.asns[asn]; ok {
		return true, descr
	}
	if org == "" {
		return false, ""
	}
	for _, rule := range r.Org {
		if rule.re.MatchString(org) {
			return true, rule.Description
		}
	}
	return false, ""
}

// BlacklistEntries splits the blacklist rules into single addresses and networks
func (r *Rules) BlacklistEntries() (ips, cidrs []string) {
	if r == nil {
		return nil, nil
	}
	for _, rule := range r.Blacklist {
		p := strings.TrimSpace(rule.Pattern)
		if net.ParseIP(p) != nil {
			ips = append(ips, p)
		} else {
			cidrs = append(cidrs, p)
		}
	}
	return ips, cidrs
}

// FeedURLs returns the configured threat feed URLs
func (r *Rules) FeedURLs() []string {
	if r == nil {
		return nil
	}
	urls := make([]string, 0, len(r.Feed))
	for _, f := range r.Feed {
		urls = append(urls, f.Pattern)
	}
	return urls
}

// WatchRules reloads the rules file whenever it is written to and hands the result to onChange.
// Files that fail to parse are logged and ignored; the previous rules stay in effect
func WatchRules(ctx context.Context, path string, onChange func(*Rules)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				log.Infof("rules watcher exiting")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rules, err := LoadRules(path)
				if err != nil {
					log.Warnf("rules reload: %s", err)
					continue
				}
				log.Infof("rules reloaded from %s", path)
				onChange(rules)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("rules watcher error event: %s", err)
			}
		}
	}()

	return nil
}
