package plugins

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/matchers"
	"github.com/scraperwall/warden/window"
	log "github.com/sirupsen/logrus"
)

// NetworksConfig configures the Networks plugin
type NetworksConfig struct {
	WindowSize time.Duration
	NumWindows int
	// BlockThreshold blacklists a network once it sent this many requests
	// within the window. 0 disables blocking
	BlockThreshold int64
	Now            func() time.Time
}

// Networks contains request statistics for all networks
type Networks struct {
	data    map[string]*NetworkData
	mutex   sync.RWMutex
	config  NetworksConfig
	network func(net.IP) *net.IPNet
	meta    *IPMeta
	blocker data.Blocker
}

// NetworkData contains request statistics for one network
type NetworkData struct {
	network   *net.IPNet
	total     *window.Buckets
	app       *window.Buckets
	mutex     sync.Mutex
	blocked   bool
	updatedAt time.Time
	asn       data.Enrichment
}

func newNetworkData(network *net.IPNet, config NetworksConfig) *NetworkData {
	return &NetworkData{
		network: network,
		total:   window.NewBuckets(config.WindowSize, config.NumWindows),
		app:     window.NewBuckets(config.WindowSize, config.NumWindows),
	}
}

// HandleRequest adds an item to the NetworkData instance and returns the
// number of requests within the window
func (nd *NetworkData) HandleRequest(r *data.RequestEvent) int64 {
	nd.total.Add(r.Time, 1)
	if !matchers.Assets.MatchString(r.Path) {
		nd.app.Add(r.Time, 1)
	}

	nd.mutex.Lock()
	if r.Time.After(nd.updatedAt) {
		nd.updatedAt = r.Time
	}
	nd.mutex.Unlock()

	return nd.total.Count(r.Time)
}

// Stats returns the statistics of the network at now
func (nd *NetworkData) Stats(now time.Time) data.NetworkStats {
	total := nd.total.Count(now)
	app := nd.app.Count(now)

	nd.mutex.Lock()
	defer nd.mutex.Unlock()

	s := data.NetworkStats{
		Network:   nd.network.String(),
		ASN:       nd.asn.ASN,
		Org:       nd.asn.Org,
		Total:     total,
		App:       app,
		Other:     total - app,
		Blocked:   nd.blocked,
		UpdatedAt: nd.updatedAt,
	}
	if total > 0 {
		s.Ratio = float64(app) / float64(total)
	}
	return s
}

// NewNetworks creates a new Networks instance. meta may be nil, networks are
// then aggregated by DefaultNetwork
func NewNetworks(ctx context.Context, config NetworksConfig, meta *IPMeta) *Networks {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.WindowSize <= 0 {
		config.WindowSize = time.Minute
	}
	if config.NumWindows <= 0 {
		config.NumWindows = 10
	}
	n := &Networks{
		data:    make(map[string]*NetworkData),
		config:  config,
		network: meta.Network,
		meta:    meta,
	}

	go func() {
		ticker := time.NewTicker(config.WindowSize)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.expire(config.Now())
				n.logStats()
			}
		}
	}()

	return n
}

// SetBlocker sets the store networks get blacklisted in
func (n *Networks) SetBlocker(b data.Blocker) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.blocker = b
}

// IsWhitelisted implements the plugin interface
func (n *Networks) IsWhitelisted(ip net.IP) bool {
	return false
}

// HandleRequest handles a request and saves it into the network data
func (n *Networks) HandleRequest(r *data.RequestEvent) {
	ip := net.ParseIP(r.IP)
	if ip == nil {
		return
	}
	network := n.network(ip)
	cidr := network.String()

	log.Tracef("networks adding %s - %s", r.IP, cidr)

	n.mutex.Lock()
	nd, ok := n.data[cidr]
	if !ok {
		nd = newNetworkData(network, n.config)
		if e, ok := n.meta.Lookup(ip); ok {
			nd.asn = e
		}
		n.data[cidr] = nd
	}
	blocker := n.blocker
	n.mutex.Unlock()

	count := nd.HandleRequest(r)
	if blocker == nil || n.config.BlockThreshold <= 0 || count < n.config.BlockThreshold {
		return
	}

	nd.mutex.Lock()
	if nd.blocked || blocker.IsWhitelisted(ip) {
		nd.mutex.Unlock()
		return
	}
	nd.blocked = true
	nd.mutex.Unlock()

	reason := fmt.Sprintf("network sent %d requests in %s", count, n.config.WindowSize*time.Duration(n.config.NumWindows))
	if err := blocker.AddSubnetToBlacklist(cidr, reason); err != nil {
		log.Warnf("blacklisting network %s: %s", cidr, err)
		return
	}
	log.Infof("blacklisted network %s: %s", cidr, reason)
}

// Count returns the number of networks
func (n *Networks) Count() int {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	return len(n.data)
}

// All returns data about all networks it currently holds, busiest first
func (n *Networks) All() []data.NetworkStats {
	now := n.config.Now()

	n.mutex.RLock()
	res := make([]data.NetworkStats, 0, len(n.data))
	for _, nd := range n.data {
		res = append(res, nd.Stats(now))
	}
	n.mutex.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Total > res[j].Total })
	return res
}

// Get returns the statistics for one network
func (n *Networks) Get(ipn *net.IPNet) (data.NetworkStats, bool) {
	n.mutex.RLock()
	nd, found := n.data[ipn.String()]
	n.mutex.RUnlock()

	if !found {
		return data.NetworkStats{}, false
	}
	return nd.Stats(n.config.Now()), true
}

// Averages returns the average of requests across all networks
func (n *Networks) Averages() data.NetworkStats {
	res := data.NetworkStats{}
	all := n.All()
	if len(all) == 0 {
		return res
	}

	for _, s := range all {
		res.Total += s.Total
		res.App += s.App
		res.Other += s.Other
	}
	count := int64(len(all))
	res.Total /= count
	res.App /= count
	res.Other /= count
	if res.Total > 0 {
		res.Ratio = float64(res.App) / float64(res.Total)
	}
	return res
}

// APIHooks adds the network routes
func (n *Networks) APIHooks(r *gin.Engine) {
	r.GET("/networks", n.apiGetNetworks)
	r.GET("/network/:ip/:bits", n.apiGetNetwork)
}

// expire drops all networks without requests in the window
func (n *Networks) expire(now time.Time) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	removed := 0
	for cidr, nd := range n.data {
		if nd.total.Empty(now) {
			delete(n.data, cidr)
			removed++
		}
	}
	return removed
}

func (n *Networks) logStats() {
	avgs := n.Averages()
	log.Infof("networks: %d, total: %d, app: %d, other: %d, ratio: %.2f", n.Count(), avgs.Total, avgs.App, avgs.Other, avgs.Ratio)
}

func (n *Networks) apiGetNetworks(c *gin.Context) {
	c.JSON(http.StatusOK, n.All())
}

func (n *Networks) apiGetNetwork(c *gin.Context) {
	cidr := fmt.Sprintf("%s/%s", c.Param("ip"), c.Param("bits"))
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"type": "invalid_cidr", "message": fmt.Sprintf("%s is not a valid network in CIDR notation", cidr)})
		return
	}
	nw, ok := n.Get(network)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"type": "not_found", "message": fmt.Sprintf("no requests from %s", network)})
		return
	}

	c.JSON(http.StatusOK, nw)
}
