package warden

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fvbock/endless"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scraperwall/warden/data"
	"github.com/scraperwall/warden/pattern"
	"github.com/scraperwall/warden/reputation"
	"github.com/scraperwall/warden/threat"
	log "github.com/sirupsen/logrus"
)

// API provides the admin REST API
type API struct {
	warden *Warden
	router *gin.Engine
	server io.Closer
}

type listRequest struct {
	Reason   string `json:"reason"`
	CIDR     string `json:"cidr"`
	Duration string `json:"duration"`
}

// StatsResponse is the body of GET /stats
type StatsResponse struct {
	Decisions   data.Stats            `json:"decisions"`
	Windows     map[string]data.Stats `json:"windows"`
	IPs         int                   `json:"ips"`
	Records     int                   `json:"records"`
	Connections int                   `json:"connections"`
	Buckets     int                   `json:"buckets"`
	Threats     int                   `json:"active_threats"`
	Lists       map[string]int        `json:"lists"`
	Async       threat.Stats          `json:"async"`
	Model       threat.ModelInfo      `json:"model"`
	Attack      AttackStatus          `json:"attack"`
	Feeds       []string              `json:"feeds"`
}

// IPResponse is the body of GET /ip/:ip
type IPResponse struct {
	Record      data.IPRecord           `json:"record"`
	Known       bool                    `json:"known"`
	Pattern     pattern.Result          `json:"pattern"`
	Connections int                     `json:"connections"`
	Challenged  bool                    `json:"challenge_passed"`
	Threats     []*data.ThreatIndicator `json:"threats"`
	Requests    []*data.RequestEvent    `json:"requests"`
	UserAgents  map[string]int          `json:"useragents"`
}

// NewAPI creates the admin API of w
func NewAPI(w *Warden) *API {
	a := &API{
		warden: w,
		router: gin.Default(),
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	a.router.Use(cors.New(corsConfig))

	a.router.GET("/stats", a.getStats)
	a.router.GET("/ip/:ip", a.getIP)
	a.router.GET("/threats/:ip", a.getThreats)
	a.router.GET("/lists", a.getLists)
	a.router.GET("/attack-mode", a.getAttackMode)
	a.router.GET("/model", a.getModel)
	a.router.POST("/model/retrain", a.retrainModel)
	a.router.POST("/challenge/:ip", a.passChallenge)

	a.router.POST("/whitelist/:ip", a.addToList(reputation.Whitelist))
	a.router.DELETE("/whitelist/:ip", a.removeFromList(reputation.Whitelist))
	a.router.POST("/blacklist/:ip", a.addToList(reputation.Blacklist))
	a.router.DELETE("/blacklist/:ip", a.removeFromList(reputation.Blacklist))
	a.router.POST("/graylist/:ip", a.addToGraylist)
	a.router.DELETE("/graylist/:ip", a.removeFromGraylist)
	a.router.POST("/tempblock/:ip", a.tempBlock)
	a.router.DELETE("/tempblock/:ip", a.removeTempBlock)

	a.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(w.gatherer, promhttp.HandlerOpts{})))

	for _, p := range w.plugins {
		p.APIHooks(a.router)
	}
	if w.meta != nil {
		w.meta.APIHooks(a.router)
	}

	return a
}

// Router returns the gin engine serving the API
func (a *API) Router() *gin.Engine {
	return a.router
}

// ListenAndServe serves the API on addr in the background
func (a *API) ListenAndServe(addr string) {
	srv := endless.NewServer(addr, a.router)
	a.server = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("api server on %s: %s", addr, err)
		}
	}()
	log.Infof("api listening on %s", addr)
}

// Close stops the API server
func (a *API) Close() error {
	if a.server == nil {
		return nil
	}
	return a.server.Close()
}

func apiError(c *gin.Context, status int, errType string, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Type: errType, Message: err.Error()})
}

func listError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reputation.ErrInvalidIP), errors.Is(err, reputation.ErrInvalidCIDR):
		apiError(c, http.StatusBadRequest, "invalid_address", err)
	case errors.Is(err, reputation.ErrNotListed):
		apiError(c, http.StatusNotFound, "not_listed", err)
	default:
		apiError(c, http.StatusInternalServerError, "internal", err)
	}
}

func (a *API) getStats(c *gin.Context) {
	w := a.warden
	lists := w.reputation.Lists()

	threats := 0
	for _, ip := range w.history.IPs() {
		threats += len(w.history.Threats(ip))
	}

	resp := StatsResponse{
		Decisions:   w.stats.Totals(),
		Windows:     w.stats.All(),
		IPs:         w.history.Len(),
		Records:     w.reputation.Len(),
		Connections: w.conns.Len(),
		Buckets:     w.limiter.Len(),
		Threats:     threats,
		Lists: map[string]int{
			"whitelist":         len(lists.Whitelist),
			"blacklist":         len(lists.Blacklist),
			"graylist":          len(lists.Graylist),
			"temp_blocks":       len(lists.TempBlocks),
			"whitelist_subnets": len(lists.WhitelistSubnet),
			"blacklist_subnets": len(lists.BlacklistSubnet),
		},
		Async:  w.engine.Stats(),
		Model:  w.anomaly.Info(),
		Attack: w.AttackStatus(),
		Feeds:  w.feeds.URLs(),
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getIP(c *gin.Context) {
	w := a.warden
	ip := net.ParseIP(c.Param("ip"))
	if ip == nil {
		apiError(c, http.StatusBadRequest, "invalid_address", reputation.ErrInvalidIP)
		return
	}
	key := ip.String()

	record, known := w.reputation.Get(key)
	requests := w.history.Recent(key)
	if !known && len(requests) == 0 {
		apiError(c, http.StatusNotFound, "not_found", errors.New(key+" has not been seen"))
		return
	}

	agents := make(map[string]int)
	for _, r := range requests {
		agents[r.UserAgent]++
	}

	c.JSON(http.StatusOK, IPResponse{
		Record:      record,
		Known:       known,
		Pattern:     w.patterns.Score(key),
		Connections: w.conns.Active(key),
		Challenged:  w.ChallengePassed(key),
		Threats:     w.history.Threats(key),
		Requests:    requests,
		UserAgents:  agents,
	})
}

func (a *API) getThreats(c *gin.Context) {
	ip := net.ParseIP(c.Param("ip"))
	if ip == nil {
		apiError(c, http.StatusBadRequest, "invalid_address", reputation.ErrInvalidIP)
		return
	}
	threats := a.warden.history.Threats(ip.String())
	if threats == nil {
		threats = []*data.ThreatIndicator{}
	}
	c.JSON(http.StatusOK, threats)
}

func (a *API) getLists(c *gin.Context) {
	c.JSON(http.StatusOK, a.warden.reputation.Lists())
}

func (a *API) getAttackMode(c *gin.Context) {
	c.JSON(http.StatusOK, a.warden.AttackStatus())
}

func (a *API) getModel(c *gin.Context) {
	c.JSON(http.StatusOK, a.warden.anomaly.Info())
}

func (a *API) retrainModel(c *gin.Context) {
	if err := a.warden.anomaly.Retrain(a.warden.history); err != nil {
		if errors.Is(err, threat.ErrNotEnoughSamples) {
			apiError(c, http.StatusConflict, "not_enough_samples", err)
			return
		}
		apiError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	c.JSON(http.StatusOK, a.warden.anomaly.Info())
}

func (a *API) passChallenge(c *gin.Context) {
	ip := c.Param("ip")
	if err := a.warden.PassChallenge(ip); err != nil {
		listError(c, err)
		return
	}

	resp := gin.H{"ip": ip, "ttl": a.warden.config.ChallengeTTL.String()}
	if cc := a.warden.cookie; cc != nil {
		value, err := cc.Encode([]net.IP{net.ParseIP(ip)}, a.warden.now().Add(a.warden.config.ChallengeTTL))
		if err != nil {
			apiError(c, http.StatusInternalServerError, "internal", err)
			return
		}
		resp["cookie"] = gin.H{"name": cc.Name(), "value": value}
	}
	c.JSON(http.StatusOK, resp)
}

// bindList reads the optional JSON body of list requests
func bindList(c *gin.Context) (listRequest, bool) {
	var req listRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "invalid_body", err)
		return req, false
	}
	return req, true
}

// addToList handles POST /whitelist/:ip and POST /blacklist/:ip. The address "subnet"
// takes the network from the cidr field of the body
func (a *API) addToList(kind reputation.ListKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindList(c)
		if !ok {
			return
		}
		if req.Reason == "" {
			req.Reason = "api"
		}
		rep := a.warden.reputation

		var err error
		target := c.Param("ip")
		switch {
		case target == "subnet" && kind == reputation.Whitelist:
			target = req.CIDR
			err = rep.AddSubnetToWhitelist(req.CIDR, req.Reason)
		case target == "subnet":
			target = req.CIDR
			err = rep.AddSubnetToBlacklist(req.CIDR, req.Reason)
		case kind == reputation.Whitelist:
			err = rep.AddToWhitelist(target, req.Reason)
		default:
			err = rep.AddToBlacklist(target, req.Reason)
		}
		if err != nil {
			listError(c, err)
			return
		}
		log.Infof("api: added %s to the %s: %s", target, kind, req.Reason)
		c.JSON(http.StatusOK, gin.H{"list": kind.String(), "entry": target, "reason": req.Reason})
	}
}

func (a *API) removeFromList(kind reputation.ListKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := a.warden.reputation

		var err error
		target := c.Param("ip")
		if target == "subnet" {
			req, ok := bindList(c)
			if !ok {
				return
			}
			target = req.CIDR
			if kind == reputation.Whitelist {
				err = rep.RemoveSubnetFromWhitelist(req.CIDR)
			} else {
				err = rep.RemoveSubnetFromBlacklist(req.CIDR)
			}
		} else if kind == reputation.Whitelist {
			err = rep.RemoveFromWhitelist(target)
		} else {
			err = rep.RemoveFromBlacklist(target)
		}
		if err != nil {
			listError(c, err)
			return
		}
		log.Infof("api: removed %s from the %s", target, kind)
		c.JSON(http.StatusOK, gin.H{"list": kind.String(), "entry": target})
	}
}

func (a *API) addToGraylist(c *gin.Context) {
	req, ok := bindList(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	ip := c.Param("ip")
	if err := a.warden.reputation.AddToGraylist(ip, req.Reason); err != nil {
		listError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": "graylist", "entry": ip, "reason": req.Reason})
}

func (a *API) removeFromGraylist(c *gin.Context) {
	if err := a.warden.reputation.RemoveFromGraylist(c.Param("ip")); err != nil {
		listError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": "graylist", "entry": c.Param("ip")})
}

func (a *API) tempBlock(c *gin.Context) {
	req, ok := bindList(c)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	d := a.warden.config.TempBlockDuration
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil || d <= 0 {
			apiError(c, http.StatusBadRequest, "invalid_body", errors.New("duration must be a positive duration"))
			return
		}
	}
	ip := c.Param("ip")
	if err := a.warden.reputation.TempBlock(ip, d, req.Reason); err != nil {
		listError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": "temp_blocks", "entry": ip, "reason": req.Reason, "duration": d.String()})
}

func (a *API) removeTempBlock(c *gin.Context) {
	if err := a.warden.reputation.RemoveTempBlock(c.Param("ip")); err != nil {
		listError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list": "temp_blocks", "entry": c.Param("ip")})
}
