package warden

import (
	"net"

	"github.com/gin-gonic/gin"
	"github.com/scraperwall/warden/data"
)

// Plugin extends the pipeline. Plugins see every completed request, may register
// admin API routes and may act on the reputation store through the Blocker
type Plugin interface {
	HandleRequest(r *data.RequestEvent)
	APIHooks(r *gin.Engine)
	SetBlocker(b data.Blocker)
	IsWhitelisted(ip net.IP) bool
}

func (w *Warden) pluginWhitelisted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, p := range w.plugins {
		if p.IsWhitelisted(ip) {
			return true
		}
	}
	return false
}
