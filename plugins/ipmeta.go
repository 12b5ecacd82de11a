package plugins

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/scraperwall/asndb/v2"
	"github.com/scraperwall/geoip/v2"
	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// IPMeta looks up the autonomous system and the location of IP addresses
type IPMeta struct {
	asndb *asndb.DB
	geodb *geoip.DB
}

// NewIPMeta creates an IPMeta plugin. Either database may be nil
func NewIPMeta(asndb *asndb.DB, geodb *geoip.DB) *IPMeta {
	return &IPMeta{
		asndb: asndb,
		geodb: geodb,
	}
}

// LoadIPMeta opens the databases in asnFile and geoFile. Empty file names are skipped
func LoadIPMeta(asnFile, geoFile string) (*IPMeta, error) {
	i := &IPMeta{}
	var err error
	if asnFile != "" {
		if i.asndb, err = asndb.New(asnFile); err != nil {
			return nil, fmt.Errorf("asndb %s: %w", asnFile, err)
		}
		log.Infof("asndb loaded with %d records", i.asndb.Size())
	}
	if geoFile != "" {
		if i.geodb, err = geoip.New(geoFile); err != nil {
			return nil, fmt.Errorf("geoip %s: %w", geoFile, err)
		}
		log.Infof("geoipdb loaded")
	}
	return i, nil
}

// Lookup returns the network metadata of ip
func (i *IPMeta) Lookup(ip net.IP) (data.Enrichment, bool) {
	if i == nil || i.asndb == nil || ip == nil {
		return data.Enrichment{}, false
	}
	asn := i.asndb.Lookup(ip)
	if asn == nil {
		return data.Enrichment{}, false
	}
	e := data.Enrichment{ASN: int(asn.ASN), Org: asn.Organization}
	if asn.Network != nil {
		e.Network = asn.Network.String()
	}
	return e, true
}

// Network returns the announced network ip belongs to, or its /24 (IPv4) or /48 (IPv6)
// when the network is unknown
func (i *IPMeta) Network(ip net.IP) *net.IPNet {
	if i != nil && i.asndb != nil {
		if asn := i.asndb.Lookup(ip); asn != nil && asn.Network != nil {
			return asn.Network
		}
	}
	return DefaultNetwork(ip)
}

// DefaultNetwork returns the /24 of an IPv4 address or the /48 of an IPv6 address
func DefaultNetwork(ip net.IP) *net.IPNet {
	if ip4 := ip.To4(); ip4 != nil {
		mask := net.CIDRMask(24, 32)
		return &net.IPNet{IP: ip4.Mask(mask), Mask: mask}
	}
	mask := net.CIDRMask(48, 128)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// IsWhitelisted implements the plugin interface
func (i *IPMeta) IsWhitelisted(ip net.IP) bool {
	return false
}

// SetBlocker implements the plugin interface
func (i *IPMeta) SetBlocker(b data.Blocker) {}

// HandleRequest implements the plugin interface
func (i *IPMeta) HandleRequest(r *data.RequestEvent) {}

func (i *IPMeta) getASN(c *gin.Context) {
	ip := net.ParseIP(c.Param("ip"))
	if ip == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"type": "invalid_ip", "message": fmt.Sprintf("%s is not a valid IP address", c.Param("ip"))})
		return
	}
	if i.asndb == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"type": "not_found", "message": "no ASN database loaded"})
		return
	}

	asn := i.asndb.Lookup(ip)
	c.JSON(http.StatusOK, asn)
}

func (i *IPMeta) getGeoIP(c *gin.Context) {
	ip := net.ParseIP(c.Param("ip"))
	if ip == nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"type": "invalid_ip", "message": fmt.Sprintf("%s is not a valid IP address", c.Param("ip"))})
		return
	}
	if i.geodb == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"type": "not_found", "message": "no GeoIP database loaded"})
		return
	}

	geo, err := i.geodb.Lookup(ip)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"type": "lookup_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, geo)
}

// APIHooks adds the lookup routes
func (i *IPMeta) APIHooks(r *gin.Engine) {
	if r == nil {
		log.Fatal("gin router is nil")
	}
	r.GET("/ipmeta/asn/:ip", i.getASN)
	r.GET("/ipmeta/geoip/:ip", i.getGeoIP)
}
