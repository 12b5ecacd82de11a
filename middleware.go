package warden

import (
	"bytes"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/scraperwall/warden/data"
	log "github.com/sirupsen/logrus"
)

// UserKey is the gin context key an authentication middleware running before the
// warden middleware may set to the id of the authenticated user
const UserKey = "warden.user"

// ErrorResponse is the body of every rejected request
type ErrorResponse struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// Middleware returns a gin handler that evaluates every request. Rejected requests
// are aborted with 429 or 403; admitted ones carry the X-RateLimit-* headers
func (w *Warden) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := RequestFromHTTP(c.Request, c.ClientIP())
		r.User = c.GetString(UserKey)

		if w.cookie != nil {
			if ip := net.ParseIP(r.IP); ip != nil && w.cookie.Valid(c.GetHeader("Cookie"), []net.IP{ip}) {
				if err := w.PassChallenge(r.IP); err != nil {
					log.Debugf("challenge cookie of %s: %s", r.IP, err)
				}
			}
		}

		d := w.Evaluate(c.Request.Context(), r)
		setRateLimitHeaders(c, d.RateLimit)

		if !d.Allow {
			AbortWithDecision(c, d)
			return
		}

		c.Next()
		w.Complete(r, c.Writer.Status())
	}
}

// AbortWithDecision answers a rejected request according to its decision
func AbortWithDecision(c *gin.Context, d data.SecurityDecision) {
	resp := ErrorResponse{
		Type:    string(d.Reason),
		Message: d.Detail,
	}
	if d.Outcome == data.OutcomeChallenged {
		resp.Redirect = d.ChallengeURL
	}
	if d.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	} else if d.HTTPStatus() == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(d.HTTPStatus(), resp)
}

func setRateLimitHeaders(c *gin.Context, info *data.RateLimitInfo) {
	if info == nil || info.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(info.Reset.Seconds()))))
}

// RequestFromHTTP builds the request event for req sent by the client at ip.
// Up to data.MaxBodySize bytes of a form or JSON body are inspected; the body
// stays readable for the handlers
func RequestFromHTTP(req *http.Request, ip string) *data.RequestEvent {
	r := &data.RequestEvent{
		IP:        ip,
		Method:    req.Method,
		Host:      req.Host,
		Path:      req.URL.Path,
		Query:     req.URL.RawQuery,
		UserAgent: req.UserAgent(),
		Referrer:  req.Referer(),
		Source:    "http",
	}
	if req.ContentLength > 0 {
		r.BodySize = req.ContentLength
	}

	params := make(map[string]string)
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if req.Body != nil && req.Body != http.NoBody && inspectable(req.Header.Get("Content-Type")) {
		buf, err := io.ReadAll(io.LimitReader(req.Body, data.MaxBodySize))
		if err != nil {
			log.Debugf("reading body of %s %s: %s", ip, req.URL.Path, err)
		}
		req.Body = readCloser{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
		r.Body = string(buf)
		if r.BodySize == 0 {
			r.BodySize = int64(len(buf))
		}
		if strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if values, err := url.ParseQuery(r.Body); err == nil {
				for k, v := range values {
					if _, ok := params[k]; !ok && len(v) > 0 {
						params[k] = v[0]
					}
				}
			}
		}
	}
	if len(params) > 0 {
		r.Params = params
	}
	return r
}

func inspectable(contentType string) bool {
	for _, t := range []string{"application/x-www-form-urlencoded", "application/json", "text/", "application/xml"} {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

type readCloser struct {
	io.Reader
	io.Closer
}
