package data

import (
	"net/url"
	"strings"
	"time"
)

// MaxBodySize is the number of body bytes a RequestEvent keeps for inspection
const MaxBodySize = 8192

// credentialParams are the request parameters that carry a login name
var credentialParams = []string{"username", "user", "login", "email", "account"}

// RequestEvent is a snapshot of a single inbound HTTP request.
// It must not be modified once it has been handed to the pipeline; use
// WithStatus to derive a copy that carries the response status.
type RequestEvent struct {
	Time         time.Time         `json:"-"`
	Timestamp    int64             `json:"timestamp"`
	IP           string            `json:"ip"`
	Method       string            `json:"method"`
	Host         string            `json:"host"`
	Path         string            `json:"path"`
	Query        string            `json:"query,omitempty"`
	UserAgent    string            `json:"useragent"`
	Referrer     string            `json:"referrer"`
	User         string            `json:"user,omitempty"`
	BodySize     int64             `json:"body_size"`
	Body         string            `json:"body,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Status       int               `json:"status,omitempty"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Source       string            `json:"source,omitempty"`
}

// Normalize fills in the neutral defaults for fields a sender left out.
// The Timestamp may be given in seconds or nanoseconds.
func (r *RequestEvent) Normalize(now time.Time) {
	if r.Time.IsZero() {
		switch {
		case r.Timestamp <= 0:
			r.Time = now
		case r.Timestamp < 1e11:
			r.Time = time.Unix(r.Timestamp, 0)
		default:
			r.Time = time.Unix(0, r.Timestamp)
		}
	}
	r.Timestamp = r.Time.UnixNano()

	if r.Method == "" {
		r.Method = "GET"
	}
	if r.Path == "" {
		r.Path = "/"
	}
	if i := strings.IndexByte(r.Path, '?'); i >= 0 {
		if r.Query == "" {
			r.Query = r.Path[i+1:]
		}
		r.Path = r.Path[:i]
	}
	if r.Params == nil && r.Query != "" {
		if values, err := url.ParseQuery(r.Query); err == nil {
			r.Params = make(map[string]string, len(values))
			for k, v := range values {
				if len(v) > 0 {
					r.Params[k] = v[0]
				}
			}
		}
	}
	if len(r.Body) > MaxBodySize {
		r.Body = r.Body[:MaxBodySize]
	}
}

// WithStatus returns a copy of the event carrying the response status
func (r *RequestEvent) WithStatus(status int) *RequestEvent {
	c := *r
	c.Status = status
	return &c
}

// IsError reports whether the response status is a client or server error
func (r *RequestEvent) IsError() bool {
	return r.Status >= 400
}

// IsAuthFailure reports whether the response rejected the supplied credentials
func (r *RequestEvent) IsAuthFailure() bool {
	return r.Status == 401 || r.Status == 403
}

// Credential returns the login name submitted with the request, if any
func (r *RequestEvent) Credential() string {
	for _, p := range credentialParams {
		if v, ok := r.Params[p]; ok && v != "" {
			return strings.ToLower(v)
		}
	}
	if r.User != "" {
		return r.User
	}
	return ""
}

// Inspectable returns the URL-decoded parts of the request that signature
// detectors look at: path, query, parameter values and body
func (r *RequestEvent) Inspectable() []string {
	parts := make([]string, 0, 3+len(r.Params))
	parts = append(parts, unescape(r.Path))
	if r.Query != "" {
		parts = append(parts, unescape(r.Query))
	}
	for _, v := range r.Params {
		parts = append(parts, unescape(v))
	}
	if r.Body != "" {
		parts = append(parts, unescape(r.Body))
	}
	return parts
}

func unescape(s string) string {
	// double encoded payloads are common enough to decode twice
	for i := 0; i < 2; i++ {
		u, err := url.QueryUnescape(s)
		if err != nil || u == s {
			break
		}
		s = u
	}
	return s
}
