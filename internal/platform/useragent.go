package platform

import (
	"net/http"
	"sync/atomic"

	"github.com/relaydesk/relaydesk/pkg/models"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
}

// UserAgents picks the User-Agent for outbound platform calls: the
// integration's pinned value, or the next entry of a rotating pool.
type UserAgents struct {
	pool []string
	next atomic.Uint64
}

// NewUserAgents creates a pool. Empty pool uses built-in browser strings.
func NewUserAgents(pool []string) *UserAgents {
	if len(pool) == 0 {
		pool = defaultUserAgents
	}
	return &UserAgents{pool: append([]string(nil), pool...)}
}

// For returns the User-Agent to use for integ.
func (u *UserAgents) For(integ *models.PlatformIntegration) string {
	if integ != nil && integ.UserAgent != "" {
		return integ.UserAgent
	}
	n := u.next.Add(1) - 1
	return u.pool[n%uint64(len(u.pool))]
}

// uaTransport stamps a fixed User-Agent on every request.
type uaTransport struct {
	ua   string
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// withUserAgent returns a copy of c whose requests carry ua.
func withUserAgent(c *http.Client, ua string) *http.Client {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cp := *c
	cp.Transport = &uaTransport{ua: ua, base: base}
	return &cp
}
