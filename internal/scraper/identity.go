package scraper

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
)

// DefaultUserAgent is used when no pool is configured and rotation is disabled.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DefaultUserAgents is the built-in rotation pool of desktop browsers.
var DefaultUserAgents = []string{
	DefaultUserAgent,
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.67",
}

// IdentityConfig describes the pools an IdentityRotator draws from.
type IdentityConfig struct {
	// CustomUserAgent, when set, disables rotation entirely.
	CustomUserAgent string
	UserAgents      []string
	HTTPProxies     []string
	HTTPSProxies    []string
}

// IdentityRotator hands out a user-agent and optional proxies per request.
// User-agents are drawn pseudo-randomly; each proxy list rotates round-robin
// independently of the user-agent choice. Safe for concurrent use.
type IdentityRotator struct {
	custom     string
	userAgents []string
	httpPool   []*url.URL
	httpsPool  []*url.URL

	mu        sync.Mutex
	rng       *rand.Rand
	httpNext  int
	httpsNext int
}

// IdentityOption customizes an IdentityRotator.
type IdentityOption func(*IdentityRotator)

// WithRand replaces the random source, mainly for deterministic tests.
func WithRand(rng *rand.Rand) IdentityOption {
	return func(r *IdentityRotator) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// NewIdentityRotator validates the proxy lists and builds a rotator.
func NewIdentityRotator(cfg IdentityConfig, opts ...IdentityOption) (*IdentityRotator, error) {
	httpPool, err := parseProxies(cfg.HTTPProxies)
	if err != nil {
		return nil, fmt.Errorf("http proxies: %w", err)
	}
	httpsPool, err := parseProxies(cfg.HTTPSProxies)
	if err != nil {
		return nil, fmt.Errorf("https proxies: %w", err)
	}
	agents := compact(cfg.UserAgents)
	if len(agents) == 0 {
		agents = append([]string(nil), DefaultUserAgents...)
	}
	r := &IdentityRotator{
		custom:     strings.TrimSpace(cfg.CustomUserAgent),
		userAgents: agents,
		httpPool:   httpPool,
		httpsPool:  httpsPool,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Next implements IdentitySource.
func (r *IdentityRotator) Next() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := Identity{UserAgent: r.pickUserAgent()}
	if len(r.httpPool) > 0 {
		id.HTTPProxy = r.httpPool[r.httpNext%len(r.httpPool)]
		r.httpNext++
	}
	if len(r.httpsPool) > 0 {
		id.HTTPSProxy = r.httpsPool[r.httpsNext%len(r.httpsPool)]
		r.httpsNext++
	}
	return id
}

// UserAgentClass returns the UA used for Crawl-delay lookups: the custom UA
// if set, otherwise the first pool entry. Allow/disallow decisions are made
// per request with the drawn user-agent.
func (r *IdentityRotator) UserAgentClass() string {
	if r.custom != "" {
		return r.custom
	}
	return r.userAgents[0]
}

func (r *IdentityRotator) pickUserAgent() string {
	if r.custom != "" {
		return r.custom
	}
	if len(r.userAgents) == 1 {
		return r.userAgents[0]
	}
	return r.userAgents[r.rng.IntN(len(r.userAgents))]
}

func parseProxies(raw []string) ([]*url.URL, error) {
	entries := compact(raw)
	out := make([]*url.URL, 0, len(entries))
	for _, entry := range entries {
		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", entry, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy %q must include scheme and host", entry)
		}
		out = append(out, u)
	}
	return out, nil
}

// SplitList splits a comma-separated option into trimmed, non-empty entries.
func SplitList(raw string) []string {
	return compact(strings.Split(raw, ","))
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
