package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	defaultRobotsTimeout = 10 * time.Second
	maxRobotsBytes       = 1 << 20
)

type policyKey struct {
	host    string
	uaClass string
}

// PolicyGuard enforces robots.txt directives per host. Parsed documents are
// cached per (host, user-agent class) for the guard's lifetime; failed
// retrievals are not cached. A guard may be shared by concurrent sessions.
type PolicyGuard struct {
	respect bool
	client  *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[policyKey]*robotstxt.RobotsData
}

// PolicyOption customizes a PolicyGuard.
type PolicyOption func(*PolicyGuard)

// WithPolicyClient overrides the HTTP client used for robots.txt.
func WithPolicyClient(client *http.Client) PolicyOption {
	return func(g *PolicyGuard) {
		if client != nil {
			g.client = client
		}
	}
}

// WithPolicyLogger attaches a logger.
func WithPolicyLogger(logger *zap.Logger) PolicyOption {
	return func(g *PolicyGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewPolicyGuard builds a guard. When respect is false every URL is allowed
// and no network access happens.
func NewPolicyGuard(respect bool, opts ...PolicyOption) *PolicyGuard {
	g := &PolicyGuard{
		respect: respect,
		client: &http.Client{
			Timeout: defaultRobotsTimeout,
		},
		logger: zap.NewNop(),
		cache:  make(map[policyKey]*robotstxt.RobotsData),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Respects reports whether robots.txt is consulted at all.
func (g *PolicyGuard) Respects() bool {
	return g != nil && g.respect
}

// Allowed implements RobotsPolicy. It returns a *PolicyFetchError when
// robots.txt cannot be retrieved and nothing is cached for the host.
func (g *PolicyGuard) Allowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	if !g.Respects() {
		return true, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, fmt.Errorf("parse url %q: invalid host", rawURL)
	}
	data, err := g.load(ctx, parsed, userAgent)
	if err != nil {
		return false, err
	}
	allowed := data.TestAgent(robotsPath(parsed), userAgent)
	g.logger.Debug("robots decision",
		zap.String("url", rawURL),
		zap.String("host", parsed.Host),
		zap.Bool("allowed", allowed),
	)
	return allowed, nil
}

// CrawlDelay returns the Crawl-delay published for the URL's host, or zero
// when none is cached or robots.txt is not respected. It never fetches.
func (g *PolicyGuard) CrawlDelay(rawURL, userAgent string) time.Duration {
	if !g.Respects() {
		return 0
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	data, ok := g.cached(parsed, userAgent)
	if !ok {
		return 0
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (g *PolicyGuard) cached(parsed *url.URL, userAgent string) (*robotstxt.RobotsData, bool) {
	key := policyKey{host: strings.ToLower(parsed.Host), uaClass: UserAgentClass(userAgent)}
	g.mu.RLock()
	defer g.mu.RUnlock()
	data, ok := g.cache[key]
	return data, ok
}

func (g *PolicyGuard) load(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	if data, ok := g.cached(parsed, userAgent); ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	data, err := g.fetch(ctx, robotsURL.String(), userAgent)
	if err != nil {
		g.logger.Warn("robots fetch failed", zap.String("host", parsed.Host), zap.Error(err))
		return nil, &PolicyFetchError{Host: parsed.Host, Err: err}
	}

	key := policyKey{host: strings.ToLower(parsed.Host), uaClass: UserAgentClass(userAgent)}
	g.mu.Lock()
	g.cache[key] = data
	g.mu.Unlock()
	return data, nil
}

func (g *PolicyGuard) fetch(ctx context.Context, robotsURL, userAgent string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	// 4xx allows everything, 5xx disallows everything.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func robotsPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// UserAgentClass reduces a user-agent to its lowercased product token, so
// "Mozilla/5.0 (X11...)" and "Mozilla/5.0 (Windows...)" share one decision.
func UserAgentClass(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if i := strings.IndexAny(ua, "/ "); i >= 0 {
		ua = ua[:i]
	}
	if ua == "" {
		return "*"
	}
	return strings.ToLower(ua)
}
