// Package collytransport implements the plain HTTP transport using gocolly.
package collytransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/scraper"
)

const defaultMaxBodySize = 10 << 20

// Config controls collector behavior.
type Config struct {
	Timeout     time.Duration
	MaxBodySize int
	Logger      *zap.Logger
}

// Transport implements scraper.Transport with a fresh Colly collector per
// attempt. Connections are pooled per proxy endpoint and reused across
// attempts.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP GET using Colly. Every status is returned as
// a Response; only connection-level failures produce an error.
func (t *Transport) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.Response, error) {
	target, err := url.Parse(request.URL)
	if err != nil {
		return scraper.Response{}, fmt.Errorf("parse url: %w", err)
	}
	var (
		result   scraper.Response
		fetchErr error
	)
	collector := t.buildCollector(ctx, request, target, &result, &fetchErr)
	if err := t.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return scraper.Response{}, err
	}
	if result.FinalURL == "" {
		result.FinalURL = request.URL
	}
	return result, nil
}

func (t *Transport) buildCollector(
	ctx context.Context,
	request scraper.FetchRequest,
	target *url.URL,
	result *scraper.Response,
	fetchErr *error,
) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.UserAgent = request.Identity.UserAgent
	// robots.txt is decided before the transport is reached.
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = t.cfg.MaxBodySize
	collector.SetRequestTimeout(t.cfg.Timeout)
	collector.WithTransport(&contextTransport{
		ctx:  ctx,
		base: t.pool(request.Identity.ProxyFor(target.Scheme)),
	})

	t.configureCollectorHooks(collector, request, result, fetchErr)
	return collector
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	request scraper.FetchRequest,
	result *scraper.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		t.logger.Debug("colly request",
			zap.String("url", r.URL.String()),
			zap.Int("attempt", request.Attempt+1),
		)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = scraper.Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			FinalURL:   finalURL,
			Header:     headers,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// Statuses reach OnResponse; only transport failures arrive here.
		if r != nil && r.StatusCode != 0 {
			return
		}
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: colly visit failed: %w", scraper.ErrTransient, err)
	}
}

// pool returns the shared http.Transport for a proxy, nil meaning direct.
func (t *Transport) pool(proxy *url.URL) *http.Transport {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.pools[key]; ok {
		return tr
	}
	tr := newHTTPTransport(proxy)
	t.pools[key] = tr
	return tr
}

// Close drops idle connections on every pooled transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, tr := range t.pools {
		tr.CloseIdleConnections()
		delete(t.pools, key)
	}
	return nil
}

// contextTransport binds colly's context-free requests to the caller's
// context so cancellation aborts in-flight I/O.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (c *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.base.RoundTrip(req.WithContext(c.ctx))
	if err != nil {
		return nil, fmt.Errorf("round trip: %w", err)
	}
	return resp, nil
}

func newHTTPTransport(proxy *url.URL) *http.Transport {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	}
	return tr
}
