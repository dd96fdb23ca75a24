// Package headless implements the browser transport that renders pages in
// headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/scraper"
)

// Config controls the behavior of the browser transport.
type Config struct {
	// MaxParallel bounds concurrently open tabs; zero means unbounded.
	MaxParallel  int
	Headless     bool
	WindowWidth  int
	WindowHeight int
	// ExecPath points at the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	Logger   *zap.Logger
}

type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Transport implements scraper.Transport with one Chrome instance per proxy
// endpoint, started lazily on first use. Each attempt gets its own tab.
type Transport struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}

	mu       sync.Mutex
	browsers map[string]*browser
	closed   bool
}

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("browser transport closed")

// New validates cfg and builds a Transport. No browser starts until the
// first Fetch.
func New(cfg Config) (*Transport, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be positive")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		limiter:  limiter,
		browsers: make(map[string]*browser),
	}, nil
}

// Fetch navigates a fresh tab and returns the rendered DOM. The document
// status comes from the main-frame response, defaulting to 200.
func (t *Transport) Fetch(ctx context.Context, request scraper.FetchRequest) (scraper.Response, error) {
	target, err := url.Parse(request.URL)
	if err != nil {
		return scraper.Response{}, fmt.Errorf("parse url: %w", err)
	}
	if err := t.acquire(ctx); err != nil {
		return scraper.Response{}, err
	}
	defer t.release()

	b, err := t.browserFor(request.Identity.ProxyFor(target.Scheme))
	if err != nil {
		return scraper.Response{}, err
	}

	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, finalURL, err := t.render(tabCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return scraper.Response{}, fmt.Errorf("chromedp fetch canceled: %w", ctx.Err())
		}
		return scraper.Response{}, fmt.Errorf("%w: %w", scraper.ErrTransient, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	t.logger.Debug("rendered page",
		zap.String("url", request.URL),
		zap.Int("status_code", status),
		zap.Int("attempt", request.Attempt+1),
	)
	return scraper.Response{
		StatusCode: status,
		Body:       []byte(html),
		FinalURL:   responseURL,
		Header:     headers,
	}, nil
}

func (t *Transport) render(ctx context.Context, request scraper.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		networkSetupAction(request.Identity.UserAgent),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func networkSetupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// browserFor returns the running browser for a proxy, starting one if needed.
func (t *Transport) browserFor(proxy *url.URL) (*browser, error) {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if b, ok := t.browsers[key]; ok {
		return b, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), t.allocatorOptions(proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// The first Run on a browser context launches Chrome.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: start chrome: %w", scraper.ErrTransient, err)
	}
	b := &browser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}
	t.browsers[key] = b
	t.logger.Info("started browser", zap.Bool("headless", t.cfg.Headless), zap.String("proxy", key))
	return b, nil
}

func (t *Transport) allocatorOptions(proxy *url.URL) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if t.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.NoSandbox,
	)
	if t.cfg.WindowWidth > 0 && t.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(t.cfg.WindowWidth, t.cfg.WindowHeight))
	}
	if t.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(t.cfg.ExecPath))
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.String()))
	}
	return opts
}

// Close shuts down every browser. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, b := range t.browsers {
		b.cancel()
		b.allocCancel()
		delete(t.browsers, key)
	}
	return nil
}

func (t *Transport) acquire(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	select {
	case t.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser tab wait canceled: %w", ctx.Err())
	}
}

func (t *Transport) release() {
	if t.limiter == nil {
		return
	}
	select {
	case <-t.limiter:
	default:
	}
}

// ParseWindowSize parses "width,height".
func ParseWindowSize(raw string) (int, int, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("window size %q: want width,height", raw)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("window size %q: invalid width", raw)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("window size %q: invalid height", raw)
	}
	return w, h, nil
}
