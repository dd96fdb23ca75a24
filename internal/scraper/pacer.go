package scraper

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/politescrape/internal/metrics"
)

// CrawlDelayFunc reports the robots.txt Crawl-delay for a URL, zero if none.
type CrawlDelayFunc func(rawURL string) time.Duration

// Pacer enforces a randomized delay window before every request of one
// session. When a host publishes a Crawl-delay, successive requests to that
// host are additionally spaced by it.
type Pacer struct {
	min        time.Duration
	max        time.Duration
	crawlDelay CrawlDelayFunc

	mu       sync.Mutex
	rng      *rand.Rand
	limiters map[string]*rate.Limiter
}

// PacerOption customizes a Pacer.
type PacerOption func(*Pacer)

// WithCrawlDelay makes the pacer honor per-host Crawl-delay values.
func WithCrawlDelay(fn CrawlDelayFunc) PacerOption {
	return func(p *Pacer) { p.crawlDelay = fn }
}

// WithPacerRand replaces the random source.
func WithPacerRand(rng *rand.Rand) PacerOption {
	return func(p *Pacer) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// NewPacer builds a pacer for the [min, max] window. A window with
// min > max collapses to max; negative bounds are treated as zero.
func NewPacer(minDelay, maxDelay time.Duration, opts ...PacerOption) *Pacer {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	if minDelay > maxDelay {
		minDelay = maxDelay
	}
	p := &Pacer{
		min:      minDelay,
		max:      maxDelay,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait implements Waiter. It returns early with an error when ctx ends.
func (p *Pacer) Wait(ctx context.Context, rawURL string) error {
	delay := p.Next()
	metrics.ObservePacerDelay(delay)
	if err := sleepContext(ctx, delay); err != nil {
		return err
	}
	return p.waitHost(ctx, rawURL)
}

// Next draws the next delay from the window; zero when max <= 0.
func (p *Pacer) Next() time.Duration {
	if p.max <= 0 {
		return 0
	}
	if p.min == p.max {
		return p.max
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.max - p.min
	return p.min + time.Duration(p.rng.Int64N(int64(span)+1))
}

func (p *Pacer) waitHost(ctx context.Context, rawURL string) error {
	if p.crawlDelay == nil {
		return nil
	}
	delay := p.crawlDelay(rawURL)
	if delay <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(parsed.Host)
	limit := rate.Every(delay)

	p.mu.Lock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(limit, 1)
		p.limiters[host] = limiter
	} else if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("crawl-delay wait: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacer wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
