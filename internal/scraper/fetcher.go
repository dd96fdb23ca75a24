package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/metrics"
)

// RetryingFetcher resolves a URL into a FetchResult. It draws an identity and
// consults robots.txt for its user-agent, then loops over attempts: pace,
// rotate the identity, call the transport, classify. No request is sent with
// a user-agent robots.txt disallows. Backoff between attempts comes from the pacer window
// only; there is no multiplicative growth.
type RetryingFetcher struct {
	policy     RobotsPolicy
	identities IdentitySource
	pacer      Waiter
	transport  Transport
	stats      *counters
	maxRetries int
	timeout    time.Duration
	name       string
	logger     *zap.Logger
}

// FetcherConfig carries the retry and timeout knobs.
type FetcherConfig struct {
	MaxRetries int
	Timeout    time.Duration
	// TransportName labels metrics; "plain" or "browser".
	TransportName string
}

// NewRetryingFetcher composes the fetch pipeline. Statistics are written into
// stats, which the owning session exposes.
func NewRetryingFetcher(
	cfg FetcherConfig,
	policy RobotsPolicy,
	identities IdentitySource,
	pacer Waiter,
	transport Transport,
	stats *counters,
	logger *zap.Logger,
) *RetryingFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = newCounters(time.Now().UTC())
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TransportName == "" {
		cfg.TransportName = "plain"
	}
	return &RetryingFetcher{
		policy:     policy,
		identities: identities,
		pacer:      pacer,
		transport:  transport,
		stats:      stats,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		name:       cfg.TransportName,
		logger:     logger,
	}
}

// Fetch runs the pipeline for one URL. It increments requests_attempted once
// and exactly one of requests_succeeded or requests_failed.
func (f *RetryingFetcher) Fetch(ctx context.Context, rawURL string) FetchResult {
	f.stats.update(func(s *Statistics) { s.RequestsAttempted++ })
	result := f.fetch(ctx, rawURL)
	f.stats.update(func(s *Statistics) {
		if result.Kind == ResultSuccess {
			s.RequestsSucceeded++
		} else {
			s.RequestsFailed++
		}
		if result.Kind == ResultBlocked {
			s.RobotsBlocked++
		}
	})
	metrics.ObserveResult(resultLabel(result))
	return result
}

func (f *RetryingFetcher) fetch(ctx context.Context, rawURL string) FetchResult {
	logger := f.logger.With(zap.String("url", rawURL))

	if err := validateURL(rawURL); err != nil {
		logger.Warn("rejecting url", zap.Error(err))
		return FetchResult{Kind: ResultFailure, URL: rawURL, Failure: FailureInvalidURL, Err: err}
	}

	identity := f.identities.Next()
	if blocked, reason, err := f.checkPolicy(ctx, rawURL, identity.UserAgent); blocked {
		logger.Warn("scraping disallowed by robots.txt", zap.String("reason", reason), zap.Error(err))
		metrics.ObserveRobotsBlocked(rawURL)
		return FetchResult{Kind: ResultBlocked, URL: rawURL, Reason: reason, Err: err}
	}

	maxAttempts := f.maxRetries + 1
	req := FetchRequest{URL: rawURL, Attempt: 0, Identity: identity}
	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := f.pacer.Wait(ctx, rawURL); err != nil {
			return f.exhausted(rawURL, attempt-1, lastStatus, err)
		}
		if attempt > 1 {
			f.stats.update(func(s *Statistics) { s.RetriesPerformed++ })
			metrics.ObserveRetry(rawURL)
			req = req.Next(f.rotate(ctx, rawURL, req.Identity))
		}

		resp, err := f.attempt(ctx, req)
		outcome := classify(resp.StatusCode, err)
		switch outcome {
		case outcomeSuccess:
			logger.Info("successful request", zap.Int("attempt", attempt), zap.Int("status_code", resp.StatusCode))
			return FetchResult{
				Kind:         ResultSuccess,
				URL:          rawURL,
				StatusCode:   resp.StatusCode,
				Body:         resp.Body,
				FinalURL:     firstNonEmpty(resp.FinalURL, rawURL),
				AttemptCount: attempt,
			}
		case outcomeClientError:
			logger.Warn("non-retryable response", zap.Int("attempt", attempt), zap.Int("status_code", resp.StatusCode))
			return FetchResult{
				Kind:         ResultFailure,
				URL:          rawURL,
				Failure:      FailureClientError,
				StatusCode:   resp.StatusCode,
				AttemptCount: attempt,
				Err:          fmt.Errorf("http status %d", resp.StatusCode),
			}
		case outcomeCanceled:
			return f.exhausted(rawURL, attempt, resp.StatusCode, err)
		}

		lastStatus = resp.StatusCode
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: http status %d", ErrTransient, resp.StatusCode)
		}
		logger.Warn("request failed",
			zap.Int("attempt", attempt),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(lastErr),
		)
	}

	logger.Error("all attempts failed", zap.Int("attempts", maxAttempts))
	return f.exhausted(rawURL, maxAttempts, lastStatus, lastErr)
}

// rotate draws the identity for a retry. A drawn user-agent that robots.txt
// does not permit is replaced by the previous one, which was already checked;
// the proxies still rotate.
func (f *RetryingFetcher) rotate(ctx context.Context, rawURL string, prev Identity) Identity {
	next := f.identities.Next()
	if next.UserAgent == prev.UserAgent {
		return next
	}
	if blocked, reason, _ := f.checkPolicy(ctx, rawURL, next.UserAgent); blocked {
		f.logger.Debug("keeping previous user-agent for retry",
			zap.String("url", rawURL),
			zap.String("rejected_user_agent", next.UserAgent),
			zap.String("reason", reason),
		)
		next.UserAgent = prev.UserAgent
	}
	return next
}

// checkPolicy reports whether userAgent must not fetch the URL, with a reason
// and the underlying error if any. An unreachable robots.txt blocks, which is
// the conservative default while robots.txt is respected.
func (f *RetryingFetcher) checkPolicy(ctx context.Context, rawURL, userAgent string) (bool, string, error) {
	if f.policy == nil {
		return false, "", nil
	}
	allowed, err := f.policy.Allowed(ctx, rawURL, userAgent)
	if err != nil {
		var policyErr *PolicyFetchError
		if errors.As(err, &policyErr) {
			return true, "robots.txt unreachable", err
		}
		return true, err.Error(), err
	}
	if !allowed {
		return true, "disallowed by robots.txt", nil
	}
	return false, "", nil
}

func (f *RetryingFetcher) attempt(ctx context.Context, req FetchRequest) (Response, error) {
	attemptCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := f.transport.Fetch(attemptCtx, req)
	metrics.ObserveAttempt(req.URL, resp.StatusCode, f.name, time.Since(start))
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		// The per-attempt deadline fired, not the caller's context.
		err = fmt.Errorf("%w: request timeout after %s", ErrTransient, f.timeout)
	}
	return resp, err
}

func (f *RetryingFetcher) exhausted(rawURL string, attempts, status int, err error) FetchResult {
	return FetchResult{
		Kind:         ResultFailure,
		URL:          rawURL,
		Failure:      FailureExhausted,
		StatusCode:   status,
		AttemptCount: attempts,
		Err:          err,
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomeClientError
	outcomeCanceled
)

// classify maps one attempt onto the retry decision.
func classify(status int, err error) outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return outcomeCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
			return outcomeCanceled
		}
		return outcomeTransient
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case IsTransientStatus(status):
		return outcomeTransient
	default:
		return outcomeClientError
	}
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransientError reports whether a transport error is a plausible
// candidate for retry.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func resultLabel(r FetchResult) string {
	if r.Kind == ResultFailure {
		return string(r.Failure)
	}
	return string(r.Kind)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
