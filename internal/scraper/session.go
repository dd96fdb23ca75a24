package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options is the core subset of configuration a Session needs.
type Options struct {
	DelayMin      time.Duration
	DelayMax      time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RespectRobots bool
	Selectors     SelectorMap
	Identity      IdentityConfig
	// TransportName labels metrics; defaults to "plain".
	TransportName string
}

// DefaultSelectors is used when neither the call nor the options give any.
var DefaultSelectors = SelectorMap{
	"title":       "h1",
	"description": `meta[name="description"]`,
	"links":       "a[href]",
}

// Session is one logical scraping flow. It owns its transport and pacer,
// serializes its own calls and keeps running statistics.
type Session struct {
	opts      Options
	transport Transport
	fetcher   *RetryingFetcher
	extractor *Extractor
	stats     *counters

	policy    *PolicyGuard
	clock     Clock
	ids       IDGenerator
	hasher    Hasher
	logger    *zap.Logger
	sessionID string

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithClock sets the clock used for ScrapedAt timestamps.
func WithClock(clock Clock) SessionOption {
	return func(s *Session) { s.clock = clock }
}

// WithIDGenerator sets the session ID source.
func WithIDGenerator(ids IDGenerator) SessionOption {
	return func(s *Session) { s.ids = ids }
}

// WithHasher sets the content digest used for provenance.
func WithHasher(h Hasher) SessionOption {
	return func(s *Session) { s.hasher = h }
}

// WithPolicy shares a PolicyGuard between sessions.
func WithPolicy(policy *PolicyGuard) SessionOption {
	return func(s *Session) { s.policy = policy }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSession wires a session around the given transport. The session takes
// ownership of transport and closes it in Close.
func NewSession(opts Options, transport Transport, sessionOpts ...SessionOption) (*Session, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := opts.Selectors.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		opts:      opts,
		transport: transport,
		clock:     systemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range sessionOpts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		s.sessionID = id
		s.logger = s.logger.With(zap.String("session_id", id))
	}

	identities, err := NewIdentityRotator(opts.Identity)
	if err != nil {
		return nil, err
	}
	if s.policy == nil {
		s.policy = NewPolicyGuard(opts.RespectRobots, WithPolicyLogger(s.logger))
	}
	uaClass := identities.UserAgentClass()
	pacer := NewPacer(opts.DelayMin, opts.DelayMax, WithCrawlDelay(func(rawURL string) time.Duration {
		return s.policy.CrawlDelay(rawURL, uaClass)
	}))

	s.stats = newCounters(s.clock.Now())
	s.fetcher = NewRetryingFetcher(
		FetcherConfig{MaxRetries: opts.MaxRetries, Timeout: opts.Timeout, TransportName: opts.TransportName},
		s.policy,
		identities,
		pacer,
		transport,
		s.stats,
		s.logger,
	)
	s.extractor = NewExtractor(s.logger)
	return s, nil
}

// ID returns the session identifier, empty when no generator was supplied.
func (s *Session) ID() string { return s.sessionID }

// Scrape fetches one URL and applies selectors, or the configured defaults
// when selectors is nil. A failed fetch never yields a partial record.
func (s *Session) Scrape(ctx context.Context, rawURL string, selectors SelectorMap) (ExtractedRecord, error) {
	selectors = s.selectorsFor(selectors)
	if err := selectors.Validate(); err != nil {
		return ExtractedRecord{}, err
	}

	result, err := s.fetch(ctx, rawURL)
	if err != nil {
		return ExtractedRecord{}, err
	}

	body := string(result.Body)
	fields, err := s.extractor.Extract(body, selectors)
	if err != nil {
		return ExtractedRecord{}, err
	}
	record := ExtractedRecord{
		Fields:    fields,
		SourceURL: rawURL,
		FinalURL:  result.FinalURL,
		ScrapedAt: s.clock.Now(),
		Title:     Title(body),
		SessionID: s.sessionID,
	}
	if s.hasher != nil {
		digest, herr := s.hasher.Hash(result.Body)
		if herr != nil {
			s.logger.Warn("content hash failed", zap.String("url", rawURL), zap.Error(herr))
		} else {
			record.ContentHash = digest
		}
	}
	s.logger.Info("scraped page", zap.String("url", rawURL), zap.Int("fields", len(fields)))
	return record, nil
}

// ScrapeAll scrapes urls in order. Successful records are returned even when
// some URLs fail; the failures are joined into the returned error.
func (s *Session) ScrapeAll(ctx context.Context, urls []string, selectors SelectorMap) ([]ExtractedRecord, error) {
	records := make([]ExtractedRecord, 0, len(urls))
	var errs []error
	for _, rawURL := range urls {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		record, err := s.Scrape(ctx, rawURL, selectors)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, record)
	}
	return records, errors.Join(errs...)
}

// FetchHTML runs the fetch pipeline without extraction and returns the body.
func (s *Session) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	result, err := s.fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return string(result.Body), nil
}

func (s *Session) fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return FetchResult{}, ErrSessionClosed
	}
	result := s.fetcher.Fetch(ctx, rawURL)
	if err := result.AsError(); err != nil {
		return FetchResult{}, err
	}
	return result, nil
}

// Statistics returns a snapshot of the session counters.
func (s *Session) Statistics() Statistics {
	return s.stats.snapshot()
}

// Close releases the transport. Calling it more than once is safe and
// returns the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.transport.Close(); err != nil {
			s.closeErr = fmt.Errorf("close transport: %w", err)
		}
		stats := s.stats.snapshot()
		s.logger.Info("session closed",
			zap.Int64("requests_attempted", stats.RequestsAttempted),
			zap.Int64("requests_succeeded", stats.RequestsSucceeded),
			zap.Int64("requests_failed", stats.RequestsFailed),
			zap.Int64("retries_performed", stats.RetriesPerformed),
			zap.Int64("robots_blocked", stats.RobotsBlocked),
		)
	})
	return s.closeErr
}

// WithSession opens a session, runs fn, and closes the session on every
// path, including a panic in fn.
func WithSession(
	opts Options,
	transport Transport,
	fn func(*Session) error,
	sessionOpts ...SessionOption,
) (err error) {
	sess, err := NewSession(opts, transport, sessionOpts...)
	if err != nil {
		if transport == nil {
			return err
		}
		if cerr := transport.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(sess)
}

func (s *Session) selectorsFor(selectors SelectorMap) SelectorMap {
	if selectors != nil {
		return selectors
	}
	if len(s.opts.Selectors) > 0 {
		return s.opts.Selectors
	}
	return DefaultSelectors
}
