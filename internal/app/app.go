// Package app holds the long-lived services shared by CLI commands and
// builds scrape sessions from configuration.
package app

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/clock/system"
	"github.com/JakeFAU/politescrape/internal/config"
	"github.com/JakeFAU/politescrape/internal/hash/sha256"
	"github.com/JakeFAU/politescrape/internal/id/uuid"
	"github.com/JakeFAU/politescrape/internal/logging"
	"github.com/JakeFAU/politescrape/internal/metrics"
	"github.com/JakeFAU/politescrape/internal/scraper"
	collytransport "github.com/JakeFAU/politescrape/internal/transport/colly"
	"github.com/JakeFAU/politescrape/internal/transport/headless"
)

// TransportFactory builds the transport a new session will own.
type TransportFactory func(cfg config.Config, logger *zap.Logger) (scraper.Transport, error)

// App is the dependency container for one CLI invocation. Robots policy
// guards are shared by every session it builds.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	newTransport TransportFactory

	mu     sync.Mutex
	guards map[bool]*scraper.PolicyGuard
}

// Option customizes an App.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithTransportFactory replaces transport construction, mainly for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *App) { a.newTransport = f }
}

// New builds the App from a validated config.
func New(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		newTransport: DefaultTransport,
		guards:       make(map[bool]*scraper.PolicyGuard),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(logging.Options{
			Level:       cfg.LogLevel,
			File:        cfg.LogFile,
			Development: cfg.LogDevelopment,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		a.logger = logger
	}
	metrics.Init()
	return a, nil
}

// Config returns a copy of the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// GetLogger returns the shared logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// Policy returns the shared guard for the given robots setting.
func (a *App) Policy(respect bool) *scraper.PolicyGuard {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.guards[respect]; ok {
		return g
	}
	g := scraper.NewPolicyGuard(respect, scraper.WithPolicyLogger(a.logger))
	a.guards[respect] = g
	return g
}

// NewSession builds a session for cfg, which may differ from the loaded
// configuration by command-line overrides. The caller must Close it.
func (a *App) NewSession(cfg config.Config) (*scraper.Session, error) {
	transport, err := a.newTransport(cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}
	sess, err := scraper.NewSession(cfg.ScraperOptions(), transport,
		scraper.WithPolicy(a.Policy(cfg.RespectRobots)),
		scraper.WithLogger(a.logger),
		scraper.WithClock(system.New()),
		scraper.WithIDGenerator(uuid.New()),
		scraper.WithHasher(sha256.New()),
	)
	if err != nil {
		if cerr := transport.Close(); cerr != nil {
			a.logger.Warn("failed to close transport", zap.Error(cerr))
		}
		return nil, fmt.Errorf("init session: %w", err)
	}
	return sess, nil
}

// DefaultTransport picks the browser transport when use_selenium is set and
// the plain HTTP transport otherwise.
func DefaultTransport(cfg config.Config, logger *zap.Logger) (scraper.Transport, error) {
	if !cfg.UseSelenium {
		return collytransport.New(collytransport.Config{
			Timeout: cfg.TimeoutDuration(),
			Logger:  logger,
		}), nil
	}
	width, height, err := headless.ParseWindowSize(cfg.SeleniumWindowSize)
	if err != nil {
		return nil, err
	}
	tr, err := headless.New(headless.Config{
		MaxParallel:  cfg.BrowserMaxTabs,
		Headless:     cfg.SeleniumHeadless,
		WindowWidth:  width,
		WindowHeight: height,
		ExecPath:     cfg.ChromeDriverPath,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init browser transport: %w", err)
	}
	return tr, nil
}

// Close flushes the logger and writes the metrics textfile if configured.
func (a *App) Close() {
	if err := metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.logger.Warn("failed to write metrics textfile", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
	}
	// Sync on stderr returns EINVAL on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}
