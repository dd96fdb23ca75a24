package app_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/app"
	"github.com/JakeFAU/politescrape/internal/config"
	"github.com/JakeFAU/politescrape/internal/scraper"
	collytransport "github.com/JakeFAU/politescrape/internal/transport/colly"
	"github.com/JakeFAU/politescrape/internal/transport/headless"
)

// MockTransport mocks scraper.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Fetch(ctx context.Context, req scraper.FetchRequest) (scraper.Response, error) {
	args := m.Called(ctx, req.URL)
	return args.Get(0).(scraper.Response), args.Error(1)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func baseConfig() config.Config {
	return config.Config{
		Timeout:            5,
		MaxRetries:         1,
		LogLevel:           "INFO",
		SeleniumWindowSize: "1280,720",
		SeleniumHeadless:   true,
	}
}

func TestNewSessionUsesFactoryAndClosesTransport(t *testing.T) {
	t.Parallel()

	transport := &MockTransport{}
	transport.On("Fetch", mock.Anything, "https://example.com/").
		Return(scraper.Response{StatusCode: http.StatusOK, Body: []byte("<h1>hi</h1>")}, nil).Once()
	transport.On("Close").Return(nil).Once()

	a, err := app.New(baseConfig(),
		app.WithLogger(zap.NewNop()),
		app.WithTransportFactory(func(config.Config, *zap.Logger) (scraper.Transport, error) {
			return transport, nil
		}),
	)
	require.NoError(t, err)
	defer a.Close()

	sess, err := a.NewSession(a.Config())
	require.NoError(t, err)
	record, err := sess.Scrape(context.Background(), "https://example.com/", scraper.SelectorMap{"h": "h1"})
	require.NoError(t, err)
	assert.Equal(t, "hi", record.Get("h").String())
	assert.NotEmpty(t, record.SessionID)
	assert.Len(t, record.ContentHash, 64)

	require.NoError(t, sess.Close())
	transport.AssertExpectations(t)
}

func TestNewSessionClosesTransportOnInvalidConfig(t *testing.T) {
	t.Parallel()

	transport := &MockTransport{}
	transport.On("Close").Return(nil).Once()

	a, err := app.New(baseConfig(),
		app.WithLogger(zap.NewNop()),
		app.WithTransportFactory(func(config.Config, *zap.Logger) (scraper.Transport, error) {
			return transport, nil
		}),
	)
	require.NoError(t, err)

	cfg := a.Config()
	cfg.Selectors = scraper.SelectorMap{"bad": "[["}
	_, err = a.NewSession(cfg)
	require.Error(t, err)
	transport.AssertExpectations(t)
}

func TestPolicyIsSharedPerSetting(t *testing.T) {
	t.Parallel()

	a, err := app.New(baseConfig(), app.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	assert.Same(t, a.Policy(true), a.Policy(true))
	assert.NotSame(t, a.Policy(true), a.Policy(false))
	assert.True(t, a.Policy(true).Respects())
	assert.False(t, a.Policy(false).Respects())
}

func TestDefaultTransportSelection(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	tr, err := app.DefaultTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &collytransport.Transport{}, tr)
	require.NoError(t, tr.Close())

	cfg.UseSelenium = true
	tr, err = app.DefaultTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &headless.Transport{}, tr)
	require.NoError(t, tr.Close())

	cfg.SeleniumWindowSize = "wide"
	_, err = app.DefaultTransport(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestCloseWritesMetricsFile(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.MetricsFile = filepath.Join(t.TempDir(), "scraper.prom")
	a, err := app.New(cfg, app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	a.Close()

	raw, err := os.ReadFile(cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}
