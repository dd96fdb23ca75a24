package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/app"
	"github.com/JakeFAU/politescrape/internal/config"
	"github.com/JakeFAU/politescrape/internal/scraper"
)

// pageTransport serves canned HTML keyed by URL; unknown URLs return 404.
type pageTransport struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (p *pageTransport) Fetch(_ context.Context, req scraper.FetchRequest) (scraper.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	body, ok := p.pages[req.URL]
	if !ok {
		return scraper.Response{StatusCode: 404, FinalURL: req.URL}, nil
	}
	return scraper.Response{StatusCode: 200, Body: []byte(body), FinalURL: req.URL}, nil
}

func (p *pageTransport) Close() error { return nil }

// setupCLI writes a config file and swaps the app factory for one backed by
// transport. It returns the config path and the temp dir.
func setupCLI(t *testing.T, transport scraper.Transport, extra string) (string, string) {
	t.Helper()
	for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "TARGET_URL", "SELECTORS", "USER_AGENTS"} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"delay_min: 0",
		"delay_max: 0",
		"max_retries: 0",
		"respect_robots: false",
		"target_url: https://example.test/a",
		"output_json: " + filepath.Join(dir, "out.json"),
		"output_csv: " + filepath.Join(dir, "out.csv"),
		"wiki_output_file: " + filepath.Join(dir, "wiki.csv"),
		"log_file: " + filepath.Join(dir, "scraper.log"),
		extra,
	}, "\n")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(cfg config.Config) (*app.App, error) {
		return app.New(cfg,
			app.WithLogger(zap.NewNop()),
			app.WithTransportFactory(func(config.Config, *zap.Logger) (scraper.Transport, error) {
				return transport, nil
			}),
		)
	}
	return cfgPath, dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "politescrape dev\n", out)
}

func TestScrapeCommandWritesExports(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{
		"https://example.test/a": `<html><head><title>A</title></head><body><h1>Alpha</h1><a href="/x">x</a><a href="/y">y</a></body></html>`,
		"https://example.test/b": `<html><body><h1>Beta</h1></body></html>`,
	}}
	cfgPath, dir := setupCLI(t, transport, "")

	out, err := runCLI(t, "--config", cfgPath, "scrape", "-q", "--parallel", "2",
		"--selector", "heading=h1", "--selector", "links=a",
		"https://example.test/a", "https://example.test/b")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 2 record(s)")
	assert.Contains(t, out, "requests attempted: 2")
	assert.Contains(t, out, "requests succeeded: 2")

	raw, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "Alpha", records[0]["heading"])
	assert.Equal(t, []any{"/x", "/y"}, records[0]["links"])
	assert.Equal(t, "Beta", records[1]["heading"])
	assert.Nil(t, records[1]["links"])

	csvRaw, err := os.ReadFile(filepath.Join(dir, "out.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvRaw), "heading,links"))
}

func TestScrapeCommandDefaultsToTargetURL(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{
		"https://example.test/a": `<html><body><h1>Alpha</h1></body></html>`,
	}}
	cfgPath, _ := setupCLI(t, transport, "")

	out, err := runCLI(t, "--config", cfgPath, "scrape")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 1 record(s)")
	assert.Equal(t, 1, transport.calls)
}

func TestScrapeCommandAllFailed(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{}}
	cfgPath, dir := setupCLI(t, transport, "")

	out, err := runCLI(t, "--config", cfgPath, "scrape", "https://example.test/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 1 url(s) failed")
	assert.Contains(t, out, "requests failed:    1")
	_, statErr := os.Stat(filepath.Join(dir, "out.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestScrapeCommandPartialFailureSucceeds(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{
		"https://example.test/a": `<html><body><h1>Alpha</h1></body></html>`,
	}}
	cfgPath, _ := setupCLI(t, transport, "")

	out, err := runCLI(t, "--config", cfgPath, "scrape", "-q",
		"https://example.test/a", "https://example.test/missing")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 1 record(s)")
}

func TestScrapeCommandRejectsBadFlags(t *testing.T) {
	cfgPath, _ := setupCLI(t, &pageTransport{}, "")

	_, err := runCLI(t, "--config", cfgPath, "scrape", "--selector", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want name=css")

	_, err = runCLI(t, "--config", cfgPath, "scrape", "--parallel", "0")
	require.Error(t, err)
}

func TestWikiCommand(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{
		"https://example.test/wiki": `<table><tr><th>Country</th><th>Population</th></tr>
<tr><td>A</td><td>1</td></tr><tr><td>B</td><td>2</td></tr></table>`,
	}}
	cfgPath, dir := setupCLI(t, transport, "wiki_url: https://example.test/wiki")

	out, err := runCLI(t, "--config", cfgPath, "wiki")
	require.NoError(t, err)
	assert.Contains(t, out, "2 rows x 2 columns")

	raw, err := os.ReadFile(filepath.Join(dir, "wiki.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Country,Population\nA,1\nB,2\n", string(raw))
}

func TestWikiCommandIndexOutOfRange(t *testing.T) {
	transport := &pageTransport{pages: map[string]string{
		"https://example.test/wiki": `<table><tr><th>h</th></tr><tr><td>v</td></tr></table>`,
	}}
	cfgPath, _ := setupCLI(t, transport, "wiki_url: https://example.test/wiki")

	_, err := runCLI(t, "--config", cfgPath, "wiki", "--index", "3")
	require.Error(t, err)
}

func TestParseSelectorFlags(t *testing.T) {
	got, err := parseSelectorFlags([]string{"title = h1", "price=span.price"})
	require.NoError(t, err)
	assert.Equal(t, scraper.SelectorMap{"title": "h1", "price": "span.price"}, got)

	_, err = parseSelectorFlags([]string{"=h1"})
	require.Error(t, err)
	_, err = parseSelectorFlags([]string{"bad=div[["})
	require.Error(t, err)
}

func TestMergeStatistics(t *testing.T) {
	merged := mergeStatistics([]scraper.Statistics{
		{RequestsAttempted: 2, RequestsSucceeded: 1, RequestsFailed: 1, RetriesPerformed: 3},
		{RequestsAttempted: 1, RequestsSucceeded: 1, RobotsBlocked: 1},
	})
	assert.Equal(t, int64(3), merged.RequestsAttempted)
	assert.Equal(t, int64(2), merged.RequestsSucceeded)
	assert.Equal(t, int64(1), merged.RequestsFailed)
	assert.Equal(t, int64(3), merged.RetriesPerformed)
	assert.Equal(t, int64(1), merged.RobotsBlocked)
}
