package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/politescrape/internal/scraper"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	_, err = New(Config{WindowWidth: -1})
	require.Error(t, err)

	tr, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, cap(tr.limiter))
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{Headless: true})
	require.NoError(t, err)
	base := len(tr.allocatorOptions(nil))

	tr, err = New(Config{Headless: true, WindowWidth: 800, WindowHeight: 600, ExecPath: "/usr/bin/chromium"})
	require.NoError(t, err)
	proxy, err := url.Parse("http://proxy:3128")
	require.NoError(t, err)
	assert.Equal(t, base+3, len(tr.allocatorOptions(proxy)))
}

func TestAcquireHonorsCancellation(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	require.NoError(t, tr.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = tr.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	tr.release()
	require.NoError(t, tr.acquire(context.Background()))
}

func TestCloseIsIdempotentAndRejectsFetch(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Fetch(context.Background(), scraper.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})

	status, headers, got := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, "https://example.com/rendered", got)

	meta = newResponseMeta()
	status, _, got = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", got)

	_, _, got = newResponseMeta().snapshotWithFallbacks("https://req", "")
	assert.Equal(t, "https://req", got)
}

func TestParseWindowSize(t *testing.T) {
	t.Parallel()

	w, h, err := ParseWindowSize("1920,1080")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h, err = ParseWindowSize(" 800 , 600 ")
	require.NoError(t, err)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)

	for _, bad := range []string{"", "1920", "a,b", "0,100", "1,2,3"} {
		_, _, err := ParseWindowSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestFetchRendersPage(t *testing.T) {
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	execPath := ""
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			execPath = p
			break
		}
	}
	if execPath == "" {
		t.Skip("chrome not installed")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body><h1>%s</h1><script>document.body.dataset.js='1'</script></body></html>",
			r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	tr, err := New(Config{Headless: true, ExecPath: execPath, MaxParallel: 1})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := tr.Fetch(ctx, scraper.FetchRequest{
		URL:      srv.URL,
		Identity: scraper.Identity{UserAgent: "browser-test/1.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "browser-test/1.0")
	assert.Contains(t, string(resp.Body), `data-js="1"`)
}
