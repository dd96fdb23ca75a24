package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func robotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestPolicyGuardAllowsAndDisallows(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	guard := NewPolicyGuard(true)
	ctx := context.Background()

	allowed, err := guard.Allowed(ctx, srv.URL+"/allowed", "test-agent/1.0")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = guard.Allowed(ctx, srv.URL+"/blocked/page", "test-agent/1.0")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.EqualValues(t, 1, hits.Load(), "robots.txt should be cached per host")
}

func TestPolicyGuardDisabledNeverFetches(t *testing.T) {
	t.Parallel()

	srv, hits := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /\n")
	guard := NewPolicyGuard(false)

	allowed, err := guard.Allowed(context.Background(), srv.URL+"/anything", "test-agent")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, hits.Load())
}

func TestPolicyGuardStatusSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		allowed bool
	}{
		{name: "not found allows all", status: http.StatusNotFound, allowed: true},
		{name: "forbidden allows all", status: http.StatusForbidden, allowed: true},
		{name: "server error disallows all", status: http.StatusInternalServerError, allowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := robotsServer(t, tt.status, "")
			guard := NewPolicyGuard(true)
			allowed, err := guard.Allowed(context.Background(), srv.URL+"/page", "test-agent")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestPolicyGuardUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	guard := NewPolicyGuard(true, WithPolicyClient(&http.Client{Timeout: time.Second}))
	allowed, err := guard.Allowed(context.Background(), addr+"/page", "test-agent")
	assert.False(t, allowed)

	var policyErr *PolicyFetchError
	require.ErrorAs(t, err, &policyErr)
	assert.NotEmpty(t, policyErr.Host)
}

func TestPolicyGuardAgentSpecificRules(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: badbot\nDisallow: /\n\nUser-agent: *\nDisallow:\n")
	guard := NewPolicyGuard(true)
	ctx := context.Background()

	allowed, err := guard.Allowed(ctx, srv.URL+"/page", "BadBot/2.0")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = guard.Allowed(ctx, srv.URL+"/page", "Mozilla/5.0 (X11; Linux x86_64)")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestPolicyGuardCrawlDelay(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: *\nCrawl-delay: 2\nDisallow: /private\n")
	guard := NewPolicyGuard(true)

	assert.Zero(t, guard.CrawlDelay(srv.URL+"/page", "test-agent"), "no delay before robots.txt is loaded")

	_, err := guard.Allowed(context.Background(), srv.URL+"/page", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, guard.CrawlDelay(srv.URL+"/page", "test-agent"))
}

func TestPolicyGuardConcurrentSessions(t *testing.T) {
	t.Parallel()

	srv, _ := robotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	guard := NewPolicyGuard(true)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := "/public"
			if i%2 == 1 {
				path = "/private/x"
			}
			allowed, err := guard.Allowed(context.Background(), srv.URL+path, "test-agent")
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, allowed)
		}()
	}
	wg.Wait()
}

func TestUserAgentClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mozilla", UserAgentClass("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.Equal(t, "mozilla", UserAgentClass("Mozilla/5.0 (Windows NT 10.0)"))
	assert.Equal(t, "curl", UserAgentClass("curl/8.0"))
	assert.Equal(t, "bot", UserAgentClass("  Bot  "))
	assert.Equal(t, "*", UserAgentClass(""))
}
