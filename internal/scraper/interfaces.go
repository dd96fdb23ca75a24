package scraper

import (
	"context"
	"time"
)

// Transport issues a single GET for a request. Non-2xx statuses are returned
// as a Response with a nil error; only transport-level failures return an
// error, wrapped with ErrTransient when a retry may help.
type Transport interface {
	Fetch(ctx context.Context, request FetchRequest) (Response, error)
	Close() error
}

// RobotsPolicy decides whether a user-agent may fetch a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL, userAgent string) (bool, error)
}

// IdentitySource supplies the identity for each attempt.
type IdentitySource interface {
	Next() Identity
	// UserAgentClass returns the UA used for Crawl-delay lookups.
	UserAgentClass() string
}

// Waiter blocks before every request.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests recorded as provenance.
type Hasher interface {
	Hash(data []byte) (string, error)
}
