package scraper

import (
	"errors"
	"fmt"
)

// ErrTransient marks a failure that a retry may resolve. Transports wrap it
// around connection and timeout errors; it never escapes RetryingFetcher.
var ErrTransient = errors.New("transient fetch failure")

// PolicyFetchError reports that robots.txt could not be retrieved and no
// cached decision existed for the host.
type PolicyFetchError struct {
	Host string
	Err  error
}

func (e *PolicyFetchError) Error() string {
	return fmt.Sprintf("robots.txt for %s unreachable: %v", e.Host, e.Err)
}

func (e *PolicyFetchError) Unwrap() error { return e.Err }

// BlockedError is returned when robots.txt policy forbids the URL. Err is
// set when the decision came from a failure, such as a *PolicyFetchError.
type BlockedError struct {
	URL    string
	Reason string
	Err    error
}

func (e *BlockedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blocked %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("blocked %s: %s", e.URL, e.Reason)
}

func (e *BlockedError) Unwrap() error { return e.Err }

// FetchError is the terminal failure of a fetch after classification.
type FetchError struct {
	URL        string
	Kind       FailureKind
	Attempts   int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s) (status %d): %v", e.URL, e.Kind, e.Attempts, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s) (status %d)", e.URL, e.Kind, e.Attempts, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s): %v", e.URL, e.Kind, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.URL, e.Kind, e.Attempts)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// SelectorError identifies a field whose selector does not compile.
type SelectorError struct {
	Field    string
	Selector string
	Err      error
}

func (e *SelectorError) Error() string {
	if e.Selector == "" && e.Err == nil {
		return fmt.Sprintf("field %q: empty selector", e.Field)
	}
	return fmt.Sprintf("field %q: invalid selector %q: %v", e.Field, e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error { return e.Err }

// IsBlocked reports whether err is a robots.txt block.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}

// IsClientError reports whether err is a non-retryable HTTP failure.
func IsClientError(err error) bool {
	return failureKindOf(err) == FailureClientError
}

// IsExhausted reports whether err means every retry was consumed.
func IsExhausted(err error) bool {
	return failureKindOf(err) == FailureExhausted
}

func failureKindOf(err error) FailureKind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return ""
}

// ErrSessionClosed is returned by calls on a closed Session.
var ErrSessionClosed = errors.New("session closed")
