// Package scraper defines core types shared across subsystems.
package scraper

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// ResultKind tags which variant of a FetchResult is populated.
type ResultKind string

// Result kinds produced by RetryingFetcher.
const (
	ResultSuccess ResultKind = "success"
	ResultBlocked ResultKind = "blocked"
	ResultFailure ResultKind = "failure"
)

// FailureKind classifies a terminal fetch failure.
type FailureKind string

// Failure kinds carried by FetchResult and FetchError.
const (
	FailureExhausted   FailureKind = "exhausted"
	FailureClientError FailureKind = "client_error"
	FailureInvalidURL  FailureKind = "invalid_url"
)

// Identity is the user-agent and optional proxies used for one attempt.
type Identity struct {
	UserAgent  string
	HTTPProxy  *url.URL
	HTTPSProxy *url.URL
}

// ProxyFor returns the proxy matching the target scheme, or nil.
func (i Identity) ProxyFor(scheme string) *url.URL {
	if scheme == "https" {
		return i.HTTPSProxy
	}
	return i.HTTPProxy
}

// FetchRequest captures everything a Transport needs for a single attempt.
// A retry is a new value with Attempt incremented.
type FetchRequest struct {
	URL      string
	Attempt  int
	Identity Identity
}

// Next returns the request for the following attempt.
func (r FetchRequest) Next(identity Identity) FetchRequest {
	return FetchRequest{URL: r.URL, Attempt: r.Attempt + 1, Identity: identity}
}

// Response is what a Transport returns for any HTTP status.
type Response struct {
	StatusCode int
	Body       []byte
	FinalURL   string
	Header     http.Header
}

// FetchResult is the terminal outcome of RetryingFetcher.Fetch. Exactly one of
// the Success, Blocked or Failure field groups is meaningful, selected by Kind.
type FetchResult struct {
	Kind ResultKind
	URL  string

	// Success
	StatusCode int
	Body       []byte
	FinalURL   string

	// Blocked
	Reason string

	// Failure
	Failure      FailureKind
	AttemptCount int

	// Err is the cause of a Failure, or of a Blocked result when robots.txt
	// could not be evaluated.
	Err error
}

// AsError converts a non-success result into the classified error surfaced to callers.
func (r FetchResult) AsError() error {
	switch r.Kind {
	case ResultSuccess:
		return nil
	case ResultBlocked:
		return &BlockedError{URL: r.URL, Reason: r.Reason, Err: r.Err}
	default:
		return &FetchError{
			URL:        r.URL,
			Kind:       r.Failure,
			Attempts:   r.AttemptCount,
			StatusCode: r.StatusCode,
			Err:        r.Err,
		}
	}
}

// Value is one extracted field: nil when nothing matched, otherwise a single
// string or a list of strings in document order.
type Value struct {
	items []string
	multi bool
}

// Null is the value of a field whose selector matched nothing.
var Null = Value{}

// StringValue wraps a single match.
func StringValue(s string) Value {
	return Value{items: []string{s}}
}

// ListValue wraps multiple matches.
func ListValue(items []string) Value {
	return Value{items: append([]string(nil), items...), multi: true}
}

// IsNull reports whether the selector matched nothing.
func (v Value) IsNull() bool { return len(v.items) == 0 && !v.multi }

// IsList reports whether the field matched more than one element.
func (v Value) IsList() bool { return v.multi }

// String returns the single value, or the first item of a list.
func (v Value) String() string {
	if len(v.items) == 0 {
		return ""
	}
	return v.items[0]
}

// Strings returns a copy of every matched value.
func (v Value) Strings() []string {
	return append([]string(nil), v.items...)
}

// Any returns nil, a string, or a []string for serialization.
func (v Value) Any() any {
	switch {
	case v.IsNull():
		return nil
	case v.multi:
		return v.Strings()
	default:
		return v.items[0]
	}
}

// MarshalJSON encodes null, a string, or an array of strings.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// ExtractedRecord maps field names to extracted values and carries provenance.
type ExtractedRecord struct {
	Fields      map[string]Value
	SourceURL   string
	FinalURL    string
	ScrapedAt   time.Time
	Title       string
	ContentHash string
	SessionID   string
}

// Get returns the value for a field, Null if absent.
func (r ExtractedRecord) Get(field string) Value {
	if v, ok := r.Fields[field]; ok {
		return v
	}
	return Null
}

// Map flattens the fields into nil/string/[]string values.
func (r ExtractedRecord) Map() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = v.Any()
	}
	return out
}
