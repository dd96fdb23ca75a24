package scraper

import (
	"context"
	"sync"
)

type fakeResponse struct {
	status int
	body   string
	err    error
}

// fakeTransport replays scripted responses; the last one repeats.
type fakeTransport struct {
	mu        sync.Mutex
	responses []fakeResponse
	requests  []FetchRequest
	closed    int
}

func newFakeTransport(responses ...fakeResponse) *fakeTransport {
	return &fakeTransport{responses: responses}
}

func (f *fakeTransport) Fetch(ctx context.Context, req FetchRequest) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.err != nil {
		return Response{}, r.err
	}
	return Response{StatusCode: r.status, Body: []byte(r.body), FinalURL: req.URL}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type staticPolicy struct {
	allowed bool
	err     error
	calls   int
}

func (p *staticPolicy) Allowed(context.Context, string, string) (bool, error) {
	p.calls++
	return p.allowed, p.err
}

type noWait struct{}

func (noWait) Wait(context.Context, string) error { return nil }

type fixedIdentity struct{ ua string }

func (f fixedIdentity) Next() Identity          { return Identity{UserAgent: f.ua} }
func (f fixedIdentity) UserAgentClass() string { return f.ua }

// cycleIdentity hands out user-agents in order, wrapping around.
type cycleIdentity struct {
	mu  sync.Mutex
	uas []string
	n   int
}

func (c *cycleIdentity) Next() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	ua := c.uas[c.n%len(c.uas)]
	c.n++
	return Identity{UserAgent: ua}
}

func (c *cycleIdentity) UserAgentClass() string { return c.uas[0] }

// agentPolicy disallows the listed user-agents and allows the rest.
type agentPolicy struct {
	denied map[string]bool
}

func (p agentPolicy) Allowed(_ context.Context, _ string, userAgent string) (bool, error) {
	return !p.denied[userAgent], nil
}

// cancelOnSecondWait lets the first wait through and cancels the second.
type cancelOnSecondWait struct {
	cancel context.CancelFunc
	calls  int
}

func (w *cancelOnSecondWait) Wait(ctx context.Context, _ string) error {
	w.calls++
	if w.calls == 1 {
		return nil
	}
	w.cancel()
	return ctx.Err()
}
