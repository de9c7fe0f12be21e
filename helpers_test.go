package supabase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/realtime"
)

// testToken builds a structurally valid token. The signature is not checked
// by anything under test.
func testToken(t *testing.T, role string) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]any{"alg": "HS256", "typ": "JWT"})
	payload := enc(map[string]any{"iss": "supabase", "role": role, "ref": "abcdefgh"})
	return header + "." + payload + ".c2lnbmF0dXJl"
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.EndpointURL = "https://abcdefgh.supabase.co"
	cfg.PublicKey = testToken(t, "anon")
	return cfg
}

// fakeClock only fires timers from Advance.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the durations of timers that are armed.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

func (c *fakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.scheduled...)
}

type execFunc func(ctx context.Context, req Request) (Result, error)

func okExec(context.Context, Request) (Result, error) {
	return Result{Data: []byte("[]")}, nil
}

// fakeFactory hands out a new fakeBackend per call; all of them share the
// factory's exec func.
type fakeFactory struct {
	mu       sync.Mutex
	exec     execFunc
	backends []*fakeBackend
}

func newFakeFactory(exec execFunc) *fakeFactory {
	return &fakeFactory{exec: exec}
}

func (f *fakeFactory) setExec(exec execFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exec = exec
}

func (f *fakeFactory) build(config.Config) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &fakeBackend{factory: f}
	f.backends = append(f.backends, b)
	return b, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backends)
}

func (f *fakeFactory) last() *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return nil
	}
	return f.backends[len(f.backends)-1]
}

type fakeBackend struct {
	factory *fakeFactory

	mu           sync.Mutex
	requests     []Request
	channels     []*fakeChannel
	subscribeErr error
	closed       bool
}

func (b *fakeBackend) Execute(ctx context.Context, req Request) (Result, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	b.factory.mu.Lock()
	exec := b.factory.exec
	b.factory.mu.Unlock()
	return exec(ctx, req)
}

func (b *fakeBackend) Subscribe(_ context.Context, spec ChannelSpec, onChange func(realtime.Change), onStatus func(realtime.Status, error)) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	ch := &fakeChannel{spec: spec, onChange: onChange, onStatus: onStatus}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

func (b *fakeBackend) Channels() []*fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeChannel(nil), b.channels...)
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeChannel struct {
	spec     ChannelSpec
	onChange func(realtime.Change)
	onStatus func(realtime.Status, error)

	mu     sync.Mutex
	closed bool
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.onStatus(realtime.StatusClosed, nil)
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recorder collects listener calls.
type recorder struct {
	mu     sync.Mutex
	events []ConnectionEvent
	errs   []error
}

func (r *recorder) onEvent(ev ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Events() []ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionEvent(nil), r.events...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

type harness struct {
	sup     *Supervisor
	clock   *fakeClock
	factory *fakeFactory
	rec     *recorder
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, cfg config.Config, exec execFunc) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		clock:   newFakeClock(),
		factory: newFakeFactory(exec),
		rec:     &recorder{},
		logs:    logs,
	}
	h.sup = NewSupervisor(cfg, SupervisorOptions{
		Factory: h.factory.build,
		Clock:   h.clock,
		Logger:  zap.New(core),
	})
	h.sup.OnConnectionChange(h.rec.onEvent)
	h.sup.OnError(h.rec.onError)
	t.Cleanup(h.sup.Cleanup)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sup.Initialize(context.Background()))
	require.Equal(t, StateConnected, h.sup.State())
}
