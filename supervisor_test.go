package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckydraw/supabase-link/config"
)

func networkExec(context.Context, Request) (Result, error) {
	return Result{}, errors.New("dial tcp: connection refused")
}

func TestInitializeConnects(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	second := &recorder{}
	h.sup.OnConnectionChange(second.onEvent)

	h.connect(t)

	assert.Equal(t, []ConnectionEvent{EventConnected}, h.rec.Events())
	assert.Equal(t, []ConnectionEvent{EventConnected}, second.Events())
	assert.Empty(t, h.rec.Errors())

	reqs := h.factory.last().Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "users", reqs[0].Table)
	assert.Equal(t, OpSelect, reqs[0].Op)
	assert.Equal(t, "id", reqs[0].Columns)
	assert.Equal(t, 1, reqs[0].Limit)
	assert.False(t, reqs[0].Head)

	st := h.sup.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.State)
	assert.Zero(t, st.RetryAttempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending())
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EndpointURL = "https://proj.example-backend.co"
	h := newHarness(t, cfg, okExec)

	err := h.sup.Initialize(context.Background())
	require.ErrorIs(t, err, ErrConfigInvalid)

	assert.Zero(t, h.factory.calls())
	assert.Empty(t, h.clock.Scheduled())
	assert.Equal(t, StateDisconnected, h.sup.State())
	require.Len(t, h.rec.Errors(), 1)
	assert.ErrorIs(t, h.rec.Errors()[0], ErrConfigInvalid)
}

func TestCheckFailuresScheduleLinearRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 5
	cfg.BaseRetryDelay = config.Duration(2 * time.Second)
	h := newHarness(t, cfg, networkExec)

	err := h.sup.Initialize(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StateRetrying, h.sup.State())

	h.clock.Advance(2 * time.Second)
	h.clock.Advance(4 * time.Second)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, h.clock.Scheduled())
	assert.Equal(t, []time.Duration{6 * time.Second}, h.clock.Pending())
	assert.Equal(t, StateRetrying, h.sup.State())
	assert.Equal(t, 3, h.sup.Status().RetryAttempts)
	assert.Equal(t, 3, h.factory.calls())
	assert.Equal(t, 3, h.logs.FilterMessage("reconnect scheduled").Len())
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := testConfig(t)
	cfg.BaseRetryDelay = config.Duration(20 * time.Second)
	cfg.MaxRetryDelay = config.Duration(30 * time.Second)
	h := newHarness(t, cfg, okExec)

	assert.Equal(t, 20*time.Second, h.sup.retryDelay(1))
	assert.Equal(t, 30*time.Second, h.sup.retryDelay(2))
	assert.Equal(t, 30*time.Second, h.sup.retryDelay(5))
}

func TestRetriesExhaustedThenForceReconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, networkExec)

	_ = h.sup.Initialize(context.Background())
	h.clock.Advance(2 * time.Second)
	h.clock.Advance(4 * time.Second)

	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, StateDisconnected, h.sup.State())
	st := h.sup.Status()
	assert.True(t, st.RetriesExhausted)
	assert.Equal(t, 2, st.RetryAttempts)

	errs := h.rec.Errors()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[len(errs)-1], ErrRetriesExhausted)
	assert.Equal(t, 1, h.logs.FilterMessage("giving up on reconnecting").Len())

	// Nothing fires on its own any more.
	h.clock.Advance(time.Hour)
	assert.Equal(t, 3, h.factory.calls())

	h.factory.setExec(okExec)
	require.NoError(t, h.sup.ForceReconnect(context.Background()))
	st = h.sup.Status()
	assert.True(t, st.Connected)
	assert.Zero(t, st.RetryAttempts)
	assert.False(t, st.RetriesExhausted)
}

func TestHeartbeatFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	h.connect(t)

	h.factory.setExec(networkExec)
	h.clock.Advance(30 * time.Second)

	assert.Equal(t, StateRetrying, h.sup.State())
	assert.Equal(t, []ConnectionEvent{EventConnected, EventDisconnected}, h.rec.Events())
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Pending())
	require.Len(t, h.rec.Errors(), 1)
	assert.ErrorIs(t, h.rec.Errors()[0], ErrNetwork)

	h.factory.setExec(okExec)
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StateConnected, h.sup.State())
	assert.Zero(t, h.sup.Status().RetryAttempts)
	assert.Equal(t, []ConnectionEvent{EventConnected, EventDisconnected, EventConnected}, h.rec.Events())
}

func TestHeartbeatSuccessRearms(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	h.connect(t)

	h.clock.Advance(30 * time.Second)
	h.clock.Advance(30 * time.Second)

	assert.Equal(t, StateConnected, h.sup.State())
	assert.Len(t, h.factory.last().Requests(), 3)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending())
}

func TestPermissionFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(t), func(context.Context, Request) (Result, error) {
		return Result{}, errors.New("(42501) permission denied for table users")
	})

	err := h.sup.Initialize(context.Background())
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, StateDisconnected, h.sup.State())
	assert.Empty(t, h.clock.Pending())
	assert.True(t, h.factory.last().isClosed())
}

// restHarness runs a supervisor over a real Client whose REST API answers
// with status and body.
func restHarness(t *testing.T, status int, body string) (*Supervisor, *fakeClock, func() []string) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.RawQuery)
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.MaxRetries = 5
	cfg.BaseRetryDelay = config.Duration(2 * time.Second)
	clock := newFakeClock()
	sup := NewSupervisor(cfg, SupervisorOptions{
		Factory: func(cfg config.Config) (Backend, error) {
			return NewClient(srv.URL, cfg.PublicKey, &ClientOptions{
				Middleware: DefaultMiddleware(time.Second),
				Timeout:    time.Second,
			})
		},
		Clock: clock,
	})
	t.Cleanup(sup.Cleanup)
	return sup, clock, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), requests...)
	}
}

func TestRealClientStatusesAreClassified(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    error
		state   State
		pending []time.Duration
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"code":"PGRST301","message":"JWSError JWSInvalidSignature"}`,
			kind:   ErrPermission,
			state:  StateDisconnected,
		},
		{
			name:   "forbidden without body",
			status: http.StatusForbidden,
			kind:   ErrPermission,
			state:  StateDisconnected,
		},
		{
			name:   "missing table",
			status: http.StatusNotFound,
			body:   `{"code":"PGRST205","message":"Could not find the table 'public.users' in the schema cache"}`,
			kind:   ErrSchema,
			state:  StateDisconnected,
		},
		{
			name:    "service unavailable",
			status:  http.StatusServiceUnavailable,
			body:    `<html><body>upstream connect error</body></html>`,
			kind:    ErrNetwork,
			state:   StateRetrying,
			pending: []time.Duration{2 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, clock, requests := restHarness(t, tt.status, tt.body)

			err := sup.Initialize(context.Background())
			require.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.kind, Classify(err))
			assert.Equal(t, tt.state, sup.State())
			assert.Equal(t, tt.pending, clock.Pending())
			assert.Equal(t, []string{"GET limit=1&select=id"}, requests())
		})
	}
}

func TestUnavailableMidRetryKeepsRetrying(t *testing.T) {
	sup, clock, requests := restHarness(t, http.StatusServiceUnavailable, "")

	require.ErrorIs(t, sup.Initialize(context.Background()), ErrNetwork)
	clock.Advance(2 * time.Second)
	clock.Advance(4 * time.Second)

	assert.Equal(t, StateRetrying, sup.State())
	assert.Equal(t, 3, sup.Status().RetryAttempts)
	assert.False(t, sup.Status().RetriesExhausted)
	assert.Equal(t, []time.Duration{6 * time.Second}, clock.Pending())
	assert.Len(t, requests(), 3)
}

func TestHandleConnectionLossIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	h.connect(t)

	h.sup.HandleConnectionLoss(ErrNetwork)
	h.sup.HandleConnectionLoss(ErrNetwork)

	assert.Equal(t, []ConnectionEvent{EventConnected, EventDisconnected}, h.rec.Events())
	assert.Equal(t, 1, h.sup.Status().RetryAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Pending())
}

func TestStaleAttemptIsSuperseded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	h := newHarness(t, testConfig(t), nil)
	h.factory.setExec(func(ctx context.Context, _ Request) (Result, error) {
		h.factory.mu.Lock()
		block := first
		first = false
		h.factory.mu.Unlock()
		if !block {
			return Result{}, nil
		}
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{}, errors.New("connection reset by peer")
	})

	done := make(chan error, 1)
	go func() { done <- h.sup.Initialize(context.Background()) }()
	<-started

	require.NoError(t, h.sup.Initialize(context.Background()))
	close(release)

	require.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, StateConnected, h.sup.State())
	assert.Equal(t, []ConnectionEvent{EventConnected}, h.rec.Events())
	assert.Empty(t, h.rec.Errors())
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Pending())
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	late := &recorder{}
	h.sup.OnConnectionChange(func(ConnectionEvent) { panic("listener bug") })
	h.sup.OnConnectionChange(late.onEvent)

	h.connect(t)

	assert.Equal(t, []ConnectionEvent{EventConnected}, late.Events())
	assert.Equal(t, 1, h.logs.FilterMessage("connection listener panicked").Len())
}

func TestRemoveListener(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	r := &recorder{}
	remove := h.sup.OnConnectionChange(r.onEvent)
	remove()
	remove()

	h.connect(t)
	assert.Empty(t, r.Events())
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(t), okExec)
	h.connect(t)
	backend := h.factory.last()

	h.sup.Cleanup()
	h.sup.Cleanup()

	assert.Equal(t, StateDisconnected, h.sup.State())
	assert.Equal(t, []ConnectionEvent{EventConnected, EventDisconnected}, h.rec.Events())
	assert.Empty(t, h.clock.Pending())
	assert.True(t, backend.isClosed())

	// A heartbeat armed before cleanup must not resurrect anything.
	h.clock.Advance(time.Minute)
	assert.Len(t, backend.Requests(), 1)
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateRetrying:     "retrying",
	} {
		assert.Equal(t, want, state.String())
	}
}
