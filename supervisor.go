package supabase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luckydraw/supabase-link/config"
)

// ErrSuperseded is returned by an Initialize call whose result was discarded
// because a newer attempt started while it was in flight.
var ErrSuperseded = errors.New("connection attempt superseded")

// State is the supervisor's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRetrying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionEvent is delivered to connection listeners.
type ConnectionEvent string

const (
	EventConnected    ConnectionEvent = "connected"
	EventDisconnected ConnectionEvent = "disconnected"
)

// Status is a side-effect free snapshot of the supervisor.
type Status struct {
	Connected           bool      `json:"connected"`
	State               string    `json:"state"`
	RetryAttempts       int       `json:"retry_attempts"`
	RetriesExhausted    bool      `json:"retries_exhausted"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	LastCheck           time.Time `json:"last_check,omitempty"`
}

// SupervisorOptions configures a Supervisor. Zero values pick production
// defaults.
type SupervisorOptions struct {
	Factory BackendFactory
	Clock   Clock
	Logger  *zap.Logger
}

// Supervisor owns the backend connection: it builds the client, checks it,
// keeps a heartbeat while connected and schedules bounded retries after a
// loss. It also owns the subscription registry.
type Supervisor struct {
	cfg     config.Config
	factory BackendFactory
	clock   Clock
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	backend   Backend
	attempts  int
	exhausted bool
	gen       uint64
	heartbeat Timer
	retry     Timer
	lastCheck time.Time

	listeners listeners
	registry  *Registry
}

// NewSupervisor creates a supervisor in the Disconnected state. Nothing
// touches the network until Initialize.
func NewSupervisor(cfg config.Config, opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:     cfg.WithDefaults(),
		factory: opts.Factory,
		clock:   opts.Clock,
		logger:  logger.Named("supervisor"),
	}
	if s.factory == nil {
		s.factory = ConfigFactory(logger)
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	s.registry = newRegistry(s, logger)
	return s
}

// Config returns the supervisor's configuration.
func (s *Supervisor) Config() config.Config {
	return s.cfg
}

// Subscriptions returns the registry bound to this supervisor.
func (s *Supervisor) Subscriptions() *Registry {
	return s.registry
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Backend returns the current backend handle together with the state it was
// read under. The handle is nil until the first successful connect.
func (s *Supervisor) Backend() (Backend, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend, s.state
}

// Status reports connection health. It never blocks on the network.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Connected:        s.state == StateConnected,
		State:            s.state.String(),
		RetryAttempts:    s.attempts,
		RetriesExhausted: s.exhausted,
		LastCheck:        s.lastCheck,
	}
	s.mu.Unlock()
	st.ActiveSubscriptions = s.registry.Len()
	return st
}

// OnConnectionChange registers fn for connection events. Listeners run in
// registration order; the returned func removes the listener.
func (s *Supervisor) OnConnectionChange(fn func(ConnectionEvent)) (remove func()) {
	return s.listeners.addConnection(fn)
}

// OnError registers fn for every error the supervisor, registry or gateway
// observes.
func (s *Supervisor) OnError(fn func(error)) (remove func()) {
	return s.listeners.addError(fn)
}

// Initialize validates the config, builds a new backend and checks it. On
// success the supervisor is Connected and the heartbeat is armed. A transient
// check failure schedules a retry; other failures leave it Disconnected.
// The newest call always wins: an older call that finishes later returns
// ErrSuperseded and changes nothing.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("refusing to connect with invalid config", zap.Error(err))
		s.notifyError(err)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	prev := s.backend
	s.backend = nil
	s.stopTimersLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	attempt := uuid.NewString()
	logger := s.logger.With(zap.String("attempt", attempt), zap.Uint64("generation", gen))
	logger.Info("connecting", zap.String("endpoint", s.cfg.EndpointURL))

	if prev != nil {
		s.teardown(prev)
	}

	backend, err := s.factory(s.cfg)
	if err == nil {
		err = s.checkConnection(ctx, backend)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		logger.Info("discarding superseded connection attempt", zap.Error(err))
		if backend != nil {
			_ = backend.Close()
		}
		return ErrSuperseded
	}

	if err == nil {
		s.backend = backend
		s.state = StateConnected
		s.attempts = 0
		s.exhausted = false
		s.lastCheck = s.clock.Now()
		s.armHeartbeatLocked(gen)
		s.mu.Unlock()

		logger.Info("connected")
		s.notifyConnection(EventConnected)
		return nil
	}

	s.state = StateDisconnected
	s.mu.Unlock()
	if backend != nil {
		_ = backend.Close()
	}

	qerr := classifyQuery(s.cfg.Table(config.TableUsers), "connect", err)
	logger.Warn("connection attempt failed", zap.Error(qerr))
	s.notifyConnection(EventDisconnected)
	s.notifyError(qerr)
	if IsTransient(qerr) {
		s.scheduleRetry(gen)
	}
	return qerr
}

// ForceReconnect resets the retry budget, tears down the current client and
// subscriptions and connects immediately, bypassing backoff.
func (s *Supervisor) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	s.attempts = 0
	s.exhausted = false
	s.stopTimersLocked()
	s.mu.Unlock()

	s.logger.Info("forced reconnect")
	return s.Initialize(ctx)
}

// HandleConnectionLoss moves a connected supervisor to Disconnected and
// schedules a retry. It is a no-op in any other state.
func (s *Supervisor) HandleConnectionLoss(cause error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.stopTimersLocked()
	gen := s.gen
	s.mu.Unlock()

	s.logger.Warn("connection lost", zap.Error(cause))
	s.notifyConnection(EventDisconnected)
	s.scheduleRetry(gen)
}

// Cleanup stops all timers, drops subscriptions and closes the backend.
// Calling it again is harmless. A later Initialize or ForceReconnect starts
// over.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	s.gen++
	s.stopTimersLocked()
	backend := s.backend
	s.backend = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if backend != nil {
		s.teardown(backend)
	}
	if wasConnected {
		s.logger.Info("connection closed")
		s.notifyConnection(EventDisconnected)
	}
}

// retryDelay is linear in the attempt number and capped at MaxRetryDelay.
func (s *Supervisor) retryDelay(attempt int) time.Duration {
	d := s.cfg.BaseRetryDelay.Duration() * time.Duration(attempt)
	if limit := s.cfg.MaxRetryDelay.Duration(); limit > 0 && d > limit {
		d = limit
	}
	return d
}

func (s *Supervisor) scheduleRetry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxRetries {
		s.exhausted = true
		s.state = StateDisconnected
		attempts := s.attempts
		s.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempts)
		s.logger.Error("giving up on reconnecting", zap.Int("attempts", attempts))
		s.notifyError(err)
		return
	}
	s.attempts++
	attempt := s.attempts
	delay := s.retryDelay(attempt)
	s.state = StateRetrying
	s.retry = s.clock.AfterFunc(delay, func() { s.retryFired(gen) })
	s.mu.Unlock()

	s.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", s.cfg.MaxRetries),
		zap.Duration("delay", delay),
	)
}

func (s *Supervisor) retryFired(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateRetrying {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	_ = s.Initialize(context.Background())
}

func (s *Supervisor) armHeartbeatLocked(gen uint64) {
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval.Duration(), func() { s.beat(gen) })
}

func (s *Supervisor) beat(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	backend := s.backend
	s.mu.Unlock()

	err := s.checkConnection(context.Background(), backend)

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.lastCheck = s.clock.Now()
		s.armHeartbeatLocked(gen)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	qerr := classifyQuery(s.cfg.Table(config.TableUsers), "heartbeat", err)
	s.notifyError(qerr)
	s.HandleConnectionLoss(qerr)
}

// checkConnection fetches at most one user id, bounded by the request timeout. A GET
// keeps the error body, so failures carry the backend's code and message.
func (s *Supervisor) checkConnection(ctx context.Context, backend Backend) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout.Duration())
	defer cancel()
	_, err := backend.Execute(ctx, Request{
		Table:   s.cfg.Table(config.TableUsers),
		Op:      OpSelect,
		Columns: "id",
		Limit:   1,
	})
	return err
}

func (s *Supervisor) stopTimersLocked() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) teardown(backend Backend) {
	if err := s.registry.UnsubscribeAll(); err != nil {
		s.logger.Warn("failed to drop subscriptions", zap.Error(err))
	}
	if err := backend.Close(); err != nil {
		s.logger.Warn("failed to close backend", zap.Error(err))
	}
}

func (s *Supervisor) notifyConnection(ev ConnectionEvent) {
	s.listeners.emitConnection(s.logger, ev)
}

func (s *Supervisor) notifyError(err error) {
	s.listeners.emitError(s.logger, err)
}
