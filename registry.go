package supabase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luckydraw/supabase-link/realtime"
)

// SubscriptionStatus tracks one registry entry.
type SubscriptionStatus int

const (
	SubscriptionPending SubscriptionStatus = iota
	SubscriptionSubscribed
	SubscriptionErrored
	SubscriptionClosed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionSubscribed:
		return "subscribed"
	case SubscriptionErrored:
		return "errored"
	case SubscriptionClosed:
		return "closed"
	}
	return fmt.Sprintf("subscription(%d)", int(s))
}

type subscription struct {
	key     string
	table   string
	channel Channel
	status  SubscriptionStatus
}

// Registry keeps at most one live realtime channel per table and event
// filter.
type Registry struct {
	sup    *Supervisor
	logger *zap.Logger

	// opMu serializes Subscribe and Unsubscribe so a replacement cannot race
	// with its own teardown.
	opMu sync.Mutex
	mu   sync.Mutex
	subs map[string]*subscription
}

func newRegistry(sup *Supervisor, logger *zap.Logger) *Registry {
	return &Registry{
		sup:    sup,
		logger: logger.Named("subscriptions"),
		subs:   make(map[string]*subscription),
	}
}

// SubscriptionKey returns the registry key for table and filter.
func SubscriptionKey(table, filter string) string {
	if filter == "" {
		filter = realtime.EventAll
	}
	return table + "_" + filter
}

// Subscribe opens a change channel on table for the given event filter and
// returns its key. An existing channel with the same key is torn down first.
// It fails with ErrNotConnected unless the supervisor is connected.
func (r *Registry) Subscribe(ctx context.Context, table, filter string, onChange func(realtime.Change)) (string, error) {
	if filter == "" {
		filter = realtime.EventAll
	}
	if !realtime.ValidEvent(filter) {
		return "", fmt.Errorf("unsupported change filter %q", filter)
	}
	key := SubscriptionKey(table, filter)

	backend, state := r.sup.Backend()
	if state != StateConnected || backend == nil {
		err := &QueryError{Kind: ErrNotConnected, Table: table, Op: "subscribe"}
		r.sup.notifyError(err)
		return "", err
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.unsubscribeLocked(key); err != nil {
		r.logger.Warn("failed to drop previous channel", zap.String("key", key), zap.Error(err))
	}

	sub := &subscription{key: key, table: table, status: SubscriptionPending}
	r.mu.Lock()
	r.subs[key] = sub
	r.mu.Unlock()

	spec := ChannelSpec{
		Topic:  table + "-" + uuid.NewString()[:8],
		Schema: r.sup.cfg.Schema,
		Table:  r.sup.cfg.Table(table),
		Event:  filter,
	}
	ch, err := backend.Subscribe(ctx, spec,
		func(c realtime.Change) { r.deliver(sub, onChange, c) },
		func(s realtime.Status, err error) { r.statusChanged(sub, s, err) },
	)
	if err != nil {
		r.mu.Lock()
		if r.subs[key] == sub {
			delete(r.subs, key)
		}
		r.mu.Unlock()
		qerr := classifyQuery(table, "subscribe", err)
		r.sup.notifyError(qerr)
		return "", qerr
	}

	r.mu.Lock()
	sub.channel = ch
	r.mu.Unlock()

	r.logger.Info("channel opened", zap.String("key", key), zap.String("topic", spec.Topic))
	return key, nil
}

// Unsubscribe closes the channel for key and removes it. Unknown keys are
// ignored.
func (r *Registry) Unsubscribe(key string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.unsubscribeLocked(key)
}

// UnsubscribeAll closes every channel. Errors from individual channels are
// joined; every entry is removed regardless.
func (r *Registry) UnsubscribeAll() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	var errs []error
	for _, key := range r.Keys() {
		if err := r.unsubscribeLocked(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) unsubscribeLocked(key string) error {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
		sub.status = SubscriptionClosed
	}
	r.mu.Unlock()
	if !ok || sub.channel == nil {
		return nil
	}

	if err := sub.channel.Unsubscribe(); err != nil {
		qerr := classifyQuery(sub.table, "unsubscribe", err)
		r.sup.notifyError(qerr)
		return qerr
	}
	r.logger.Info("channel closed", zap.String("key", key))
	return nil
}

// Status returns the status for key and whether the key is registered.
func (r *Registry) Status(key string) (SubscriptionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[key]
	if !ok {
		return SubscriptionClosed, false
	}
	return sub.status, true
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) current(sub *subscription) bool {
	return r.subs[sub.key] == sub
}

func (r *Registry) deliver(sub *subscription, onChange func(realtime.Change), c realtime.Change) {
	if onChange == nil {
		return
	}
	r.mu.Lock()
	live := r.current(sub)
	r.mu.Unlock()
	if !live {
		return
	}
	safeCall(r.logger, "change handler", func() { onChange(c) })
}

func (r *Registry) statusChanged(sub *subscription, status realtime.Status, err error) {
	r.mu.Lock()
	if !r.current(sub) {
		r.mu.Unlock()
		return
	}
	switch status {
	case realtime.StatusSubscribed:
		sub.status = SubscriptionSubscribed
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		sub.status = SubscriptionErrored
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if status == realtime.StatusSubscribed {
		r.logger.Debug("channel subscribed", zap.String("key", sub.key))
		return
	}

	if err == nil {
		err = fmt.Errorf("channel %s reported %s", sub.key, status)
	}
	qerr := &QueryError{Kind: ErrChannel, Table: sub.table, Op: "subscribe", Err: err}
	r.logger.Warn("channel failed", zap.String("key", sub.key), zap.String("status", string(status)), zap.Error(err))
	r.sup.notifyError(qerr)
	r.sup.HandleConnectionLoss(qerr)
}
