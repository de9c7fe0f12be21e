package supabase

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// listeners holds ordered callbacks. Emission copies the slice under the lock
// and invokes outside it, so a callback may register or remove listeners.
type listeners struct {
	mu         sync.Mutex
	nextID     int
	connection []connectionListener
	errors     []errorListener
}

type connectionListener struct {
	id int
	fn func(ConnectionEvent)
}

type errorListener struct {
	id int
	fn func(error)
}

func (l *listeners) addConnection(fn func(ConnectionEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.connection = append(l.connection, connectionListener{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, c := range l.connection {
			if c.id == id {
				l.connection = append(l.connection[:i:i], l.connection[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners) addError(fn func(error)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.errors = append(l.errors, errorListener{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.errors {
			if e.id == id {
				l.errors = append(l.errors[:i:i], l.errors[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners) emitConnection(logger *zap.Logger, ev ConnectionEvent) {
	l.mu.Lock()
	snapshot := append([]connectionListener(nil), l.connection...)
	l.mu.Unlock()
	for _, c := range snapshot {
		safeCall(logger, "connection listener", func() { c.fn(ev) })
	}
}

func (l *listeners) emitError(logger *zap.Logger, err error) {
	l.mu.Lock()
	snapshot := append([]errorListener(nil), l.errors...)
	l.mu.Unlock()
	for _, e := range snapshot {
		safeCall(logger, "error listener", func() { e.fn(err) })
	}
}

// safeCall runs fn and logs a panic instead of propagating it.
func safeCall(logger *zap.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(what+" panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
