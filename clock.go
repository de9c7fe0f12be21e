package supabase

import (
	"context"
	"time"
)

// Clock schedules the supervisor's timers. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// sleep waits for d on clock or until ctx is done.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	wake := make(chan struct{})
	t := clock.AfterFunc(d, func() { close(wake) })
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
