package eventlog

import (
	"context"
	"time"
)

// Notify returns a channel closed on the next append. Callers must re-fetch
// the channel after each wake.
func (l *Log) Notify() <-chan struct{} {
	l.mu.Lock()
	ch := l.notifyCh
	l.mu.Unlock()
	return ch
}

// WaitForAppend blocks until either a new append occurs or timeout elapses.
// It returns true if woken by an append, false on timeout.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	ch := l.Notify()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitForAppendCtx is WaitForAppend with cancellation. It returns false on
// timeout or when the context is done.
func (l *Log) WaitForAppendCtx(ctx context.Context, timeout time.Duration) bool {
	ch := l.Notify()
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
