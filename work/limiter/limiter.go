package limiter

import (
	"context"
	"sync"

	"scenestream-proxy/work/metrics"
)

// Limiter is a counting semaphore over all outbound proxied requests.
// Callers that exceed the limit are queued in arrival order and released
// strictly first-in first-out as permits are returned. A plain buffered
// channel is not used here because the wakeup order of blocked senders is
// a runtime detail, not a contract; the explicit queue makes FIFO a hard
// guarantee and keeps the available-permit count observable.
type Limiter struct {
	mu      sync.Mutex
	max     int
	inUse   int
	waiters []*waiter
}

type waiter struct {
	ready chan struct{}
}

// Permit represents one unit of the global concurrency budget. It must be
// released exactly once on every exit path; Release is safe to call more
// than once but only the first call returns the permit.
type Permit struct {
	l    *Limiter
	once sync.Once
}

// New creates a Limiter with the given maximum number of outstanding permits.
func New(max int) *Limiter {
	if max <= 0 {
		max = 6
	}
	return &Limiter{max: max}
}

// Acquire returns a permit, blocking while the number of outstanding
// permits equals the configured maximum. Waiters are woken in arrival
// order. If ctx is cancelled before a permit is granted, Acquire returns
// the context error and the caller holds nothing.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.mu.Lock()
	if l.inUse < l.max && len(l.waiters) == 0 {
		l.inUse++
		metrics.ActiveUpstreamRequests.Set(float64(l.inUse))
		l.mu.Unlock()
		return &Permit{l: l}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	metrics.QueuedRequests.Set(float64(len(l.waiters)))
	l.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{l: l}, nil
	case <-ctx.Done():
		l.mu.Lock()
		// the permit may have been handed over between the cancellation
		// and this lock; if so, pass it on rather than leaking it
		select {
		case <-w.ready:
			l.handoffLocked()
		default:
			l.removeWaiterLocked(w)
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns the permit. The first waiter in line, if any, inherits
// it directly so the in-use count never dips below the true demand.
func (p *Permit) Release() {
	p.once.Do(func() {
		l := p.l
		l.mu.Lock()
		l.handoffLocked()
		l.mu.Unlock()
	})
}

// handoffLocked passes the freed permit to the oldest waiter, or retires
// it when the queue is empty. Caller holds l.mu.
func (l *Limiter) handoffLocked() {
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		metrics.QueuedRequests.Set(float64(len(l.waiters)))
		close(w.ready)
		return
	}
	l.inUse--
	metrics.ActiveUpstreamRequests.Set(float64(l.inUse))
}

func (l *Limiter) removeWaiterLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			metrics.QueuedRequests.Set(float64(len(l.waiters)))
			return
		}
	}
}

// Available reports how many permits can currently be acquired without
// blocking.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - l.inUse
}

// Queued reports the current number of waiting callers.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
