package distlock

import (
	"context"
	"log"
	"sync"
	"time"
)

// Lease is a held lock with a background renewal goroutine. The renewal
// re-extends the TTL every ttl/3 until Release is called or a renewal fails.
// A failed renewal means the lock was lost (expired or taken over); the
// critical section must treat itself as compromised and stop.
type Lease struct {
	l        *Locker
	resource string
	token    string
	ttl      time.Duration

	lost   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	renews int
}

// AcquireLease acquires the lock and starts renewal. Returns (nil, false, nil)
// when the lock is contended.
func (l *Locker) AcquireLease(ctx context.Context, resource string, ttl time.Duration) (*Lease, bool, error) {
	token := NewToken()
	ok, err := l.Acquire(ctx, resource, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	ls := &Lease{
		l:        l,
		resource: resource,
		token:    token,
		ttl:      ttl,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ls.renewLoop()
	return ls, true, nil
}

func (ls *Lease) renewLoop() {
	defer close(ls.done)
	t := time.NewTicker(ls.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ls.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), ls.ttl/3)
			ok, err := ls.l.Renew(ctx, ls.resource, ls.token, ls.ttl)
			cancel()
			if err != nil {
				log.Printf("lock renew error: resource=%s err=%v", ls.resource, err)
				continue // transient; the TTL still has headroom
			}
			if !ok {
				log.Printf("lock lost: resource=%s renews=%d", ls.resource, ls.renews)
				close(ls.lost)
				return
			}
			ls.renews++
		}
	}
}

// Lost is closed when a renewal observed the lock gone.
func (ls *Lease) Lost() <-chan struct{} { return ls.lost }

// Token exposes the holder token, mainly for diagnostics.
func (ls *Lease) Token() string { return ls.token }

// Release stops renewal and compare-deletes the lock. Safe to call twice.
func (ls *Lease) Release(ctx context.Context) (bool, error) {
	var released bool
	var err error
	ls.once.Do(func() {
		close(ls.stop)
		<-ls.done
		released, err = ls.l.Release(ctx, ls.resource, ls.token)
	})
	return released, err
}
