package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dungeon-agent/internal/domain"
	"dungeon-agent/internal/repository"
)

// threadLocks is a keyed mutex. Entries live only while a goroutine holds or
// waits for them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[domain.ThreadID]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[domain.ThreadID]*threadLock)}
}

// Lock blocks until the thread is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *threadLocks) Lock(ctx context.Context, id domain.ThreadID) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			l.release(id, tl)
		}, nil
	case <-ctx.Done():
		l.release(id, tl)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(id domain.ThreadID, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *threadLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// leasePoller extends a thread lock across processes through a store lease.
// The store lease is taken after the in-process lock so that only one
// goroutine per process polls for it.
type leasePoller struct {
	leases  repository.ThreadLeaser
	ttl     time.Duration
	retry   time.Duration
	logger  *zap.Logger
	newName func() string
}

const leaseReleaseTimeout = 5 * time.Second

// Acquire polls until the lease is granted or ctx is done. The returned
// function releases the lease on its own deadline, so a canceled request
// still frees it.
func (p *leasePoller) Acquire(ctx context.Context, id domain.ThreadID) (func(), error) {
	owner := p.newName()
	for {
		ok, err := p.leases.AcquireLease(ctx, id, owner, p.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retry):
		}
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := p.leases.ReleaseLease(rctx, id, owner); err != nil {
			p.logger.Warn("thread lease release failed",
				zap.String("thread_id", id.String()),
				zap.Error(err),
			)
		}
	}, nil
}
