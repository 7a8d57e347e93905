package harness

import (
	"context"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// BusyPolicy decides what happens to a request for a conversation that
// already has one in flight.
type BusyPolicy string

const (
	BusyQueue  BusyPolicy = "queue"
	BusyReject BusyPolicy = "reject"
)

// ConversationLocks serializes requests per conversation ID.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	sem  chan struct{}
	refs int
}

// NewConversationLocks creates an empty lock table.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*convLock)}
}

// Acquire takes the lock for id. With BusyReject it fails immediately with
// ErrConversationBusy when held; with BusyQueue it waits until released or ctx is done.
func (l *ConversationLocks) Acquire(ctx context.Context, id string, policy BusyPolicy) (release func(), err error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &convLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	default:
		if policy == BusyReject {
			l.unref(id, lk)
			return nil, fmt.Errorf("conversation %s: %w", id, ports.ErrConversationBusy)
		}
		select {
		case lk.sem <- struct{}{}:
		case <-ctx.Done():
			l.unref(id, lk)
			return nil, fmt.Errorf("waiting for conversation %s: %w", id, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.unref(id, lk)
		})
	}, nil
}

func (l *ConversationLocks) unref(id string, lk *convLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

// Held returns the number of conversations with a request in flight or queued.
func (l *ConversationLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
