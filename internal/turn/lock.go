package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrLockTimeout = errors.New("room is busy")

// roomLocks is a fair lock per room: waiters are served in arrival order.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*roomQueue
}

type roomQueue struct {
	waiters []chan struct{}
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: map[uuid.UUID]*roomQueue{}}
}

// Acquire waits for the room's lock at most timeout. The returned func
// releases it and must be called exactly once.
func (l *roomLocks) Acquire(ctx context.Context, room uuid.UUID, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	q, busy := l.rooms[room]
	if !busy {
		l.rooms[room] = &roomQueue{}
		l.mu.Unlock()
		return l.releaser(room), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var cause error
	select {
	case <-ch:
		return l.releaser(room), nil
	case <-timer.C:
		cause = ErrLockTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	l.mu.Lock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			l.mu.Unlock()
			return nil, cause
		}
	}
	l.mu.Unlock()
	// Granted while timing out: pass the lock on.
	l.release(room)
	return nil, cause
}

func (l *roomLocks) releaser(room uuid.UUID) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(room) }) }
}

func (l *roomLocks) release(room uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.rooms[room]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.rooms, room)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
