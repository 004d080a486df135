package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RoomLease is a cross-process mutex per room. Holders are identified by a
// token so a lease that expired and was taken over is never released by the
// previous holder.
type RoomLease struct {
	redis *redis.Client
	ttl   time.Duration
	poll  time.Duration
}

func NewRoomLease(rdb *redis.Client, ttl time.Duration) *RoomLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RoomLease{redis: rdb, ttl: ttl, poll: 50 * time.Millisecond}
}

func leaseKey(roomID string) string {
	return fmt.Sprintf("roomcast:lease:room:%s", roomID)
}

func (l *RoomLease) TryAcquire(ctx context.Context, roomID, token string) (bool, error) {
	ok, err := l.redis.SetNX(ctx, leaseKey(roomID), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx: %w", err)
	}
	return ok, nil
}

// Acquire polls until the lease is taken or ctx is done.
func (l *RoomLease) Acquire(ctx context.Context, roomID, token string) error {
	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.TryAcquire(ctx, roomID, token)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *RoomLease) Release(ctx context.Context, roomID, token string) error {
	if err := releaseIfOwnerScript.Run(ctx, l.redis, []string{leaseKey(roomID)}, token).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}
