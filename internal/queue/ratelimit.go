package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeTurnScript consumes one slot of the window unless it is exhausted.
// Rejected attempts leave the counter untouched.
var takeTurnScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used >= tonumber(ARGV[1]) then
  return {0, used}
end
used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, used}
`)

// RateLimiter counts user turns per room in fixed windows, one hour unless
// Window is set.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	Window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, Window: time.Hour}
}

func (r *RateLimiter) key(roomID string, userID int64, windowStart time.Time) string {
	return fmt.Sprintf("roomcast:turns:%s:%d:%d", roomID, userID, windowStart.Unix())
}

// Allow takes a turn for userID in roomID. used is the number of turns
// taken in the current window, including this one when allowed.
func (r *RateLimiter) Allow(ctx context.Context, roomID string, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	window := r.Window
	if window <= 0 {
		window = time.Hour
	}
	start := now.UTC().Truncate(window)
	resetAt = start.Add(window)
	ttl := int64(resetAt.Sub(now.UTC()) / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	res, err := takeTurnScript.Run(ctx, r.redis, []string{r.key(roomID, userID, start)}, r.limit, ttl).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("take turn: %w", err)
	}
	if len(res) != 2 {
		return false, 0, time.Time{}, fmt.Errorf("take turn: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], resetAt, nil
}
