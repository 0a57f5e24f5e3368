package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// maxReproveAttempts bounds how many times the pool will re-request a proof
// for the same room before giving up on it.
const maxReproveAttempts = 3

// reproveTTL bounds how long a room's attempt counter survives in Redis, so a
// room that eventually settles doesn't leave a stray key behind forever.
const reproveTTL = 10 * time.Minute

// reproveBackoff is the delay schedule for successive attempts: 1s, 4s, 16s.
var reproveBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

// ReproveQueue tracks how many times a room's OverRoom submission has been
// retried, bounding it at maxReproveAttempts. It is backed by Redis when
// configured so attempt counts survive a process restart; with no Redis
// client it falls back to an in-memory counter, which is fine for a single
// sequencer instance but resets on restart.
type ReproveQueue struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	local  map[types.RoomId]int
}

// NewReproveQueue builds a queue backed by client. client may be nil, in
// which case attempts are tracked in-memory only.
func NewReproveQueue(client *redis.Client) *ReproveQueue {
	q := &ReproveQueue{client: client, local: make(map[types.RoomId]int)}
	if client != nil {
		q.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "reprove-redis",
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     15 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues("reprove-redis").Set(float64(to))
			},
		})
	}
	return q
}

// Allow reports whether another reprove attempt may be made for room,
// incrementing its attempt counter as a side effect. Once it returns false
// for a room, the pool gives up and logs the room as unsettleable.
func (q *ReproveQueue) Allow(room types.RoomId) bool {
	if q == nil {
		return true
	}
	attempt := q.increment(room)
	return attempt <= maxReproveAttempts
}

// Delay returns how long to wait before the next attempt for room, based on
// how many attempts have already been made.
func (q *ReproveQueue) Delay(room types.RoomId) time.Duration {
	attempt := q.attempts(room)
	if attempt <= 0 || attempt > len(reproveBackoff) {
		return reproveBackoff[len(reproveBackoff)-1]
	}
	return reproveBackoff[attempt-1]
}

func (q *ReproveQueue) key(room types.RoomId) string {
	return fmt.Sprintf("z4:reprove:%d", uint64(room))
}

func (q *ReproveQueue) increment(room types.RoomId) int {
	if q.client == nil {
		q.local[room]++
		return q.local[room]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := q.cb.Execute(func() (interface{}, error) {
		n, err := q.client.Incr(ctx, q.key(room)).Result()
		if err != nil {
			return nil, err
		}
		q.client.Expire(ctx, q.key(room), reproveTTL)
		return n, nil
	})
	if err != nil {
		logging.Warn(ctx, "reprove: redis unavailable, falling back to in-memory count", zap.Uint64("room", uint64(room)), zap.Error(err))
		q.local[room]++
		return q.local[room]
	}
	return int(result.(int64))
}

func (q *ReproveQueue) attempts(room types.RoomId) int {
	if q.client == nil {
		return q.local[room]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := q.client.Get(ctx, q.key(room)).Int()
	if err != nil {
		return q.local[room]
	}
	return n
}

// Forget clears room's attempt counter, once it settles successfully.
func (q *ReproveQueue) Forget(room types.RoomId) {
	delete(q.local, room)
	if q.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.client.Del(ctx, q.key(room))
}
