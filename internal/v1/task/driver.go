// Package task implements the per-room timed task driver (C3): one
// independent scheduler loop per task declared by a handler's Factory, each
// sleeping task.Timer() between ticks and forwarding results to the engine.
package task

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/z4-labs/sequencer/internal/v1/handler"
	"github.com/z4-labs/sequencer/internal/v1/logging"
	"github.com/z4-labs/sequencer/internal/v1/metrics"
	"github.com/z4-labs/sequencer/internal/v1/types"
)

// Locker serializes access to a room's handler so that task-driven calls
// never interleave with ingress-driven calls mid-mutation.
type Locker interface {
	WithHandler(fn func(h handler.Handler) (types.HandleResult, error)) (types.HandleResult, error)
}

// Result tags a HandleResult (or error) with the room it came from, so the
// engine loop can route it without the task driver knowing about rooms.
type Result struct {
	RoomID types.RoomId
	Value  types.HandleResult
	Err    error
}

// Run drives one task until ctx is cancelled, the task errors, or the task
// reports Over. It sleeps t.Timer() before every tick — re-read each
// iteration, so a handler may change its own cadence dynamically — then
// acquires the room's handler lock and calls t.Run. Every result (including
// errors) is forwarded on out; out is never closed by Run.
func Run(ctx context.Context, roomID types.RoomId, locker Locker, t handler.Task, out chan<- Result) {
	for {
		timer := t.Timer()
		select {
		case <-ctx.Done():
			return
		case <-time.After(timer):
		}

		start := time.Now()
		result, err := locker.WithHandler(func(h handler.Handler) (types.HandleResult, error) {
			return t.Run(ctx, h)
		})
		metrics.TaskRunDuration.WithLabelValues(roomIDLabel(roomID)).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.TaskRuns.WithLabelValues("error").Inc()
			logging.Warn(ctx, "task run failed", zap.Uint64("room", uint64(roomID)), zap.Error(err))
			select {
			case out <- Result{RoomID: roomID, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		metrics.TaskRuns.WithLabelValues("ok").Inc()
		select {
		case out <- Result{RoomID: roomID, Value: result}:
		case <-ctx.Done():
			return
		}

		if result.Over {
			return
		}
	}
}

func roomIDLabel(rid types.RoomId) string {
	return strconv.FormatUint(uint64(rid), 10)
}
