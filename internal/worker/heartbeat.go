package worker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Heartbeat log pacing. Success is routine, so one line a minute; failures
// matter more but still must not flood.
var (
	hbOKLog  = rate.Sometimes{Interval: 60 * time.Second}
	hbErrLog = rate.Sometimes{Interval: 30 * time.Second}
)

// runHeartbeat writes the heartbeat on a fixed cadence, independently of the
// main loop. A tick that lands while the previous write is still in flight is
// skipped, never queued: the next tick will carry fresher data anyway.
func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeatTick(ctx)
		}
	}
}

// heartbeatTick fires one write in the background. Returns false when the
// tick was skipped because the previous write has not finished.
func (w *Worker) heartbeatTick(ctx context.Context) bool {
	if !w.hbInFlight.CompareAndSwap(false, true) {
		metrics.HeartbeatWrites.WithLabelValues("skipped").Inc()
		return false
	}
	w.hbWrites.Add(1)
	go func() {
		defer w.hbWrites.Done()
		defer w.hbInFlight.Store(false)
		if err := w.writeHeartbeat(ctx); err != nil {
			hbErrLog.Do(func() {
				w.logger.Error("heartbeat write failed", "error", err)
			})
			return
		}
		hbOKLog.Do(func() {
			w.logger.Debug("heartbeat written", "tick", w.tickCount.Load())
		})
	}()
	return true
}

func (w *Worker) writeHeartbeat(ctx context.Context) error {
	hb := w.Heartbeat()
	w.tickCount.Add(1)
	return w.store.WriteHeartbeat(ctx, hb)
}

// Heartbeat assembles the current heartbeat record. The same snapshot backs
// the KV write and the ops /status endpoint.
func (w *Worker) Heartbeat() types.WorkerHeartbeat {
	platforms := make(map[types.Venue]types.ConnectionStatus, len(w.clients))
	for v, c := range w.clients {
		platforms[v] = c.Status()
	}

	w.mu.Lock()
	state := w.state
	lastRefresh := w.lastRefreshAt
	reason := w.shutdownReason
	w.mu.Unlock()

	return types.WorkerHeartbeat{
		SchemaVersion:  heartbeatSchemaVersion,
		InstanceID:     w.instanceID,
		UpdatedAt:      w.now(),
		State:          state,
		TickCount:      w.tickCount.Load(),
		Platforms:      platforms,
		PriceCache:     w.cache.Stats(),
		CircuitBreaker: w.gates.BreakerStatus(),
		BlockedReasons: w.gates.BlockedReasons(),
		TrackedEvents:  w.reg.Len(),

		LastRefreshAt:     lastRefresh,
		RefreshInProgress: w.refreshInProgress.Load(),
		ShutdownReason:    reason,
	}
}
