package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepStale closes every handle whose last heartbeat is older than the
// heartbeat timeout, and flips orphaned database rows (robots with no live
// handle, left online by a previous server process) to offline.
//
// Scheduled every half heartbeat interval. Closing the socket unblocks the
// connection's read loop, whose teardown path releases the robot's in-flight
// jobs and marks the row offline — the sweeper itself only decides staleness.
func (r *Registry) SweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()
	var stale []*Handle
	tracked := make(map[string]struct{}, len(r.handles))
	for id, h := range r.handles {
		tracked[id] = struct{}{}
		h.mu.Lock()
		isStale := h.lastHeartbeat.Before(cutoff)
		h.mu.Unlock()
		if isStale {
			stale = append(stale, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range stale {
		r.logger.Warn("closing stale robot connection",
			zap.String("robot_id", h.RobotID),
			zap.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout),
		)
		h.close(closeReasonStale)
	}

	// Rows with no handle at all: a crashed server never got to mark them
	// offline. The cutoff is the same — last_heartbeat_at is written from
	// the same clock the handles use.
	flipped, err := r.robots.MarkOfflineStale(ctx, cutoff.UTC())
	if err != nil {
		r.logger.Warn("stale row sweep failed", zap.Error(err))
		return
	}
	if flipped > 0 {
		r.logger.Info("marked stale robot rows offline", zap.Int64("count", flipped))
	}
}
