// Package relay routes robot-originated events (progress, completion,
// failure, logs) to the store and to in-process subscribers such as the
// admin log stream.
//
// Delivery contract: at-least-once to the store (transient failures retry
// with backoff), at-most-once to subscribers (a slow subscriber's queue
// drops oldest entries — the streams are diagnostic, the store is
// authoritative).
//
// Topic naming convention:
//
//	job:<uuid>        — progress and terminal events for one job
//	robot:<robot_id>  — events from one robot
//	logs              — the firehose of all log entries
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

const (
	// subscriberBuffer is the per-subscriber queue depth. Overflow drops the
	// oldest queued event.
	subscriberBuffer = 256

	// storeAttempts bounds the at-least-once store path; backoff doubles
	// from storeBackoff between attempts.
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
)

// Fleet is the slice of the registry the relay needs: capacity release on
// terminal events and tenant lookup for subscriber filtering. A zero-value
// tenant means the robot is offline — events still deliver.
type Fleet interface {
	ReleaseJobSlot(robotID, jobID string)
	TenantOf(robotID string) string
}

// Event is what subscribers receive. Kind mirrors the protocol message type
// that produced it.
type Event struct {
	Topic     string         `json:"topic"`
	Kind      string         `json:"kind"`
	RobotID   string         `json:"robot_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Level     string         `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Subscriber is one registered event consumer. Events arrives on C; Dropped
// reports how many events this subscriber lost to overflow.
type Subscriber struct {
	C      chan Event
	topics map[string]struct{}

	mu      sync.Mutex
	dropped int64
}

// Dropped returns the number of events lost to overflow.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Relay fans robot events out to the store and subscribers.
type Relay struct {
	jobs   repositories.JobRepository
	logs   repositories.LogRepository
	fleet  Fleet
	m      *metrics.Metrics
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New creates a Relay.
func New(jobs repositories.JobRepository, logs repositories.LogRepository,
	fleet Fleet, m *metrics.Metrics, logger *zap.Logger) *Relay {
	return &Relay{
		jobs:   jobs,
		logs:   logs,
		fleet:  fleet,
		m:      m,
		logger: logger.Named("relay"),
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a consumer for the given topics; an empty topic list
// subscribes to everything.
func (r *Relay) Subscribe(topics []string) *Subscriber {
	s := &Subscriber{
		C:      make(chan Event, subscriberBuffer),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Unsubscribe removes the consumer and closes its channel.
func (r *Relay) Unsubscribe(s *Subscriber) {
	r.mu.Lock()
	_, ok := r.subs[s]
	if ok {
		delete(r.subs, s)
	}
	r.mu.Unlock()
	if ok {
		close(s.C)
	}
}

// publish delivers ev to every interested subscriber without blocking: a
// full queue evicts its oldest entry first (drop-oldest, counted).
func (r *Relay) publish(ev Event, topicKind string) {
	r.mu.RLock()
	targets := make([]*Subscriber, 0, len(r.subs))
	for s := range r.subs {
		if s.wants(ev.Topic) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.C <- ev:
			continue
		default:
		}
		// Queue full: evict one, then retry once. If a concurrent reader
		// raced us the retry succeeds; if the retry also fails the new
		// event is the one dropped — either way exactly one event is lost.
		select {
		case <-s.C:
		default:
		}
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		r.m.RelayDroppedTotal.WithLabelValues(topicKind).Inc()
		select {
		case s.C <- ev:
		default:
		}
	}
}

// HandleRobotMessage is the registry's sink for unsolicited robot messages.
// Persistence failures are retried here; subscriber delivery never blocks.
func (r *Relay) HandleRobotMessage(robotID string, msg *protocol.Message) {
	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeJobProgress:
		r.onProgress(ctx, robotID, msg)
	case protocol.TypeJobComplete:
		r.onComplete(ctx, robotID, msg)
	case protocol.TypeJobFailed:
		r.onFailed(ctx, robotID, msg)
	case protocol.TypeLogEntry:
		var p protocol.LogEntryPayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("malformed log entry", zap.String("robot_id", robotID), zap.Error(err))
			return
		}
		r.onLogs(ctx, robotID, []protocol.LogEntryPayload{p})
	case protocol.TypeLogBatch:
		var p protocol.LogBatchPayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("malformed log batch", zap.String("robot_id", robotID), zap.Error(err))
			return
		}
		r.onLogs(ctx, robotID, p.Entries)
	}
}

func (r *Relay) onProgress(ctx context.Context, robotID string, msg *protocol.Message) {
	var p protocol.JobProgressPayload
	if err := msg.DecodePayload(&p); err != nil {
		r.logger.Warn("malformed progress payload", zap.String("robot_id", robotID), zap.Error(err))
		return
	}

	id, ok := parseJobUUID(p.JobID)
	if ok {
		// The first progress report advances assigned → running; MarkRunning
		// is a no-op on every later report.
		r.withRetry(ctx, "mark running", func() error {
			return r.jobs.MarkRunning(ctx, id, time.Now().UTC())
		})
		r.withRetry(ctx, "update progress", func() error {
			return r.jobs.UpdateProgress(ctx, id, p.Progress, p.CurrentNode)
		})
	}

	r.publishJobEvent(robotID, p.JobID, string(msg.Type), map[string]any{
		"progress":     p.Progress,
		"current_node": p.CurrentNode,
		"message":      p.Message,
	})
}

func (r *Relay) onComplete(ctx context.Context, robotID string, msg *protocol.Message) {
	var p protocol.JobCompletePayload
	if err := msg.DecodePayload(&p); err != nil {
		r.logger.Warn("malformed completion payload", zap.String("robot_id", robotID), zap.Error(err))
		return
	}

	r.finishJob(ctx, robotID, p.JobID, db.JobStatusSucceeded, db.EncodeMap(p.Result), "")

	r.publishJobEvent(robotID, p.JobID, string(msg.Type), map[string]any{
		"result":      p.Result,
		"duration_ms": p.DurationMS,
	})
}

func (r *Relay) onFailed(ctx context.Context, robotID string, msg *protocol.Message) {
	var p protocol.JobFailedPayload
	if err := msg.DecodePayload(&p); err != nil {
		r.logger.Warn("malformed failure payload", zap.String("robot_id", robotID), zap.Error(err))
		return
	}

	r.finishJob(ctx, robotID, p.JobID, db.JobStatusFailed, "", p.ErrorMessage)

	r.publishJobEvent(robotID, p.JobID, string(msg.Type), map[string]any{
		"error_message": p.ErrorMessage,
		"error_type":    p.ErrorType,
		"failed_node":   p.FailedNode,
	})
}

// finishJob persists the terminal transition and releases the robot's
// capacity slot. RecordTerminal is idempotent, so a duplicated terminal
// frame is harmless.
func (r *Relay) finishJob(ctx context.Context, robotID, jobID, status, result, errMsg string) {
	if id, ok := parseJobUUID(jobID); ok {
		r.withRetry(ctx, "record terminal", func() error {
			return r.jobs.RecordTerminal(ctx, id, status, result, errMsg)
		})
	}
	r.fleet.ReleaseJobSlot(robotID, jobID)
}

func (r *Relay) onLogs(ctx context.Context, robotID string, entries []protocol.LogEntryPayload) {
	if len(entries) == 0 {
		return
	}

	rows := make([]db.LogEntry, 0, len(entries))
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		level := e.Level
		if level == "" {
			level = "info"
		}
		rows = append(rows, db.LogEntry{
			JobID:     e.JobID,
			RobotID:   robotID,
			Timestamp: ts,
			Level:     level,
			Source:    e.Source,
			Message:   e.Message,
			NodeID:    e.NodeID,
			Extra:     db.EncodeMap(e.Extra),
		})
	}

	r.withRetry(ctx, "append logs", func() error {
		return r.logs.AppendBatch(ctx, rows)
	})

	tenant := r.fleet.TenantOf(robotID)
	for _, e := range entries {
		ev := Event{
			Topic:     "logs",
			Kind:      string(protocol.TypeLogEntry),
			RobotID:   robotID,
			TenantID:  tenant,
			JobID:     e.JobID,
			Level:     rowLevel(e.Level),
			Timestamp: time.Now().UTC(),
			Payload: map[string]any{
				"message": e.Message,
				"source":  e.Source,
				"node_id": e.NodeID,
				"extra":   e.Extra,
			},
		}
		r.publish(ev, "logs")
		if e.JobID != "" {
			ev.Topic = "job:" + e.JobID
			r.publish(ev, "job")
		}
	}
}

func rowLevel(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

// publishJobEvent emits one event on the job topic and one on the robot
// topic.
func (r *Relay) publishJobEvent(robotID, jobID, kind string, payload map[string]any) {
	ev := Event{
		Topic:     "job:" + jobID,
		Kind:      kind,
		RobotID:   robotID,
		TenantID:  r.fleet.TenantOf(robotID),
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	r.publish(ev, "job")

	ev.Topic = "robot:" + robotID
	r.publish(ev, "robot")
}

// withRetry runs the store operation with bounded retries on transient
// failures. Permanent failures (missing rows, conflicts) stop immediately.
func (r *Relay) withRetry(ctx context.Context, op string, fn func() error) {
	backoff := storeBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return
		}
		if !errors.Is(err, repositories.ErrUnavailable) || attempt >= storeAttempts {
			if !errors.Is(err, repositories.ErrNotFound) {
				r.logger.Error("store write failed", zap.String("op", op), zap.Error(err))
			}
			return
		}
		r.m.StoreRetriesTotal.Inc()
		r.logger.Warn("store write retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// parseJobUUID converts a wire job id to the store key type. Malformed ids
// come from misbehaving robots; the event still fans out, only persistence
// is skipped.
func parseJobUUID(id string) (uuid.UUID, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, false
	}
	return u, true
}
