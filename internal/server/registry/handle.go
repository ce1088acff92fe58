package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
)

// Handle lifecycle states. Terminal state is stateClosed; a reconnect never
// reopens a handle, it creates a fresh one.
type handleState int

const (
	stateAuth handleState = iota
	stateRegistered
	stateActive
	stateClosed
)

func (s handleState) String() string {
	switch s {
	case stateAuth:
		return "auth"
	case stateRegistered:
		return "registered"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

const (
	// writeWait bounds a single frame write so a stalled peer cannot block
	// the write pump indefinitely.
	writeWait = 10 * time.Second

	// maxFrameSize bounds inbound frames. Workflow payloads travel
	// server → robot, so inbound frames (heartbeats, progress, log batches)
	// stay well under this.
	maxFrameSize = 1 << 20

	// sendBufferSize is the outbound frame queue per connection. A full
	// queue fails the send rather than blocking the caller.
	sendBufferSize = 64
)

// ErrHandleClosed is returned by Send/Request on a closed handle. Callers
// treat it like a disconnect: the robot is offline for dispatch purposes.
var ErrHandleClosed = errors.New("registry: connection closed")

// ErrSendBufferFull is returned when the outbound queue is saturated.
var ErrSendBufferFull = errors.New("registry: send buffer full")

// Handle is the in-memory representation of one live robot connection: the
// socket, the robot's cached identity, capacity counters, and the
// pending-reply futures. Its lifetime equals the connection's; it is never
// persisted — after a crash the fleet state rebuilds from reconnects.
//
// All mutable fields are guarded by mu. The locking discipline is: never
// hold mu across a DB call or a socket write. The write pump is the only
// goroutine that touches the socket for writes.
type Handle struct {
	// RobotID is fixed at authentication time and never changes.
	RobotID string

	conn *websocket.Conn

	// RemoteAddr is cached for logging after the socket is gone.
	RemoteAddr string

	// ConnectedAt is when this connection completed its upgrade. Reset on
	// every reconnect — not the same as the robot row's CreatedAt.
	ConnectedAt time.Time

	mu sync.Mutex

	state handleState

	// Identity cache, populated by the Register message.
	name         string
	tenantID     string
	capabilities map[string]struct{}
	tags         []string
	maxJobs      int

	// Liveness cache, refreshed by heartbeats.
	status        string
	lastHeartbeat time.Time
	cpuPercent    float64
	memPercent    float64
	diskPercent   float64

	// currentJobs is the in-flight set. The dispatcher reserves here before
	// sending JobAssign; the relay releases on terminal messages.
	currentJobs map[string]struct{}

	// pending maps outbound message id → reply future.
	pending map[string]chan *protocol.Message

	// lastMetricsWrite throttles heartbeat metric persistence.
	lastMetricsWrite time.Time

	// send feeds the write pump. Closed exactly once, by close().
	send chan *protocol.Message

	// closed is closed when the handle reaches stateClosed, releasing any
	// goroutine waiting on connection teardown.
	closed chan struct{}

	// closeReason records why the handle closed, for logging and for
	// distinguishing supersede from failure at cleanup time.
	closeReason string
}

func newHandle(conn *websocket.Conn, robotID, remoteAddr string) *Handle {
	return &Handle{
		RobotID:      robotID,
		conn:         conn,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now().UTC(),
		state:        stateAuth,
		capabilities: make(map[string]struct{}),
		currentJobs:  make(map[string]struct{}),
		pending:      make(map[string]chan *protocol.Message),
		send:         make(chan *protocol.Message, sendBufferSize),
		closed:       make(chan struct{}),
	}
}

// Snapshot is a point-in-time copy of a handle's dispatch-relevant state.
// The dispatcher's eligibility predicate runs over these, never over live
// handles, so selection holds no handle locks.
type Snapshot struct {
	RobotID       string
	Name          string
	TenantID      string
	Status        string
	Capabilities  map[string]struct{}
	MaxJobs       int
	CurrentJobs   int
	JobIDs        []string
	LastHeartbeat time.Time
}

// Snapshot returns a copy of the handle's dispatch-relevant state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	caps := make(map[string]struct{}, len(h.capabilities))
	for c := range h.capabilities {
		caps[c] = struct{}{}
	}
	ids := make([]string, 0, len(h.currentJobs))
	for id := range h.currentJobs {
		ids = append(ids, id)
	}
	return Snapshot{
		RobotID:       h.RobotID,
		Name:          h.name,
		TenantID:      h.tenantID,
		Status:        h.status,
		Capabilities:  caps,
		MaxJobs:       h.maxJobs,
		CurrentJobs:   len(h.currentJobs),
		JobIDs:        ids,
		LastHeartbeat: h.lastHeartbeat,
	}
}

// ReserveJob adds jobID to the in-flight set if capacity allows. Returns
// false when the robot is at max_concurrent_jobs or the handle is closed.
func (h *Handle) ReserveJob(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateClosed {
		return false
	}
	if len(h.currentJobs) >= h.maxJobs {
		return false
	}
	h.currentJobs[jobID] = struct{}{}
	return true
}

// ReleaseJob removes jobID from the in-flight set. Safe to call twice.
func (h *Handle) ReleaseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.currentJobs, jobID)
}

// HasJob reports whether jobID is in the in-flight set.
func (h *Handle) HasJob(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.currentJobs[jobID]
	return ok
}

// Send queues a message for the write pump. It never blocks: a saturated
// queue is a failure, because a robot that cannot drain its socket is not a
// robot we should keep queueing work for.
func (h *Handle) Send(msg *protocol.Message) error {
	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		return ErrHandleClosed
	}
	h.mu.Unlock()

	select {
	case h.send <- msg:
		return nil
	case <-h.closed:
		return ErrHandleClosed
	default:
		return ErrSendBufferFull
	}
}

// Closed returns a channel closed when the handle is torn down.
func (h *Handle) Closed() <-chan struct{} { return h.closed }

// IsClosed reports whether the handle has reached its terminal state.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateClosed
}

// close transitions the handle to its terminal state, fails all pending
// futures, and wakes the write pump to emit a close frame. Idempotent; the
// first reason wins.
func (h *Handle) close(reason string) {
	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		return
	}
	h.state = stateClosed
	h.closeReason = reason
	pending := h.pending
	h.pending = make(map[string]chan *protocol.Message)
	h.mu.Unlock()

	// Fail outstanding futures: a nil reply on the channel means "no reply
	// will ever arrive" and Request translates it into ErrHandleClosed.
	for _, ch := range pending {
		close(ch)
	}
	close(h.closed)
}

// registerPending installs a reply future for an outbound message id.
func (h *Handle) registerPending(msgID string) (<-chan *protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateClosed {
		return nil, ErrHandleClosed
	}
	ch := make(chan *protocol.Message, 1)
	h.pending[msgID] = ch
	return ch, nil
}

// resolvePending completes the future for correlationID if one is
// outstanding. Replies that match nothing are ignored by design — they are
// stale answers to requests that already timed out.
func (h *Handle) resolvePending(correlationID string, msg *protocol.Message) bool {
	h.mu.Lock()
	ch, ok := h.pending[correlationID]
	if ok {
		delete(h.pending, correlationID)
	}
	h.mu.Unlock()
	if ok {
		ch <- msg
		close(ch)
	}
	return ok
}

// dropPending removes a future without completing it (request timed out).
func (h *Handle) dropPending(msgID string) {
	h.mu.Lock()
	delete(h.pending, msgID)
	h.mu.Unlock()
}

// writePump serializes all socket writes for this connection. It exits when
// the send channel is drained after close, or on the first write error.
// gorilla/websocket connections are not safe for concurrent writes; this
// goroutine is the only writer.
func (h *Handle) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.conn.Close()
	}()

	for {
		select {
		case msg := <-h.send:
			data, err := protocol.Encode(msg)
			if err != nil {
				// Encoding our own envelope cannot fail for well-formed
				// messages; skip the frame rather than kill the connection.
				continue
			}
			if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-h.closed:
			// Drain anything already queued, then emit the close frame with
			// the recorded reason so the peer knows why.
			for {
				select {
				case msg := <-h.send:
					if data, err := protocol.Encode(msg); err == nil {
						_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
						_ = h.conn.WriteMessage(websocket.TextMessage, data)
					}
				default:
					h.mu.Lock()
					reason := h.closeReason
					h.mu.Unlock()
					_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = h.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeCodeFor(reason), reason))
					return
				}
			}
		}
	}
}

// closeCodeFor maps internal close reasons onto WebSocket close codes.
func closeCodeFor(reason string) int {
	switch reason {
	case closeReasonAuth, closeReasonProtocol:
		return websocket.ClosePolicyViolation
	case closeReasonSuperseded:
		return websocket.CloseServiceRestart
	case closeReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

// Close reasons recorded on teardown. cleanup branches on supersede: a
// superseded handle's jobs are taken over by the new connection instead of
// being released.
const (
	closeReasonAuth       = "authentication failed"
	closeReasonProtocol   = "protocol violation"
	closeReasonSuperseded = "superseded by reconnect"
	closeReasonStale      = "heartbeat stale"
	closeReasonShutdown   = "server shutdown"
	closeReasonPeer       = "peer closed"
)

// errorFrame builds a protocol Error message; used before closing a
// misbehaving connection so the peer gets a diagnostic.
func errorFrame(code, msg string) *protocol.Message {
	m, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		// Static payload — cannot fail; keep the compiler honest.
		panic(fmt.Sprintf("registry: building error frame: %v", err))
	}
	return m
}
