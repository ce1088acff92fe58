package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/protocol"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
)

// bareHandle builds a handle with no socket, for exercising the state that
// never touches the wire (capacity, pending futures, close semantics).
func bareHandle(robotID string, maxJobs int) *Handle {
	h := newHandle(nil, robotID, "test:0")
	h.state = stateActive
	h.maxJobs = maxJobs
	h.status = "online"
	return h
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{
		HeartbeatInterval: 100 * time.Millisecond,
		ReplyTimeout:      200 * time.Millisecond,
	}, nil, nil, nil, metrics.New(), zap.NewNop())
}

func TestHandleCapacity(t *testing.T) {
	h := bareHandle("r1", 2)

	assert.True(t, h.ReserveJob("j1"))
	assert.True(t, h.ReserveJob("j2"))
	assert.False(t, h.ReserveJob("j3"), "capacity must cap at max_concurrent_jobs")

	assert.True(t, h.HasJob("j1"))
	h.ReleaseJob("j1")
	assert.False(t, h.HasJob("j1"))
	assert.True(t, h.ReserveJob("j3"))

	// Double release is harmless.
	h.ReleaseJob("j1")

	snap := h.Snapshot()
	assert.Equal(t, 2, snap.CurrentJobs)
	assert.ElementsMatch(t, []string{"j2", "j3"}, snap.JobIDs)
}

func TestHandleReserveAfterClose(t *testing.T) {
	h := bareHandle("r1", 2)
	h.close(closeReasonStale)

	assert.False(t, h.ReserveJob("j1"))
	assert.ErrorIs(t, h.Send(&protocol.Message{ID: "x", Type: protocol.TypeHeartbeatAck}), ErrHandleClosed)
	assert.True(t, h.IsClosed())
}

func TestHandleCloseIsIdempotentAndKeepsFirstReason(t *testing.T) {
	h := bareHandle("r1", 1)
	h.close(closeReasonSuperseded)
	h.close(closeReasonStale)

	h.mu.Lock()
	reason := h.closeReason
	h.mu.Unlock()
	assert.Equal(t, closeReasonSuperseded, reason)
}

func TestPendingReplyResolution(t *testing.T) {
	h := bareHandle("r1", 1)

	future, err := h.registerPending("msg-1")
	require.NoError(t, err)

	reply := &protocol.Message{ID: "reply-1", Type: protocol.TypeJobAccept, CorrelationID: "msg-1"}
	assert.True(t, h.resolvePending("msg-1", reply))

	got := <-future
	assert.Equal(t, "reply-1", got.ID)

	// A reply that matches nothing is ignored.
	assert.False(t, h.resolvePending("msg-unknown", reply))
}

func TestPendingFailsOnClose(t *testing.T) {
	h := bareHandle("r1", 1)

	future, err := h.registerPending("msg-1")
	require.NoError(t, err)

	h.close(closeReasonStale)

	reply, ok := <-future
	assert.Nil(t, reply)
	assert.False(t, ok, "close must fail outstanding futures")

	_, err = h.registerPending("msg-2")
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestRequestTimesOut(t *testing.T) {
	reg := testRegistry(t)
	h := bareHandle("r1", 1)

	msg, err := protocol.New(protocol.TypeStatusRequest, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = reg.Request(context.Background(), h, msg)
	assert.ErrorIs(t, err, ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// The future is dropped — a late reply is simply ignored.
	assert.False(t, h.resolvePending(msg.ID, &protocol.Message{ID: "late"}))
}

func TestRequestResolvedByReply(t *testing.T) {
	reg := testRegistry(t)
	h := bareHandle("r1", 1)

	msg, err := protocol.New(protocol.TypeJobAssign, protocol.JobAssignPayload{JobID: "j1", WorkflowName: "w"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Simulate the robot's accept arriving while Request waits; drain
		// the send queue the way the write pump would.
		time.Sleep(20 * time.Millisecond)
		<-h.send
		h.resolvePending(msg.ID, &protocol.Message{
			ID:            "accept-1",
			Type:          protocol.TypeJobAccept,
			CorrelationID: msg.ID,
		})
	}()

	reply, err := reg.Request(context.Background(), h, msg)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeJobAccept, reply.Type)
	<-done
}

func TestRequestFailsOnDisconnect(t *testing.T) {
	reg := testRegistry(t)
	h := bareHandle("r1", 1)

	msg, err := protocol.New(protocol.TypeJobAssign, protocol.JobAssignPayload{JobID: "j1", WorkflowName: "w"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.close(closeReasonPeer)
	}()

	_, err = reg.Request(context.Background(), h, msg)
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestInstallSupersedesExistingHandle(t *testing.T) {
	reg := testRegistry(t)

	old := bareHandle("r1", 1)
	reg.install(old)

	replacement := bareHandle("r1", 1)
	reg.install(replacement)

	// At most one live handle per robot_id.
	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Same(t, replacement, got)
	assert.Equal(t, 1, reg.ConnectedCount())

	// The superseded handle is closed with the supersede reason so its
	// teardown path keeps the jobs for the new connection.
	assert.True(t, old.IsClosed())
	old.mu.Lock()
	reason := old.closeReason
	old.mu.Unlock()
	assert.Equal(t, closeReasonSuperseded, reason)

	// Removing the old handle must not evict the replacement.
	assert.False(t, reg.remove(old))
	_, ok = reg.Get("r1")
	assert.True(t, ok)

	assert.True(t, reg.remove(replacement))
	_, ok = reg.Get("r1")
	assert.False(t, ok)
}

func TestReleaseJobSlotWakesDispatcher(t *testing.T) {
	reg := testRegistry(t)

	woke := make(chan struct{}, 4)
	reg.SetWake(func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	h := bareHandle("r1", 1)
	require.True(t, h.ReserveJob("j1"))
	reg.install(h)

	reg.ReleaseJobSlot("r1", "j1")
	assert.False(t, h.HasJob("j1"))

	select {
	case <-woke:
	default:
		t.Fatal("expected an availability wake")
	}

	// Unknown robot: no slot to free, still a wake (availability may have
	// changed through the store).
	reg.ReleaseJobSlot("ghost", "j9")
}

func TestSnapshotsAreCopies(t *testing.T) {
	reg := testRegistry(t)
	h := bareHandle("r1", 2)
	h.capabilities["browser"] = struct{}{}
	reg.install(h)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 1)
	snaps[0].Capabilities["gpu"] = struct{}{}

	h.mu.Lock()
	_, leaked := h.capabilities["gpu"]
	h.mu.Unlock()
	assert.False(t, leaked, "snapshot mutation must not reach the handle")
}

func TestTenantOf(t *testing.T) {
	reg := testRegistry(t)
	h := bareHandle("r1", 1)
	h.tenantID = "acme"
	reg.install(h)

	assert.Equal(t, "acme", reg.TenantOf("r1"))
	assert.Equal(t, "", reg.TenantOf("offline-robot"))
}
