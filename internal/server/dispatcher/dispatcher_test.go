package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

// memJobRepo is an in-memory JobRepository for dispatcher unit tests.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*db.Job)}
}

func (m *memJobRepo) add(job *db.Job) *db.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == (uuid.UUID{}) {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m.jobs[job.ID] = job
	return job
}

func (m *memJobRepo) Enqueue(_ context.Context, job *db.Job) error {
	m.add(job)
	return nil
}

func (m *memJobRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobRepo) List(_ context.Context, _ repositories.JobFilter, _ repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}

func (m *memJobRepo) NextPending(_ context.Context, batch int) ([]db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Job
	for _, j := range m.jobs {
		if j.Status == db.JobStatusPending {
			out = append(out, *j)
		}
		if len(out) >= batch {
			break
		}
	}
	return out, nil
}

func (m *memJobRepo) Claim(_ context.Context, id uuid.UUID, robotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != db.JobStatusPending {
		return repositories.ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = db.JobStatusAssigned
	job.AssignedRobotID = robotID
	job.AssignedAt = &now
	return nil
}

func (m *memJobRepo) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || (job.Status != db.JobStatusAssigned && job.Status != db.JobStatusRunning) {
		return repositories.ErrNotFound
	}
	job.Status = db.JobStatusPending
	job.AssignedRobotID = ""
	job.AssignedAt = nil
	return nil
}

func (m *memJobRepo) ReleaseAllForRobot(_ context.Context, robotID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.AssignedRobotID == robotID &&
			(j.Status == db.JobStatusAssigned || j.Status == db.JobStatusRunning) {
			j.Status = db.JobStatusPending
			j.AssignedRobotID = ""
			n++
		}
	}
	return n, nil
}

func (m *memJobRepo) MarkRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status == db.JobStatusAssigned {
		job.Status = db.JobStatusRunning
		job.StartedAt = &startedAt
	}
	return nil
}

func (m *memJobRepo) UpdateProgress(_ context.Context, id uuid.UUID, percent float64, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && !db.IsTerminalJobStatus(job.Status) {
		job.ProgressPercent = percent
		job.CurrentNode = node
	}
	return nil
}

func (m *memJobRepo) RecordTerminal(_ context.Context, id uuid.UUID, status, result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if db.IsTerminalJobStatus(job.Status) {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.FinishedAt = &now
	job.Result = result
	job.Error = errMsg
	return nil
}

func (m *memJobRepo) ListActive(_ context.Context) ([]db.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Job
	for _, j := range m.jobs {
		if j.Status == db.JobStatusAssigned || j.Status == db.JobStatusRunning {
			out = append(out, *j)
		}
	}
	return out, nil
}

// memAuditRepo records audit entries in memory.
type memAuditRepo struct {
	mu      sync.Mutex
	entries []db.AuditEntry
}

func (m *memAuditRepo) Append(_ context.Context, entry *db.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAuditRepo) List(_ context.Context, _ string, _ repositories.ListOptions) ([]db.AuditEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.AuditEntry(nil), m.entries...), int64(len(m.entries)), nil
}

func (m *memAuditRepo) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

func testDispatcher(t *testing.T) (*Dispatcher, *memJobRepo, *memAuditRepo) {
	t.Helper()
	jobs := newMemJobRepo()
	audit := &memAuditRepo{}
	reg := registry.New(registry.Config{}, nil, nil, nil, metrics.New(), zap.NewNop())
	d := New(Config{
		RejectHoldBase: 10 * time.Millisecond,
		RejectHoldMax:  80 * time.Millisecond,
		ErrorCooldown:  50 * time.Millisecond,
		TimeoutGrace:   0,
	}, jobs, audit, reg, metrics.New(), zap.NewNop())
	return d, jobs, audit
}

func snapshot(robotID string, status string, current, max int, caps []string, beat time.Time) registry.Snapshot {
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	return registry.Snapshot{
		RobotID:       robotID,
		Status:        status,
		Capabilities:  capSet,
		MaxJobs:       max,
		CurrentJobs:   current,
		LastHeartbeat: beat,
	}
}

func TestEligibleRobotsPredicate(t *testing.T) {
	d, _, _ := testDispatcher(t)
	now := time.Now()

	job := &db.Job{
		RequiredCapabilities: db.EncodeStrings([]string{"gpu"}),
	}

	snaps := []registry.Snapshot{
		snapshot("offline", db.RobotStatusOffline, 0, 1, []string{"gpu"}, now),
		snapshot("full", db.RobotStatusOnline, 1, 1, []string{"gpu"}, now),
		snapshot("no-cap", db.RobotStatusOnline, 0, 1, []string{"browser"}, now),
		snapshot("eligible", db.RobotStatusOnline, 0, 1, []string{"gpu", "browser"}, now),
	}

	got := d.eligibleRobots(job, snaps, now)
	require.Len(t, got, 1)
	assert.Equal(t, "eligible", got[0].RobotID)
}

func TestEligibleRobotsRequestedRobotPin(t *testing.T) {
	d, _, _ := testDispatcher(t)
	now := time.Now()

	job := &db.Job{RequestedRobotID: "r2", RequiredCapabilities: "[]"}
	snaps := []registry.Snapshot{
		snapshot("r1", db.RobotStatusOnline, 0, 1, nil, now),
		snapshot("r2", db.RobotStatusOnline, 0, 1, nil, now),
	}

	got := d.eligibleRobots(job, snaps, now)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].RobotID)
}

func TestEligibleRobotsTieBreak(t *testing.T) {
	d, _, _ := testDispatcher(t)
	now := time.Now()
	earlier := now.Add(-time.Minute)

	job := &db.Job{RequiredCapabilities: "[]"}
	snaps := []registry.Snapshot{
		snapshot("busy-er", db.RobotStatusOnline, 2, 4, nil, now),
		snapshot("b-idle-stale", db.RobotStatusOnline, 0, 4, nil, earlier),
		snapshot("c-idle-fresh", db.RobotStatusOnline, 0, 4, nil, now),
		snapshot("a-idle-fresh", db.RobotStatusOnline, 0, 4, nil, now),
	}

	got := d.eligibleRobots(job, snaps, now)
	require.Len(t, got, 4)
	// Fewest current jobs first, then most recent heartbeat, then robot_id.
	assert.Equal(t, "a-idle-fresh", got[0].RobotID)
	assert.Equal(t, "c-idle-fresh", got[1].RobotID)
	assert.Equal(t, "b-idle-stale", got[2].RobotID)
	assert.Equal(t, "busy-er", got[3].RobotID)
}

func TestEligibleRobotsHonorsCooldown(t *testing.T) {
	d, _, _ := testDispatcher(t)
	now := time.Now()

	job := &db.Job{RequiredCapabilities: "[]"}
	snaps := []registry.Snapshot{snapshot("r1", db.RobotStatusOnline, 0, 1, nil, now)}

	d.coolDown("r1")
	assert.Empty(t, d.eligibleRobots(job, snaps, now))

	// After the cooldown window the robot is selectable again.
	assert.NotEmpty(t, d.eligibleRobots(job, snaps, now.Add(100*time.Millisecond)))
}

func TestHoldBackoffGrowsAndCaps(t *testing.T) {
	d, _, _ := testDispatcher(t)
	id := uuid.New()

	d.holdJob(id)
	assert.True(t, d.onHold(id, time.Now()))
	assert.False(t, d.onHold(id, time.Now().Add(20*time.Millisecond)))

	// Repeated holds double up to the cap.
	for i := 0; i < 10; i++ {
		d.holdJob(id)
	}
	d.mu.Lock()
	until := d.holds[id].until
	d.mu.Unlock()
	assert.LessOrEqual(t, time.Until(until), 80*time.Millisecond+10*time.Millisecond)

	d.clearHold(id)
	assert.False(t, d.onHold(id, time.Now()))
}

func TestCancelPendingJob(t *testing.T) {
	d, jobs, audit := testDispatcher(t)
	ctx := context.Background()

	job := jobs.add(&db.Job{Status: db.JobStatusPending, WorkflowName: "demo"})

	require.NoError(t, d.Cancel(ctx, job.ID, "operator request"))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, got.Status)
	assert.Contains(t, audit.actions(), "job.cancelled")
}

func TestCancelAssignedJobWithOfflineRobot(t *testing.T) {
	d, jobs, audit := testDispatcher(t)
	ctx := context.Background()

	job := jobs.add(&db.Job{
		Status:          db.JobStatusAssigned,
		AssignedRobotID: "gone-robot",
		WorkflowName:    "demo",
	})

	// The owning robot has no live handle: cancel is best-effort and the
	// job still reaches cancelled.
	require.NoError(t, d.Cancel(ctx, job.ID, "operator request"))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, got.Status)
	assert.Contains(t, audit.actions(), "job.cancelled")
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	d, jobs, _ := testDispatcher(t)
	ctx := context.Background()

	job := jobs.add(&db.Job{Status: db.JobStatusSucceeded, WorkflowName: "demo"})

	require.NoError(t, d.Cancel(ctx, job.ID, "too late"))
	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusSucceeded, got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	d, _, _ := testDispatcher(t)
	err := d.Cancel(context.Background(), uuid.New(), "nothing here")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSweepTimeouts(t *testing.T) {
	d, jobs, audit := testDispatcher(t)
	ctx := context.Background()

	longAgo := time.Now().Add(-10 * time.Minute).UTC()
	overdue := jobs.add(&db.Job{
		Status:          db.JobStatusRunning,
		AssignedRobotID: "r1",
		TimeoutSeconds:  60,
		StartedAt:       &longAgo,
	})
	justStarted := time.Now().UTC()
	fresh := jobs.add(&db.Job{
		Status:          db.JobStatusRunning,
		AssignedRobotID: "r1",
		TimeoutSeconds:  60,
		StartedAt:       &justStarted,
	})

	d.SweepTimeouts(ctx)

	got, err := jobs.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusTimedOut, got.Status)

	got, err = jobs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRunning, got.Status)

	assert.Contains(t, audit.actions(), "job.timed_out")
}

func TestIterateWithNoRobotsLeavesJobsPending(t *testing.T) {
	d, jobs, _ := testDispatcher(t)
	ctx := context.Background()

	job := jobs.add(&db.Job{
		Status:               db.JobStatusPending,
		WorkflowName:         "demo",
		RequiredCapabilities: "[]",
	})

	// Zero eligible robots: the iteration places nothing, the job stays
	// pending, no crash, no busy loop.
	assert.Zero(t, d.iterate(ctx))
	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusPending, got.Status)
}
