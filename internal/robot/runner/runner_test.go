package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures progress and log events.
type recordingReporter struct {
	mu       sync.Mutex
	progress []float64
	logs     []string
}

func (r *recordingReporter) Progress(_ string, percent float64, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, percent)
}

func (r *recordingReporter) Log(_, _, message, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, message)
}

func TestPlayerWalksNodes(t *testing.T) {
	p := &Player{StepDelay: time.Millisecond}
	rep := &recordingReporter{}

	result, err := p.Run(context.Background(), Job{
		ID: "j1",
		WorkflowJSON: []byte(`{"nodes":[
			{"id":"n1","type":"browser.open","name":"Open page"},
			{"id":"n2","type":"browser.click"},
			{"id":"n3","type":"data.extract"},
			{"id":"n4","type":"browser.close"}
		]}`),
	}, rep)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nodes_executed": 4}, result)

	require.Len(t, rep.progress, 4)
	assert.Equal(t, 25.0, rep.progress[0])
	assert.Equal(t, 100.0, rep.progress[3])
	assert.Len(t, rep.logs, 4)
	assert.Contains(t, rep.logs[0], "Open page")
	// Nodes without a name fall back to the type.
	assert.Contains(t, rep.logs[1], "browser.click")
}

func TestPlayerHonorsCancellation(t *testing.T) {
	p := &Player{StepDelay: 50 * time.Millisecond}
	rep := &recordingReporter{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(75 * time.Millisecond)
		cancel()
	}()

	_, err := p.Run(ctx, Job{
		ID: "j1",
		WorkflowJSON: []byte(`{"nodes":[
			{"id":"n1"},{"id":"n2"},{"id":"n3"},{"id":"n4"},{"id":"n5"},
			{"id":"n6"},{"id":"n7"},{"id":"n8"},{"id":"n9"},{"id":"n10"}
		]}`),
	}, rep)
	assert.ErrorIs(t, err, context.Canceled)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Less(t, len(rep.progress), 10, "cancellation must stop the walk early")
}

func TestPlayerHandlesOpaqueWorkflow(t *testing.T) {
	p := NewPlayer()
	rep := &recordingReporter{}

	// Not the node-list schema: complete immediately, no error — workflow
	// bytes are opaque end to end.
	result, err := p.Run(context.Background(), Job{
		ID:           "j1",
		WorkflowJSON: []byte(`{"steps": "something else entirely"}`),
	}, rep)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"nodes_executed": 0}, result)
	assert.Empty(t, rep.progress)
}
