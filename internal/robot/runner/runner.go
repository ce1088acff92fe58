// Package runner defines the seam between the robot's connection manager
// and the workflow execution engine. The engine itself is a separate
// concern; the connection manager only needs something that runs a job and
// reports what happened.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one assignment handed to the runner. WorkflowJSON is the workflow
// definition exactly as submitted to the orchestrator.
type Job struct {
	ID           string
	WorkflowName string
	WorkflowJSON []byte
	Parameters   map[string]any
	Timeout      time.Duration
}

// Reporter receives execution events from a running job. Implemented by the
// connection manager, which forwards them over the channel.
type Reporter interface {
	Progress(jobID string, percent float64, currentNode, message string)
	Log(jobID, level, message, nodeID string)
}

// Runner executes one job to completion. A nil error with the returned
// result map means success; ctx cancellation must abort promptly and return
// ctx.Err().
type Runner interface {
	Run(ctx context.Context, job Job, rep Reporter) (map[string]any, error)
}

// workflowDoc is the minimal slice of the workflow schema the player
// understands: the node list, in execution order.
type workflowDoc struct {
	Nodes []workflowNode `json:"nodes"`
}

type workflowNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Player is the built-in step-walking runner used in development and tests.
// It walks the workflow's node list, emitting progress and a log line per
// node, with a fixed delay standing in for real node execution. Production
// deployments plug the actual execution engine into the Runner seam
// instead.
type Player struct {
	// StepDelay is the simulated per-node execution time.
	StepDelay time.Duration
}

// NewPlayer creates a Player with a 100ms step delay.
func NewPlayer() *Player {
	return &Player{StepDelay: 100 * time.Millisecond}
}

// Run walks the node list. Workflows without a parsable node list complete
// immediately — the orchestrator treats workflow bytes as opaque, so an
// unknown schema is not an error here either.
func (p *Player) Run(ctx context.Context, job Job, rep Reporter) (map[string]any, error) {
	var doc workflowDoc
	if err := json.Unmarshal(job.WorkflowJSON, &doc); err != nil || len(doc.Nodes) == 0 {
		rep.Log(job.ID, "info", "workflow has no recognizable node list, completing", "")
		return map[string]any{"nodes_executed": 0}, nil
	}

	total := len(doc.Nodes)
	for i, node := range doc.Nodes {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.StepDelay):
		}

		label := node.Name
		if label == "" {
			label = node.Type
		}
		percent := float64(i+1) / float64(total) * 100

		rep.Log(job.ID, "info", fmt.Sprintf("executed node %s", label), node.ID)
		rep.Progress(job.ID, percent, node.ID, label)
	}

	return map[string]any{"nodes_executed": total}, nil
}
