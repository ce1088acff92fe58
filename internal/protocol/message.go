// Package protocol defines the framed message envelope exchanged between the
// orchestrator and its robots. One envelope is carried per WebSocket text
// frame, encoded as UTF-8 JSON.
//
// Every envelope is self-describing: the Type field selects the payload shape,
// and CorrelationID pairs replies with the request message's ID. Unknown types
// decode without error so that either side can introduce new message types
// without breaking the other — see Message.Known.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message carried by an envelope.
type Type string

// Robot → server message types.
const (
	TypeRegister     Type = "register"
	TypeHeartbeat    Type = "heartbeat"
	TypeJobAccept    Type = "job_accept"
	TypeJobReject    Type = "job_reject"
	TypeJobProgress  Type = "job_progress"
	TypeJobComplete  Type = "job_complete"
	TypeJobFailed    Type = "job_failed"
	TypeJobCancelled Type = "job_cancelled"
	TypeLogEntry     Type = "log_entry"
	TypeLogBatch     Type = "log_batch"
	TypeStatusReply  Type = "status_response"
	TypeDisconnect   Type = "disconnect"
)

// Server → robot message types.
const (
	TypeRegisterAck   Type = "register_ack"
	TypeHeartbeatAck  Type = "heartbeat_ack"
	TypeJobAssign     Type = "job_assign"
	TypeJobCancel     Type = "job_cancel"
	TypeStatusRequest Type = "status_request"
	TypePause         Type = "pause"
	TypeResume        Type = "resume"
	TypeShutdown      Type = "shutdown"
)

// TypeError flows in either direction and carries a diagnostic code + message.
const TypeError Type = "error"

// knownTypes is the closed set of types this build understands. Messages with
// any other Type still decode — they are forwarded as opaque envelopes.
var knownTypes = map[Type]struct{}{
	TypeRegister: {}, TypeHeartbeat: {}, TypeJobAccept: {}, TypeJobReject: {},
	TypeJobProgress: {}, TypeJobComplete: {}, TypeJobFailed: {}, TypeJobCancelled: {},
	TypeLogEntry: {}, TypeLogBatch: {}, TypeStatusReply: {}, TypeDisconnect: {},
	TypeRegisterAck: {}, TypeHeartbeatAck: {}, TypeJobAssign: {}, TypeJobCancel: {},
	TypeStatusRequest: {}, TypePause: {}, TypeResume: {}, TypeShutdown: {},
	TypeError: {},
}

// Message is the wire envelope. Payload is kept as raw JSON so the envelope
// can be routed without knowing the payload shape; use DecodePayload to
// extract the typed payload at the handling site.
type Message struct {
	// ID is a UUID unique per message. Replies reference it via CorrelationID.
	ID string `json:"id"`

	// Type selects the payload shape (see the message catalog constants).
	Type Type `json:"type"`

	// TS is the sender's timestamp in UTC.
	TS time.Time `json:"ts"`

	// CorrelationID, when set, marks this message as a reply to the message
	// whose ID matches.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload is the type-specific body, left raw until the handler decodes it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with a fresh UUID and the current UTC timestamp.
// payload may be nil for bodiless messages (e.g. heartbeat_ack).
func New(t Type, payload any) (*Message, error) {
	m := &Message{
		ID:   uuid.NewString(),
		Type: t,
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = raw
	}
	return m, nil
}

// Reply builds a message of type t correlated to the given request.
func Reply(to *Message, t Type, payload any) (*Message, error) {
	m, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	m.CorrelationID = to.ID
	return m, nil
}

// Known reports whether this build understands the message's Type. Unknown
// messages are valid envelopes and should be forwarded or ignored, never
// treated as a protocol error.
func (m *Message) Known() bool {
	_, ok := knownTypes[m.Type]
	return ok
}

// IsReply reports whether the message correlates to a prior request.
func (m *Message) IsReply() bool { return m.CorrelationID != "" }

// DecodePayload unmarshals the raw payload into dst.
func (m *Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return &ParseError{Reason: "message has no payload", MsgType: string(m.Type)}
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return &ParseError{Reason: "payload decode failed", MsgType: string(m.Type), Err: err}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Payloads: robot → server
// -----------------------------------------------------------------------------

// RegisterPayload is the robot's identity self-declaration, required as the
// first application-level message on a new connection.
type RegisterPayload struct {
	RobotName         string   `json:"robot_name"`
	Environment       string   `json:"environment,omitempty"`
	Hostname          string   `json:"hostname,omitempty"`
	Version           string   `json:"version,omitempty"`
	TenantID          string   `json:"tenant_id,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Tags              []string `json:"tags,omitempty"`
	Capabilities      []string `json:"capabilities,omitempty"`

	// AuthToken is an alternative to the api_key query parameter for clients
	// that cannot set query parameters on the upgrade URL.
	AuthToken string `json:"auth_token,omitempty"`
}

// HeartbeatPayload is the periodic liveness report.
type HeartbeatPayload struct {
	Status        string   `json:"status"`
	CurrentJobs   int      `json:"current_jobs"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	ActiveJobIDs  []string `json:"active_job_ids,omitempty"`
}

// JobAcceptPayload confirms a JobAssign; sent with correlation_id set to the
// assign message's id.
type JobAcceptPayload struct {
	JobID string `json:"job_id"`
}

// JobRejectPayload declines a JobAssign.
type JobRejectPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload reports execution progress for a running job.
type JobProgressPayload struct {
	JobID       string  `json:"job_id"`
	Progress    float64 `json:"progress"`
	CurrentNode string  `json:"current_node,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// JobCompletePayload reports successful completion.
type JobCompletePayload struct {
	JobID      string         `json:"job_id"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// JobFailedPayload reports a failed execution. This is a normal terminal
// state from the orchestrator's standpoint, not a system error.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`
	FailedNode   string `json:"failed_node,omitempty"`
}

// JobCancelledPayload acknowledges a JobCancel; correlated.
type JobCancelledPayload struct {
	JobID string `json:"job_id"`
}

// LogEntryPayload is a single diagnostic line for a job.
type LogEntryPayload struct {
	JobID     string         `json:"job_id"`
	Level     string         `json:"level"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogBatchPayload carries multiple log lines in one frame.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// StatusResponsePayload answers a StatusRequest; correlated.
type StatusResponsePayload struct {
	Status       string   `json:"status"`
	ActiveJobIDs []string `json:"active_job_ids,omitempty"`
	Paused       bool     `json:"paused"`
}

// DisconnectPayload announces an orderly robot-initiated disconnect.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// -----------------------------------------------------------------------------
// Payloads: server → robot
// -----------------------------------------------------------------------------

// RegisterAckPayload answers a Register. Config lets the server override
// client defaults, currently only the heartbeat cadence.
type RegisterAckPayload struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	RobotID string            `json:"robot_id,omitempty"`
	Config  RegisterAckConfig `json:"config"`
}

// RegisterAckConfig is the server-pushed connection configuration.
type RegisterAckConfig struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// JobAssignPayload carries a workflow execution order. WorkflowJSON is opaque
// to the orchestrator — it is stored and forwarded as-is.
type JobAssignPayload struct {
	JobID          string          `json:"job_id"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	WorkflowName   string          `json:"workflow_name"`
	WorkflowJSON   json.RawMessage `json:"workflow_json"`
	Priority       string          `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
}

// JobCancelPayload orders a robot to stop a job.
type JobCancelPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a diagnostic error in either direction.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
