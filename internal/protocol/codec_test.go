package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := New(TypeJobAssign, JobAssignPayload{
		JobID:          "j1",
		WorkflowName:   "demo",
		WorkflowJSON:   json.RawMessage(`{"nodes":[]}`),
		Priority:       "normal",
		TimeoutSeconds: 300,
		Parameters:     map[string]any{"input": "x"},
	})
	require.NoError(t, err)

	b, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Type, got.Type)
	assert.True(t, msg.TS.Equal(got.TS))
	assert.Empty(t, got.CorrelationID)
	assert.True(t, got.Known())

	var p JobAssignPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, "demo", p.WorkflowName)
	assert.JSONEq(t, `{"nodes":[]}`, string(p.WorkflowJSON))
	assert.Equal(t, 300, p.TimeoutSeconds)
}

func TestReplyCarriesCorrelationID(t *testing.T) {
	req, err := New(TypeStatusRequest, nil)
	require.NoError(t, err)

	resp, err := Reply(req, TypeStatusReply, StatusResponsePayload{Status: "online"})
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.True(t, resp.IsReply())
	assert.NotEqual(t, req.ID, resp.ID)
}

func TestDecodeUnknownTypePassesThrough(t *testing.T) {
	raw := []byte(`{"id":"abc-123","type":"hologram_sync","ts":"2025-01-02T03:04:05Z","payload":{"x":1}}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	assert.False(t, msg.Known())
	assert.Equal(t, Type("hologram_sync"), msg.Type)

	// The raw payload must survive re-encoding so the envelope can be
	// forwarded verbatim by a side that does not understand it.
	out, err := Encode(msg)
	require.NoError(t, err)
	again, err := Decode(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(again.Payload))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"malformed json", `{"id":`},
		{"missing id", `{"type":"heartbeat","ts":"2025-01-02T03:04:05Z"}`},
		{"missing type", `{"id":"abc","ts":"2025-01-02T03:04:05Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
		})
	}
}

func TestEncodeRejectsIncompleteEnvelope(t *testing.T) {
	_, err := Encode(&Message{Type: TypeHeartbeat, TS: time.Now().UTC()})
	require.Error(t, err)

	_, err = Encode(&Message{ID: "abc", TS: time.Now().UTC()})
	require.Error(t, err)
}

func TestDecodePayloadMismatch(t *testing.T) {
	msg, err := New(TypeLogEntry, LogEntryPayload{JobID: "j1", Level: "info", Message: "hi", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	var wrong struct {
		JobID int `json:"job_id"`
	}
	err = msg.DecodePayload(&wrong)
	require.Error(t, err)

	empty, err := New(TypeHeartbeatAck, nil)
	require.NoError(t, err)
	var p HeartbeatPayload
	require.Error(t, empty.DecodePayload(&p))
}
