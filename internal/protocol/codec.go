package protocol

import (
	"encoding/json"
	"fmt"
)

// ParseError describes a frame or payload that could not be decoded.
// It is connection-local: the codec never panics and the caller decides
// whether to drop the frame or close the connection.
type ParseError struct {
	Reason  string
	MsgType string
	Size    int
	Err     error
}

func (e *ParseError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("protocol: %s (type %q)", e.Reason, e.MsgType)
	}
	return fmt.Sprintf("protocol: %s (%d bytes)", e.Reason, e.Size)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Encode serializes a message envelope to its wire form.
func Encode(m *Message) ([]byte, error) {
	if m.ID == "" {
		return nil, &ParseError{Reason: "message has no id", MsgType: string(m.Type)}
	}
	if m.Type == "" {
		return nil, &ParseError{Reason: "message has no type"}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &ParseError{Reason: "encode failed", MsgType: string(m.Type), Err: err}
	}
	return b, nil
}

// Decode parses one wire frame into a message envelope. Messages with an
// unrecognized Type decode successfully and report Known() == false; only
// malformed JSON or a missing id/type is an error.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ParseError{Reason: "malformed frame", Size: len(b), Err: err}
	}
	if m.ID == "" {
		return nil, &ParseError{Reason: "frame missing id", Size: len(b)}
	}
	if m.Type == "" {
		return nil, &ParseError{Reason: "frame missing type", Size: len(b)}
	}
	return &m, nil
}
