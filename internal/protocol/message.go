// ABOUTME: Tagged-union control messages for the gateway session protocol
// ABOUTME: JSON encoding keyed on the "status" field, with strict decoding

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Status names a message variant.
type Status string

const (
	StatusStart   Status = "Start"
	StatusCheck   Status = "Check"
	StatusAffirm  Status = "Affirm"
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// Failure contents the gateway sends.
const (
	ReasonBusy           = "BUSY"
	ReasonNotUnderstood  = "don't understand"
	ReasonNoDeviceAnswer = "TIMEOUT"
)

var (
	// ErrUnknownStatus is returned for a status tag that names no variant.
	ErrUnknownStatus = errors.New("unknown status")

	// ErrMissingField is returned when a variant lacks a required field.
	ErrMissingField = errors.New("missing field")
)

// DecodeError reports a frame that could not be decoded into a Message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Message is one control message. RequestID is set for Success and
// optionally for Failure; Contents is set for Success and Failure.
type Message struct {
	Status    Status
	RequestID *uint64
	Contents  string
}

// Start asks for exclusive use of the device.
func Start() Message { return Message{Status: StatusStart} }

// Check asks whether the device is free without claiming it.
func Check() Message { return Message{Status: StatusCheck} }

// Affirm answers a Check when the device is free.
func Affirm() Message { return Message{Status: StatusAffirm} }

// Success carries a command or a device reply correlated by id.
func Success(id uint64, contents string) Message {
	return Message{Status: StatusSuccess, RequestID: &id, Contents: contents}
}

// Failure reports an error attributable to request id.
func Failure(id uint64, contents string) Message {
	return Message{Status: StatusFailure, RequestID: &id, Contents: contents}
}

// Unattributed reports an error that belongs to no request.
func Unattributed(contents string) Message {
	return Message{Status: StatusFailure, Contents: contents}
}

// ID returns the request id, or 0 and false when absent.
func (m Message) ID() (uint64, bool) {
	if m.RequestID == nil {
		return 0, false
	}
	return *m.RequestID, true
}

func (m Message) String() string {
	switch m.Status {
	case StatusSuccess, StatusFailure:
		if id, ok := m.ID(); ok {
			return fmt.Sprintf("%s{%d, %q}", m.Status, id, m.Contents)
		}
		return fmt.Sprintf("%s{-, %q}", m.Status, m.Contents)
	default:
		return string(m.Status)
	}
}

type controlWire struct {
	Status Status `json:"status"`
}

type successWire struct {
	Status    Status `json:"status"`
	RequestID uint64 `json:"request_id"`
	Contents  string `json:"contents"`
}

type failureWire struct {
	Status    Status  `json:"status"`
	RequestID *uint64 `json:"request_id"`
	Contents  string  `json:"contents"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Status {
	case StatusStart, StatusCheck, StatusAffirm:
		return json.Marshal(controlWire{Status: m.Status})
	case StatusSuccess:
		if m.RequestID == nil {
			return nil, fmt.Errorf("success without request_id: %w", ErrMissingField)
		}
		return json.Marshal(successWire{Status: m.Status, RequestID: *m.RequestID, Contents: m.Contents})
	case StatusFailure:
		return json.Marshal(failureWire{Status: m.Status, RequestID: m.RequestID, Contents: m.Contents})
	default:
		return nil, fmt.Errorf("%q: %w", m.Status, ErrUnknownStatus)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status    *Status         `json:"status"`
		RequestID json.RawMessage `json:"request_id"`
		Contents  *string         `json:"contents"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Status == nil {
		return fmt.Errorf("status: %w", ErrMissingField)
	}

	out := Message{Status: *raw.Status}
	switch out.Status {
	case StatusStart, StatusCheck, StatusAffirm:
	case StatusSuccess:
		id, err := decodeRequestID(raw.RequestID)
		if err != nil {
			return err
		}
		if id == nil {
			return fmt.Errorf("request_id: %w", ErrMissingField)
		}
		if raw.Contents == nil {
			return fmt.Errorf("contents: %w", ErrMissingField)
		}
		out.RequestID = id
		out.Contents = *raw.Contents
	case StatusFailure:
		id, err := decodeRequestID(raw.RequestID)
		if err != nil {
			return err
		}
		if raw.Contents == nil {
			return fmt.Errorf("contents: %w", ErrMissingField)
		}
		out.RequestID = id
		out.Contents = *raw.Contents
	default:
		return fmt.Errorf("%q: %w", out.Status, ErrUnknownStatus)
	}

	*m = out
	return nil
}

// decodeRequestID treats an absent field and JSON null the same way.
func decodeRequestID(raw json.RawMessage) (*uint64, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("request_id: %w", err)
	}
	return &id, nil
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one message. Any failure is a *DecodeError.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	return m, nil
}
