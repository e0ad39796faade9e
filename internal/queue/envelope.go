// ABOUTME: Broker wire envelope {msgId, data, attempts, maxRetries}.
package queue

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Envelope is the unit moved through the broker. Its JSON form is the wire
// format: {"msgId", "data", "attempts", "maxRetries"}.
type Envelope struct {
	MsgID      string          `json:"msgId"`
	Data       json.RawMessage `json:"data"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
}

// NewEnvelope encodes payload into a fresh envelope with zero attempts.
// maxRetries below 1 is raised to 1.
func NewEnvelope(payload any, maxRetries int) (*Envelope, error) {
	data, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Envelope{
		MsgID:      uuid.NewString(),
		Data:       data,
		MaxRetries: maxRetries,
	}, nil
}

// MarshalPayload JSON-encodes a payload. json.RawMessage is passed through
// after validation.
func MarshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, &MalformedError{Err: errors.New("payload is not valid JSON")}
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}
	return data, nil
}

// Exhausted reports whether the envelope has used its whole retry budget.
func (e *Envelope) Exhausted() bool {
	return e.Attempts >= e.MaxRetries
}

// Encode returns the wire form of e.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}
	return b, nil
}

// DecodeEnvelope parses a broker body. Bodies without a message id or with a
// non-positive retry budget are rejected as malformed.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, &MalformedError{Err: err}
	}
	switch {
	case e.MsgID == "":
		return nil, &MalformedError{Err: errors.New("missing msgId")}
	case e.MaxRetries < 1:
		return nil, &MalformedError{Err: errors.New("maxRetries must be positive")}
	case e.Attempts < 0:
		return nil, &MalformedError{Err: errors.New("attempts must not be negative")}
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return &e, nil
}
