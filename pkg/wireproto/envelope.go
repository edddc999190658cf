// Package wireproto defines the framed, versioned, named-event envelope
// shared by the session-scoped and machine-scoped sync clients.
package wireproto

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current Envelope.V. Unknown versions are logged
// and dropped by the receiver rather than crashing the link, so this can
// be bumped without breaking older daemons/sessions mid-rollout.
const ProtocolVersion = 1

// Envelope is the frame written to and read from the websocket transport.
type Envelope struct {
	V       int             `json:"v"`
	Event   string          `json:"event"`
	ReqID   string          `json:"reqId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an Envelope at the current protocol version.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wireproto: marshal payload for %q: %w", event, err)
	}
	return &Envelope{V: ProtocolVersion, Event: event, Payload: data}, nil
}

// NewRequestEnvelope builds an Envelope carrying a request ID so the
// response can be correlated to it (the "emitWithAck" semantics).
func NewRequestEnvelope(reqID, event string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	env.ReqID = reqID
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// SupportedVersion reports whether this build understands e.V.
func (e *Envelope) SupportedVersion() bool { return e.V == ProtocolVersion }
