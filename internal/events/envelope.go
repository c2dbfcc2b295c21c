package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// PayloadVersion is the envelope schema version written to the stream.
const PayloadVersion = "v1"

// Envelope is the message wrapper appended to the Redis event stream.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AgentID        string          `json:"agent_id"`
	Visibility     ops.Visibility  `json:"visibility"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope wraps a stored event.
func NewEnvelope(ev ops.Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event: %w", err)
	}
	return Envelope{
		EventID:        ev.ID,
		EventType:      ev.Kind,
		AgentID:        ev.AgentID,
		Visibility:     ev.Visibility,
		OccurredAt:     ev.CreatedAt,
		PayloadVersion: PayloadVersion,
		Data:           data,
	}, nil
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses an envelope read back from the stream.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Event decodes the wrapped event.
func (e Envelope) Event() (ops.Event, error) {
	var ev ops.Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return ops.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
