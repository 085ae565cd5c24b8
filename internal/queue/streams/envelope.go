// Package streams carries normalized run events over Redis Streams so
// observers can follow executions without touching the database.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the canonical wrapper for every entry on the run-event stream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	RunID      string          `json:"run_id"`
	EventKind  string          `json:"event_kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// ValidateBasic checks the mandatory envelope fields.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.EventKind == "" {
		return fmt.Errorf("event_kind is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
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

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates it.
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
