package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventID: "e1", RunID: "run-1", EventKind: "tool_call_end"}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("ValidateBasic: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("occurred_at should be defaulted")
	}

	bad := Envelope{EventID: "e1", EventKind: "tool_call_end"}
	if err := bad.ValidateBasic(); err == nil {
		t.Fatal("missing run_id must fail validation")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:    "e1",
		RunID:      "run-1",
		EventKind:  "text_delta",
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"text":"hello"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.RunID != env.RunID || decoded.EventKind != env.EventKind {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if _, err := UnmarshalEnvelope([]byte(`{"event_id":""}`)); err == nil {
		t.Fatal("invalid envelope must fail")
	}
}
