// Package agent defines the outbound boundary to the LLM agent runtime. The
// runtime's event shapes are not contractually stable, so everything crossing
// this boundary is raw JSON that the runner normalizes on its side.
package agent

import (
	"context"
	"encoding/json"
)

// Message is one input message for an agent call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ApprovalDecision resolves a pending tool-approval interruption.
type ApprovalDecision struct {
	ToolCallID string `json:"tool_call_id"`
	Approve    bool   `json:"approve"`
}

// Request carries everything the agent runtime needs to run or resume a turn.
type Request struct {
	RunID            string
	OrgID            string
	UserID           string
	ConversationID   string
	RunType          string
	InputMessages    []Message
	MaxTurns         int
	MemoryContext    []string
	ResumedState     json.RawMessage
	ApprovalDecision *ApprovalDecision
}

// RawEvent is one untyped event emitted by a streaming agent call.
type RawEvent struct {
	Data json.RawMessage
}

// Result is the terminal payload of an agent call. Interruptions are pending
// tool-approval requests; State is the serializable resume blob that revives
// the call after a human decision.
type Result struct {
	FinalOutput    string
	LastResponseID string
	Interruptions  []json.RawMessage
	State          json.RawMessage
}

// Stream yields events in emission order, then a terminal Result.
type Stream interface {
	// Next returns the next event. ok=false signals the end of the stream.
	Next(ctx context.Context) (ev RawEvent, ok bool, err error)
	// Result returns the terminal payload once Next has reported the end.
	Result() (Result, error)
}

// Invocation is the outcome of starting an agent call: either a live event
// stream or, for non-streaming runtimes, a single terminal result.
type Invocation struct {
	Stream Stream
	Result *Result
}

// Capability is the opaque agent runtime the execution engine drives.
type Capability interface {
	Run(ctx context.Context, req Request) (Invocation, error)
}
