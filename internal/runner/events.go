package runner

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// EventKind enumerates the closed set of normalized agent events.
type EventKind string

const (
	EventHandoff         EventKind = "agent_handoff"
	EventTextDelta       EventKind = "text_delta"
	EventToolStart       EventKind = "tool_call_start"
	EventToolEnd         EventKind = "tool_call_end"
	EventApprovalRequest EventKind = "tool_approval_request"
	EventError           EventKind = "error"
	EventUnknown         EventKind = "unknown"
)

// Event is the normalized form of one raw agent-stream event. Raw events are
// decoded exactly once at this boundary; everything downstream operates on
// this type only.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Agent      string          `json:"agent,omitempty"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Err        string          `json:"error,omitempty"`
}

// Field-name variants probed across upstream shape versions. The agent
// runtime has shipped snake_case, camelCase and nested forms of the same
// payloads; each probe list is ordered newest-shape-first.
var (
	toolNamePaths = []string{
		"tool.name", "toolCall.name", "tool_call.name", "call.name", "fn.name",
		"toolName", "tool_name", "tool", "name",
	}
	toolCallIDPaths = []string{
		"toolCall.id", "tool_call.id", "call.id", "toolCallId", "tool_call_id", "callId", "call_id", "id",
	}
	toolArgsPaths = []string{
		"tool.arguments", "toolCall.arguments", "tool_call.arguments", "call.arguments",
		"arguments", "args", "input", "params",
	}
	toolOutputPaths = []string{
		"tool.output", "toolCall.output", "tool_call.output", "call.output",
		"output", "result", "response",
	}
	textPaths  = []string{"delta", "text", "content"}
	agentPaths = []string{"agent", "to", "target", "handoff.to"}
	errPaths   = []string{"error.message", "error", "message"}
	typePaths  = []string{"type", "event", "kind"}
)

// NormalizeEvent classifies one raw agent event by best-effort field probing.
func NormalizeEvent(raw json.RawMessage) Event {
	data := string(raw)
	if !gjson.Valid(data) {
		return Event{Kind: EventUnknown}
	}

	typ := strings.ToLower(firstString(data, typePaths))
	switch {
	case strings.Contains(typ, "handoff"):
		return Event{Kind: EventHandoff, Agent: firstString(data, agentPaths)}
	case strings.Contains(typ, "approval") || strings.Contains(typ, "interruption"):
		return approvalEvent(data)
	case strings.Contains(typ, "error"):
		return Event{Kind: EventError, Err: firstString(data, errPaths)}
	case strings.Contains(typ, "delta") || strings.Contains(typ, "text"):
		return Event{Kind: EventTextDelta, Text: firstString(data, textPaths)}
	}

	// No usable type tag: fall back to structural probing.
	if name := firstString(data, toolNamePaths); name != "" {
		ev := Event{
			ToolName:   name,
			ToolCallID: firstString(data, toolCallIDPaths),
			ToolArgs:   firstRaw(data, toolArgsPaths),
		}
		if out := firstRaw(data, toolOutputPaths); len(out) > 0 {
			ev.Kind = EventToolEnd
			ev.ToolOutput = out
			return ev
		}
		ev.Kind = EventToolStart
		return ev
	}
	if msg := firstString(data, errPaths); msg != "" && gjson.Get(data, "error").Exists() {
		return Event{Kind: EventError, Err: msg}
	}
	if text := firstString(data, textPaths); text != "" {
		return Event{Kind: EventTextDelta, Text: text}
	}
	return Event{Kind: EventUnknown}
}

func approvalEvent(data string) Event {
	return Event{
		Kind:       EventApprovalRequest,
		ToolName:   firstString(data, toolNamePaths),
		ToolCallID: firstString(data, toolCallIDPaths),
		ToolArgs:   firstRaw(data, toolArgsPaths),
	}
}

func firstString(data string, paths []string) string {
	for _, p := range paths {
		if v := gjson.Get(data, p); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" && v.Type == gjson.String {
				return s
			}
		}
	}
	return ""
}

func firstRaw(data string, paths []string) json.RawMessage {
	for _, p := range paths {
		if v := gjson.Get(data, p); v.Exists() {
			return json.RawMessage(v.Raw)
		}
	}
	return nil
}

// ApprovalItemID extracts the tool-call id of a stored raw interruption.
func ApprovalItemID(raw json.RawMessage) string {
	data := string(raw)
	if !gjson.Valid(data) {
		return ""
	}
	return firstString(data, toolCallIDPaths)
}

// failureKeywords mark tool outputs that should be recorded as missing
// evidence rather than usable results.
var failureKeywords = []string{"error", "failed", "failure", "timeout", "not found", "unavailable", "denied"}

var packVersionPaths = []string{"packVersion", "pack_version", "meta.version", "metadata.version", "version"}

var citationContainerPaths = []string{"citations", "sources", "evidence"}

// ToolOutputScan is what the engine learns from one tool-call output.
type ToolOutputScan struct {
	PackVersion string
	Citations   []Citation
	FailureText string
}

// ScanToolOutput inspects a tool output for pack version metadata,
// evidence-citation shaped objects and failure keywords.
func ScanToolOutput(toolName string, output json.RawMessage) ToolOutputScan {
	var scan ToolOutputScan
	data := string(output)
	if !gjson.Valid(data) {
		// Plain-text outputs still get the failure-keyword check.
		lower := strings.ToLower(data)
		for _, kw := range failureKeywords {
			if strings.Contains(lower, kw) {
				scan.FailureText = strings.TrimSpace(data)
				break
			}
		}
		return scan
	}

	scan.PackVersion = firstString(data, packVersionPaths)

	if c, ok := citationFromObject(data); ok {
		scan.Citations = append(scan.Citations, c)
	}
	for _, container := range citationContainerPaths {
		arr := gjson.Get(data, container)
		if !arr.IsArray() {
			continue
		}
		arr.ForEach(func(_, item gjson.Result) bool {
			if c, ok := citationFromObject(item.Raw); ok {
				scan.Citations = append(scan.Citations, c)
			}
			return true
		})
	}

	if msg := firstString(data, errPaths); msg != "" {
		lower := strings.ToLower(msg)
		for _, kw := range failureKeywords {
			if strings.Contains(lower, kw) {
				scan.FailureText = msg
				break
			}
		}
	}
	if scan.FailureText == "" {
		lower := strings.ToLower(data)
		for _, kw := range []string{`"error"`, `"failed"`, `"timeout"`} {
			if strings.Contains(lower, kw) {
				scan.FailureText = toolName + " reported " + strings.Trim(kw, `"`)
				break
			}
		}
	}
	return scan
}

func citationFromObject(data string) (Citation, bool) {
	if !gjson.Valid(data) {
		return Citation{}, false
	}
	c := Citation{
		SourceID:    firstString(data, []string{"sourceId", "source_id"}),
		SnapshotID:  firstString(data, []string{"snapshotId", "snapshot_id"}),
		ContentHash: firstString(data, []string{"contentHash", "content_hash"}),
		URL:         firstString(data, []string{"url", "link"}),
	}
	if v := gjson.Get(data, "isOfficial"); v.Exists() {
		c.IsOfficial = v.Bool()
	} else if v := gjson.Get(data, "is_official"); v.Exists() {
		c.IsOfficial = v.Bool()
	}
	if c.SourceID == "" && c.SnapshotID == "" && c.ContentHash == "" && c.URL == "" {
		return Citation{}, false
	}
	return c, true
}
