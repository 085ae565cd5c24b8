// Package runner drives agent executions end to end: lease arming, event
// normalization, evidence accounting, checkpoint/resume and the terminal
// compare-and-swap write.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blakegallagher1/gpc-cres/internal/agent"
	"github.com/blakegallagher1/gpc-cres/internal/retrieval"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// Sentinel errors surfaced to transport layers.
var (
	// ErrLeaseUnavailable means no usable lease could be armed for the run.
	ErrLeaseUnavailable = errors.New("run lease unavailable")
	// ErrDuplicateExecution means another attempt finalized the run while
	// this attempt was executing and no winner row could be read back.
	ErrDuplicateExecution = errors.New("duplicate run execution detected")
	// ErrApprovalItemNotFound means the referenced tool call is not pending
	// approval on the run.
	ErrApprovalItemNotFound = errors.New("approval item not found")
	// ErrRunNotResumable means the run has no stored checkpoint to resume.
	ErrRunNotResumable = errors.New("run is not resumable")
)

// runStore is the slice of the store the engine needs.
type runStore interface {
	GetRun(ctx context.Context, id string) (store.Run, bool, error)
	UpsertRunRunning(ctx context.Context, r store.Run) error
	FinalizeRun(ctx context.Context, id, status string, output json.RawMessage, token string) (bool, error)
	SaveRunCheckpoint(ctx context.Context, id string, resumeState, output json.RawMessage, token string) (bool, error)
}

// ContextSearcher supplies memory context lines for the agent prompt.
type ContextSearcher interface {
	Search(ctx context.Context, query, subjectScope string) ([]retrieval.Result, error)
}

// EventSink receives normalized events as they are consumed from the agent
// stream. Publish failures are logged, never fatal to the run.
type EventSink interface {
	Publish(ctx context.Context, runID string, ev Event) error
}

// MemoryFeeder ingests a finalized run into episodic memory. Feeder failures
// never affect the finalized run.
type MemoryFeeder interface {
	FeedRun(ctx context.Context, runID string) error
}

// Request starts or re-enters one run execution.
type Request struct {
	RunID          string
	OrgID          string
	UserID         string
	ConversationID string
	CorrelationID  string
	RunType        string
	Messages       []agent.Message

	// MaxTurns overrides the engine default when positive.
	MaxTurns int

	// LeaseToken re-enters an existing lease on resume. Empty for fresh
	// executions; each fresh attempt arms its own marker.
	LeaseToken string

	resumedState json.RawMessage
	approval     *agent.ApprovalDecision
	priorTrust   *trustState
	attempt      int
}

// Outcome is what a caller gets back from ExecuteRun.
type Outcome struct {
	RunID            string
	Status           string
	Output           *OutputEnvelope
	PendingApprovals []json.RawMessage
	// Deduplicated is set when a concurrent attempt finalized first and the
	// returned output is the winner's row.
	Deduplicated bool
}

// Engine executes runs against an agent capability.
type Engine struct {
	store    runStore
	cap      agent.Capability
	search   ContextSearcher
	sink     EventSink
	feeder   MemoryFeeder
	proofs   *ProofRegistry
	logger   *log.Logger
	maxTurns int
	// maxAttempts bounds capability invocations per execution, including the
	// first one.
	maxAttempts int
	contextTopN int
	now         func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEventSink attaches a stream publisher for normalized events.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithMemoryFeeder attaches the post-finalization memory ingestion hook.
func WithMemoryFeeder(f MemoryFeeder) EngineOption {
	return func(e *Engine) { e.feeder = f }
}

// WithMaxAttempts bounds capability invocations per execution.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine builds the execution engine.
func NewEngine(st runStore, capability agent.Capability, search ContextSearcher, proofs *ProofRegistry, maxTurns int, logger *log.Logger, opts ...EngineOption) *Engine {
	if proofs == nil {
		proofs = NewDefaultProofRegistry()
	}
	if maxTurns <= 0 {
		maxTurns = 12
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)
	}
	e := &Engine{
		store:       st,
		cap:         capability,
		search:      search,
		proofs:      proofs,
		logger:      logger,
		maxTurns:    maxTurns,
		maxAttempts: 2,
		contextTopN: 5,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRun runs one agent execution with exactly-once finalization. A run
// id that already reached a terminal status short-circuits to the stored
// output without invoking the agent.
func (e *Engine) ExecuteRun(ctx context.Context, req Request) (Outcome, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return Outcome{}, fmt.Errorf("run id required")
	}
	if strings.TrimSpace(req.OrgID) == "" {
		return Outcome{}, fmt.Errorf("org_id required")
	}
	if len(req.Messages) == 0 && len(req.resumedState) == 0 {
		return Outcome{}, fmt.Errorf("input messages required")
	}

	existing, found, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load run: %w", err)
	}
	if found && existing.Terminal() {
		return e.storedOutcome(existing, false)
	}

	token := req.LeaseToken
	if token == "" {
		token = uuid.NewString()
	}
	if err := e.store.UpsertRunRunning(ctx, store.Run{
		ID:               req.RunID,
		OrgID:            req.OrgID,
		Status:           store.RunStatusRunning,
		InputFingerprint: inputFingerprint(req.Messages),
		LeaseMarker:      token,
	}); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrLeaseUnavailable, err)
	}

	if req.CorrelationID != "" {
		e.logger.Printf("run %s correlation %s", req.RunID, req.CorrelationID)
	}
	intent := DeriveIntent(req.Messages)
	memoryContext, retrievalMeta := e.fetchContext(ctx, req.Messages)

	trust := req.priorTrust
	if trust == nil {
		trust = newTrustState()
	}

	result, attempts, invokeErr := e.invoke(ctx, req, memoryContext, trust)

	if invokeErr == nil && len(result.Interruptions) > 0 {
		return e.checkpoint(ctx, req, token, intent, trust, result, attempts)
	}
	return e.finalize(ctx, req, token, intent, trust, result, retrievalMeta, attempts, invokeErr)
}

// invoke drives the capability, retrying bounded on invocation errors. The
// terminal result of the last attempt wins.
func (e *Engine) invoke(ctx context.Context, req Request, memoryContext []string, trust *trustState) (agent.Result, int, error) {
	maxTurns := e.maxTurns
	if req.MaxTurns > 0 {
		maxTurns = req.MaxTurns
	}
	agentReq := agent.Request{
		RunID:            req.RunID,
		OrgID:            req.OrgID,
		UserID:           req.UserID,
		ConversationID:   req.ConversationID,
		RunType:          req.RunType,
		InputMessages:    req.Messages,
		MaxTurns:         maxTurns,
		MemoryContext:    memoryContext,
		ResumedState:     req.resumedState,
		ApprovalDecision: req.approval,
	}

	var lastErr error
	attempts := req.attempt
	for attempts < e.maxAttempts {
		attempts++
		inv, err := e.cap.Run(ctx, agentReq)
		if err != nil {
			lastErr = err
			e.logger.Printf("run %s attempt %d failed: %v", req.RunID, attempts, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if inv.Stream != nil {
			if err := e.consume(ctx, req.RunID, inv.Stream, trust); err != nil {
				lastErr = err
				continue
			}
			result, err := inv.Stream.Result()
			if err != nil {
				lastErr = err
				continue
			}
			return result, attempts, nil
		}
		if inv.Result != nil {
			return *inv.Result, attempts, nil
		}
		lastErr = fmt.Errorf("capability returned neither stream nor result")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("invocation attempt budget exhausted")
	}
	return agent.Result{}, attempts, lastErr
}

// consume normalizes and publishes every stream event, feeding the trust
// state as tool calls complete.
func (e *Engine) consume(ctx context.Context, runID string, stream agent.Stream, trust *trustState) error {
	for {
		raw, ok, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		if !ok {
			return nil
		}
		ev := NormalizeEvent(raw.Data)
		switch ev.Kind {
		case EventToolStart:
			trust.recordTool(ev.ToolName)
		case EventToolEnd:
			trust.recordTool(ev.ToolName)
			trust.recordScan(ScanToolOutput(ev.ToolName, ev.ToolOutput))
		case EventError:
			trust.toolErrors = append(trust.toolErrors, ev.Err)
		}
		e.publish(ctx, runID, ev)
	}
}

func (e *Engine) publish(ctx context.Context, runID string, ev Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, runID, ev); err != nil {
		e.logger.Printf("run %s: publish event %s: %v", runID, ev.Kind, err)
	}
}

// resumeEnvelope is the checkpoint blob stored while approvals are pending.
// Trust partials carry across the pause so the resumed attempt does not lose
// evidence collected before the interruption.
type resumeEnvelope struct {
	SchemaVersion int               `json:"schemaVersion"`
	Intent        string            `json:"intent"`
	State         json.RawMessage   `json:"state,omitempty"`
	Interruptions []json.RawMessage `json:"interruptions"`
	Messages      []agent.Message   `json:"messages,omitempty"`
	ToolsInvoked  []string          `json:"toolsInvoked,omitempty"`
	Citations     []Citation        `json:"citations,omitempty"`
	ToolErrors    []string          `json:"toolErrors,omitempty"`
	PackVersion   string            `json:"packVersion,omitempty"`
	Attempts      int               `json:"attempts"`
	SavedAt       time.Time         `json:"savedAt"`
}

func (e *Engine) checkpoint(ctx context.Context, req Request, token, intent string, trust *trustState, result agent.Result, attempts int) (Outcome, error) {
	env := resumeEnvelope{
		SchemaVersion: EnvelopeSchemaVersion,
		Intent:        intent,
		State:         result.State,
		Interruptions: result.Interruptions,
		Messages:      req.Messages,
		ToolsInvoked:  trust.toolsInvoked,
		Citations:     trust.citations,
		ToolErrors:    trust.toolErrors,
		PackVersion:   trust.packVersion,
		Attempts:      attempts,
		SavedAt:       e.now().UTC(),
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode checkpoint: %w", err)
	}

	// A minimal trust envelope rides along with the resume state so readers
	// of the paused row see the evidence collected so far.
	trustEnv := TrustEnvelope{
		Intent:           intent,
		ToolsInvoked:     trust.toolsInvoked,
		Citations:        trust.citations,
		EvidenceHash:     trust.evidenceHash(),
		Confidence:       trust.deriveConfidence(false, nil),
		ProofChecks:      e.proofs.Checks(intent, trust.toolsInvoked),
		PackVersionUsed:  trust.packVersion,
		RetryAttempts:    attempts,
		RetryMaxAttempts: e.maxAttempts,
		RetryMode:        "bounded",
	}
	partial := buildEnvelope(req.RunID, store.RunStatusRunning, "", nil, trustEnv, nil, e.now())
	outBlob, err := json.Marshal(partial)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode checkpoint envelope: %w", err)
	}

	applied, err := e.store.SaveRunCheckpoint(ctx, req.RunID, blob, outBlob, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("save checkpoint: %w", err)
	}
	if !applied {
		return e.loserOutcome(ctx, req.RunID)
	}
	for _, item := range result.Interruptions {
		e.publish(ctx, req.RunID, Event{
			Kind:       EventApprovalRequest,
			ToolCallID: ApprovalItemID(item),
		})
	}
	// The stored row stays running; the stream reports the pause as a
	// canceled terminal event until a human decision resumes the run.
	e.publish(ctx, req.RunID, Event{Kind: EventKind("run_" + store.RunStatusCanceled)})
	return Outcome{RunID: req.RunID, Status: store.RunStatusRunning, PendingApprovals: result.Interruptions}, nil
}

func (e *Engine) finalize(ctx context.Context, req Request, token, intent string, trust *trustState, result agent.Result, retrievalMeta json.RawMessage, attempts int, invokeErr error) (Outcome, error) {
	status := store.RunStatusSucceeded
	var fallbackReason string
	var lineage []string

	var report *FinalReport
	if invokeErr != nil {
		status = store.RunStatusFailed
		fallbackReason = invokeErr.Error()
		report = SynthesizeFallbackReport("", invokeErr)
		lineage = append(lineage, "agent_invocation_failed")
	} else {
		parsed, parseErr := ParseFinalReport(result.FinalOutput)
		if parseErr != nil {
			report = SynthesizeFallbackReport(result.FinalOutput, parseErr)
			lineage = append(lineage, "structured_report_fallback")
		} else {
			report = parsed
		}
	}

	var missing []string
	for _, group := range e.proofs.Evaluate(intent, trust.toolsInvoked) {
		missing = append(missing, MissingEvidenceForGroup(group))
	}
	if invokeErr == nil && len(missing) > 0 {
		status = store.RunStatusFailed
		fallbackReason = "evidence policy not satisfied"
	}

	trustEnv := TrustEnvelope{
		Intent:           intent,
		ToolsInvoked:     trust.toolsInvoked,
		Citations:        trust.citations,
		EvidenceHash:     trust.evidenceHash(),
		Confidence:       trust.deriveConfidence(status == store.RunStatusFailed, report.Confidence),
		MissingEvidence:  missing,
		ProofChecks:      e.proofs.Checks(intent, trust.toolsInvoked),
		PackVersionUsed:  trust.packVersion,
		RetryAttempts:    attempts,
		RetryMaxAttempts: e.maxAttempts,
		RetryMode:        "bounded",
		FallbackLineage:  lineage,
		FallbackReason:   fallbackReason,
	}

	env := buildEnvelope(req.RunID, status, result.FinalOutput, report, trustEnv, retrievalMeta, e.now())
	blob, err := json.Marshal(env)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode output: %w", err)
	}

	applied, err := e.store.FinalizeRun(ctx, req.RunID, status, blob, token)
	if err != nil {
		return Outcome{}, fmt.Errorf("finalize run: %w", err)
	}
	if !applied {
		return e.loserOutcome(ctx, req.RunID)
	}

	e.publish(ctx, req.RunID, Event{Kind: EventKind("run_" + status), Text: truncate(result.FinalOutput, 500)})
	e.feed(ctx, req.RunID)
	return Outcome{RunID: req.RunID, Status: status, Output: &env}, nil
}

// feed hands the finalized run to episodic memory. Isolation is deliberate:
// memory ingestion failures never change the run outcome.
func (e *Engine) feed(ctx context.Context, runID string) {
	if e.feeder == nil {
		return
	}
	if err := e.feeder.FeedRun(ctx, runID); err != nil {
		e.logger.Printf("run %s: memory feed: %v", runID, err)
	}
}

// loserOutcome resolves a lost compare-and-swap by returning the winner's
// persisted row.
func (e *Engine) loserOutcome(ctx context.Context, runID string) (Outcome, error) {
	winner, found, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Outcome{}, fmt.Errorf("read winner row: %w", err)
	}
	if !found || !winner.Terminal() {
		return Outcome{}, ErrDuplicateExecution
	}
	return e.storedOutcome(winner, true)
}

func (e *Engine) storedOutcome(r store.Run, deduplicated bool) (Outcome, error) {
	out := Outcome{RunID: r.ID, Status: r.Status, Deduplicated: deduplicated}
	if len(r.Output) > 0 {
		var env OutputEnvelope
		if err := json.Unmarshal(r.Output, &env); err != nil {
			return Outcome{}, fmt.Errorf("decode stored output: %w", err)
		}
		out.Output = &env
	}
	return out, nil
}

// ResumeToolApproval applies a human approval decision to a checkpointed run
// and re-enters execution under the stored lease.
func (e *Engine) ResumeToolApproval(ctx context.Context, runID string, decision agent.ApprovalDecision) (Outcome, error) {
	if strings.TrimSpace(runID) == "" {
		return Outcome{}, fmt.Errorf("run id required")
	}
	if strings.TrimSpace(decision.ToolCallID) == "" {
		return Outcome{}, fmt.Errorf("tool_call_id required")
	}

	run, found, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load run: %w", err)
	}
	if !found {
		return Outcome{}, fmt.Errorf("run %s: %w", runID, ErrRunNotResumable)
	}
	if run.Terminal() {
		return e.storedOutcome(run, false)
	}
	if len(run.ResumeState) == 0 {
		return Outcome{}, fmt.Errorf("run %s has no checkpoint: %w", runID, ErrRunNotResumable)
	}

	var env resumeEnvelope
	if err := json.Unmarshal(run.ResumeState, &env); err != nil {
		return Outcome{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	matched := false
	for _, item := range env.Interruptions {
		if ApprovalItemID(item) == decision.ToolCallID {
			matched = true
			break
		}
	}
	if !matched {
		return Outcome{}, fmt.Errorf("tool call %s: %w", decision.ToolCallID, ErrApprovalItemNotFound)
	}

	trust := newTrustState()
	for _, t := range env.ToolsInvoked {
		trust.recordTool(t)
	}
	for _, c := range env.Citations {
		k := c.key()
		if _, ok := trust.citationSeen[k]; !ok {
			trust.citationSeen[k] = struct{}{}
			trust.citations = append(trust.citations, c)
		}
	}
	trust.toolErrors = append(trust.toolErrors, env.ToolErrors...)
	trust.packVersion = env.PackVersion

	return e.ExecuteRun(ctx, Request{
		RunID:        runID,
		OrgID:        run.OrgID,
		Messages:     env.Messages,
		LeaseToken:   run.LeaseMarker,
		resumedState: env.State,
		approval:     &decision,
		priorTrust:   trust,
		// The retry budget spans the pause; resuming does not reset it.
		attempt: env.Attempts,
	})
}

// fetchContext queries memory for context lines. Retrieval failures degrade
// to an empty context; the run proceeds without memory.
func (e *Engine) fetchContext(ctx context.Context, messages []agent.Message) ([]string, json.RawMessage) {
	if e.search == nil || len(messages) == 0 {
		return nil, nil
	}
	query := messages[len(messages)-1].Content
	results, err := e.search.Search(ctx, query, "")
	if err != nil {
		e.logger.Printf("context retrieval failed, proceeding without memory: %v", err)
		return nil, nil
	}
	if len(results) > e.contextTopN {
		results = results[:e.contextTopN]
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, r.Text)
	}
	meta, err := json.Marshal(results)
	if err != nil {
		return lines, nil
	}
	return lines, meta
}

// inputFingerprint hashes the run's input messages for idempotency auditing.
func inputFingerprint(messages []agent.Message) string {
	if len(messages) == 0 {
		return ""
	}
	blob, err := json.Marshal(messages)
	if err != nil {
		return ""
	}
	return fingerprint(blob)
}
