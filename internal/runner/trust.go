package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/blakegallagher1/gpc-cres/internal/retrieval"
)

// EnvelopeSchemaVersion is the version stamp on persisted run-state blobs.
const EnvelopeSchemaVersion = 1

// Confidence defaults derived at finalization.
const (
	confidenceFailed    = 0.25
	confidenceToolError = 0.45
	confidenceDefault   = 0.72
)

// Citation is one evidence reference harvested from a tool output.
type Citation struct {
	SourceID    string `json:"sourceId,omitempty"`
	SnapshotID  string `json:"snapshotId,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	URL         string `json:"url,omitempty"`
	IsOfficial  bool   `json:"isOfficial,omitempty"`
}

// key is the deduplication identity of a citation.
func (c Citation) key() string {
	if c.ContentHash != "" {
		return c.ContentHash
	}
	return c.SourceID + "|" + c.SnapshotID + "|" + c.URL
}

// ProofCheck records one evaluated proof group.
type ProofCheck struct {
	Group     string   `json:"group"`
	Tools     []string `json:"tools"`
	Satisfied bool     `json:"satisfied"`
}

// TrustEnvelope is the recomputed-per-attempt evidence summary embedded in
// the run output. Confidence is always clamped to [0,1].
type TrustEnvelope struct {
	Intent           string       `json:"intent"`
	ToolsInvoked     []string     `json:"toolsInvoked"`
	Citations        []Citation   `json:"evidenceCitations"`
	EvidenceHash     string       `json:"evidenceHash"`
	Confidence       float64      `json:"confidence"`
	MissingEvidence  []string     `json:"missingEvidence"`
	ProofChecks      []ProofCheck `json:"proofChecks,omitempty"`
	PackVersionUsed  string       `json:"packVersionUsed,omitempty"`
	RetryAttempts    int          `json:"retryAttempts"`
	RetryMaxAttempts int          `json:"retryMaxAttempts"`
	RetryMode        string       `json:"retryMode"`
	FallbackLineage  []string     `json:"fallbackLineage,omitempty"`
	FallbackReason   string       `json:"fallbackReason,omitempty"`
}

// trustState accumulates evidence while a stream is consumed, then freezes
// into a TrustEnvelope at finalization.
type trustState struct {
	toolsInvoked []string
	toolSeen     map[string]struct{}
	citations    []Citation
	citationSeen map[string]struct{}
	toolErrors   []string
	packVersion  string
}

func newTrustState() *trustState {
	return &trustState{
		toolSeen:     make(map[string]struct{}),
		citationSeen: make(map[string]struct{}),
	}
}

func (t *trustState) recordTool(name string) {
	if name == "" {
		return
	}
	if _, ok := t.toolSeen[name]; ok {
		return
	}
	t.toolSeen[name] = struct{}{}
	t.toolsInvoked = append(t.toolsInvoked, name)
}

func (t *trustState) recordScan(scan ToolOutputScan) {
	if scan.PackVersion != "" && t.packVersion == "" {
		t.packVersion = scan.PackVersion
	}
	for _, c := range scan.Citations {
		k := c.key()
		if _, ok := t.citationSeen[k]; ok {
			continue
		}
		t.citationSeen[k] = struct{}{}
		t.citations = append(t.citations, c)
	}
	if scan.FailureText != "" {
		t.toolErrors = append(t.toolErrors, scan.FailureText)
	}
}

// evidenceHash is the content hash over the deduplicated citation set, stable
// under citation ordering.
func (t *trustState) evidenceHash() string {
	if len(t.citations) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t.citations))
	for _, c := range t.citations {
		keys = append(keys, c.key())
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:])
}

// deriveConfidence applies the finalization ladder: failed runs pin to 0.25,
// a self-reported value wins otherwise, and the default accounts for tool
// errors. Always clamped to [0,1].
func (t *trustState) deriveConfidence(failed bool, reported *float64) float64 {
	switch {
	case failed:
		return confidenceFailed
	case reported != nil:
		return retrieval.Clamp01(*reported)
	case len(t.toolErrors) > 0:
		return confidenceToolError
	default:
		return confidenceDefault
	}
}

// RunState is the stable persisted projection of a run attempt.
type RunState struct {
	SchemaVersion    int      `json:"schemaVersion"`
	RunID            string   `json:"runId"`
	Status           string   `json:"status"`
	PartialOutput    string   `json:"partialOutput,omitempty"`
	Confidence       float64  `json:"confidence"`
	ToolsInvoked     []string `json:"toolsInvoked"`
	MissingEvidence  []string `json:"missingEvidence"`
	RetryAttempts    int      `json:"retryAttempts"`
	RetryMaxAttempts int      `json:"retryMaxAttempts"`
	RetryMode        string   `json:"retryMode"`
	FallbackLineage  []string `json:"fallbackLineage,omitempty"`
	FallbackReason   string   `json:"fallbackReason,omitempty"`
}

// OutputEnvelope is the JSON document persisted on the run row. Top-level
// fields mirror the trust envelope for callers that do not descend into
// runState.
type OutputEnvelope struct {
	TrustEnvelope
	FinalText     string          `json:"finalText"`
	Report        *FinalReport    `json:"report,omitempty"`
	RunState      RunState        `json:"runState"`
	RetrievalMeta json.RawMessage `json:"retrievalMetadata,omitempty"`
	FinishedAt    time.Time       `json:"finishedAt"`
}

func buildEnvelope(runID, status, finalText string, report *FinalReport, trust TrustEnvelope, retrievalMeta json.RawMessage, now time.Time) OutputEnvelope {
	return OutputEnvelope{
		TrustEnvelope: trust,
		FinalText:     finalText,
		Report:        report,
		RetrievalMeta: retrievalMeta,
		FinishedAt:    now.UTC(),
		RunState: RunState{
			SchemaVersion:    EnvelopeSchemaVersion,
			RunID:            runID,
			Status:           status,
			PartialOutput:    truncate(finalText, 2000),
			Confidence:       trust.Confidence,
			ToolsInvoked:     trust.ToolsInvoked,
			MissingEvidence:  trust.MissingEvidence,
			RetryAttempts:    trust.RetryAttempts,
			RetryMaxAttempts: trust.RetryMaxAttempts,
			RetryMode:        trust.RetryMode,
			FallbackLineage:  trust.FallbackLineage,
			FallbackReason:   trust.FallbackReason,
		},
	}
}

func fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
