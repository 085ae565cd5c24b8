package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FinalReport is the structured document an agent is asked to emit as its
// final output.
type FinalReport struct {
	Summary        string   `json:"summary"`
	Recommendation string   `json:"recommendation"`
	KeyFindings    []string `json:"keyFindings,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	NextSteps      []string `json:"nextSteps,omitempty"`
}

// ParseFinalReport decodes an agent's final output strictly. Unknown fields
// and missing required fields both reject the document; the caller falls back
// to a synthesized report instead of persisting a partially understood one.
func ParseFinalReport(text string) (*FinalReport, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("final output empty")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	var report FinalReport
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("decode final report: %w", err)
	}
	if strings.TrimSpace(report.Summary) == "" {
		return nil, fmt.Errorf("final report missing summary")
	}
	if strings.TrimSpace(report.Recommendation) == "" {
		return nil, fmt.Errorf("final report missing recommendation")
	}
	return &report, nil
}

// fallbackConfidence marks synthesized reports so readers can tell them from
// agent-authored ones.
const fallbackConfidence = 0.45

// SynthesizeFallbackReport builds a usable report from unstructured final
// text. The rationale records that the agent output did not validate.
func SynthesizeFallbackReport(finalText string, parseErr error) *FinalReport {
	summary := strings.TrimSpace(finalText)
	if summary == "" {
		summary = "Run completed without structured output."
	}
	conf := fallbackConfidence
	return &FinalReport{
		Summary:        truncate(summary, 1000),
		Recommendation: "Review the raw run output before acting on this result.",
		Rationale:      fmt.Sprintf("structured report unavailable: %v", parseErr),
		Confidence:     &conf,
	}
}
