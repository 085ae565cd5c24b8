// Package episode materializes durable episodic memory rows from finalized
// agent runs.
package episode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/blakegallagher1/gpc-cres/internal/runner"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// Summarizer condenses a run's output into the episode summary. A summarizer
// is a hard dependency: without a summary the episode is not worth storing.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type episodeStore interface {
	GetRun(ctx context.Context, id string) (store.Run, bool, error)
	InsertEpisode(ctx context.Context, ep store.Episode) (store.Episode, bool, error)
}

// Service turns finalized runs into episodes.
type Service struct {
	store      episodeStore
	summarizer Summarizer
	logger     *log.Logger
}

// NewService builds the episode service. The summarizer must not be nil.
func NewService(st episodeStore, summarizer Summarizer, logger *log.Logger) (*Service, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("summarizer required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EPISODE] ", log.LstdFlags)
	}
	return &Service{store: st, summarizer: summarizer, logger: logger}, nil
}

// CreateEpisodeFromRun builds the episode for a terminal run. The call is
// idempotent on run id: a second call returns the existing episode with
// created=false.
func (s *Service) CreateEpisodeFromRun(ctx context.Context, runID string) (store.Episode, bool, error) {
	run, found, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return store.Episode{}, false, fmt.Errorf("load run: %w", err)
	}
	if !found {
		return store.Episode{}, false, fmt.Errorf("run %s not found", runID)
	}
	if !run.Terminal() {
		return store.Episode{}, false, fmt.Errorf("run %s is not terminal", runID)
	}
	if len(run.Output) == 0 {
		return store.Episode{}, false, fmt.Errorf("run %s has no output", runID)
	}

	var env runner.OutputEnvelope
	if err := json.Unmarshal(run.Output, &env); err != nil {
		return store.Episode{}, false, fmt.Errorf("decode run output: %w", err)
	}
	if env.Confidence < 0 || env.Confidence > 1 {
		return store.Episode{}, false, fmt.Errorf("confidence must be between 0 and 1")
	}

	summary, err := s.summarizer.Summarize(ctx, summaryInput(env))
	if err != nil {
		return store.Episode{}, false, fmt.Errorf("summarize run %s: %w", runID, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return store.Episode{}, false, fmt.Errorf("summarizer returned empty summary for run %s", runID)
	}

	intent := env.Intent
	if intent == "" {
		intent = "comprehensive_review"
	}
	evidenceHash := env.EvidenceHash
	if evidenceHash == "" {
		// Citation-free runs still need a stable evidence identity.
		sum := sha256.Sum256(run.Output)
		evidenceHash = hex.EncodeToString(sum[:])
	}
	confidence := env.Confidence

	ep, created, err := s.store.InsertEpisode(ctx, store.Episode{
		RunID:             runID,
		AgentIntent:       intent,
		EvidenceHash:      evidenceHash,
		RetrievalMetadata: env.RetrievalMeta,
		ModelOutputs:      run.Output,
		Confidence:        &confidence,
		Outcome:           initialOutcome(run.Status, confidence),
		Summary:           summary,
	})
	if err != nil {
		return store.Episode{}, false, fmt.Errorf("insert episode: %w", err)
	}
	if !created {
		s.logger.Printf("episode already exists for run %s, reusing %s", runID, ep.ID)
	}
	return ep, created, nil
}

// initialOutcome sets the pre-feedback outcome; reward signals overwrite it
// later.
func initialOutcome(runStatus string, confidence float64) string {
	if runStatus != store.RunStatusSucceeded {
		return store.OutcomeNegativeFeedback
	}
	if confidence >= 0.72 {
		return store.OutcomeHighConfidence
	}
	return store.OutcomeCompleted
}

func summaryInput(env runner.OutputEnvelope) string {
	var b strings.Builder
	if env.Report != nil {
		b.WriteString(env.Report.Summary)
		b.WriteString("\n")
		b.WriteString(env.Report.Recommendation)
		for _, f := range env.Report.KeyFindings {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		return b.String()
	}
	return env.FinalText
}
