package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blakegallagher1/gpc-cres/internal/runner"
	"github.com/blakegallagher1/gpc-cres/internal/store"
)

type stubStore struct {
	run      store.Run
	found    bool
	inserted *store.Episode
}

func (s *stubStore) GetRun(context.Context, string) (store.Run, bool, error) {
	return s.run, s.found, nil
}

func (s *stubStore) InsertEpisode(_ context.Context, ep store.Episode) (store.Episode, bool, error) {
	ep.ID = "ep-1"
	s.inserted = &ep
	return ep, true, nil
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s stubSummarizer) Summarize(context.Context, string) (string, error) {
	return s.summary, s.err
}

func terminalRun(t *testing.T, env runner.OutputEnvelope) store.Run {
	t.Helper()
	blob, err := json.Marshal(env)
	require.NoError(t, err)
	return store.Run{ID: "run-1", OrgID: "org-1", Status: store.RunStatusSucceeded, Output: blob}
}

func TestNewServiceRequiresSummarizer(t *testing.T) {
	_, err := NewService(&stubStore{}, nil, nil)
	require.Error(t, err)
}

func TestCreateEpisodeFromRun(t *testing.T) {
	env := runner.OutputEnvelope{
		TrustEnvelope: runner.TrustEnvelope{
			Intent:       "underwriting",
			EvidenceHash: "hash-1",
			Confidence:   0.85,
		},
		FinalText: "analysis text",
	}
	st := &stubStore{run: terminalRun(t, env), found: true}
	svc, err := NewService(st, stubSummarizer{summary: "short summary"}, nil)
	require.NoError(t, err)

	ep, created, err := svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "underwriting", ep.AgentIntent)
	require.Equal(t, "hash-1", ep.EvidenceHash)
	require.Equal(t, "short summary", ep.Summary)
	require.NotNil(t, ep.Confidence)
	require.InDelta(t, 0.85, *ep.Confidence, 1e-9)
	require.Equal(t, store.OutcomeHighConfidence, ep.Outcome)
}

func TestCreateEpisodeSynthesizesEvidenceHash(t *testing.T) {
	env := runner.OutputEnvelope{FinalText: "text without citations"}
	st := &stubStore{run: terminalRun(t, env), found: true}
	svc, err := NewService(st, stubSummarizer{summary: "s"}, nil)
	require.NoError(t, err)

	ep, _, err := svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotEmpty(t, ep.EvidenceHash)
	require.Equal(t, "comprehensive_review", ep.AgentIntent)
}

func TestCreateEpisodeRejectsOutOfRangeConfidence(t *testing.T) {
	env := runner.OutputEnvelope{
		TrustEnvelope: runner.TrustEnvelope{Confidence: 7.5},
		FinalText:     "text",
	}
	st := &stubStore{run: terminalRun(t, env), found: true}
	svc, err := NewService(st, stubSummarizer{summary: "s"}, nil)
	require.NoError(t, err)

	_, _, err = svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "confidence must be between 0 and 1")
	require.Nil(t, st.inserted)
}

func TestCreateEpisodeRejectsNonTerminalRun(t *testing.T) {
	st := &stubStore{run: store.Run{ID: "run-1", Status: store.RunStatusRunning}, found: true}
	svc, err := NewService(st, stubSummarizer{summary: "s"}, nil)
	require.NoError(t, err)

	_, _, err = svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.Error(t, err)
}

func TestCreateEpisodeSummarizerFailureAborts(t *testing.T) {
	env := runner.OutputEnvelope{FinalText: "text"}
	st := &stubStore{run: terminalRun(t, env), found: true}
	svc, err := NewService(st, stubSummarizer{err: fmt.Errorf("quota exceeded")}, nil)
	require.NoError(t, err)

	_, _, err = svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.Error(t, err)
	require.Nil(t, st.inserted)
}

func TestCreateEpisodeFailedRunOutcome(t *testing.T) {
	env := runner.OutputEnvelope{FinalText: "text"}
	blob, err := json.Marshal(env)
	require.NoError(t, err)
	st := &stubStore{run: store.Run{ID: "run-1", Status: store.RunStatusFailed, Output: blob}, found: true}
	svc, err := NewService(st, stubSummarizer{summary: "s"}, nil)
	require.NoError(t, err)

	ep, _, err := svc.CreateEpisodeFromRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeNegativeFeedback, ep.Outcome)
}
