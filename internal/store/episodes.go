package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Episode captures the durable episodic memory unit for a completed run.
type Episode struct {
	ID                string
	RunID             string
	AgentIntent       string
	EvidenceHash      string
	RetrievalMetadata json.RawMessage
	ModelOutputs      json.RawMessage
	Confidence        *float64
	Outcome           string
	Summary           string
	CreatedAt         time.Time
}

// RewardSignal is one appended human/auto reward row for an episode.
type RewardSignal struct {
	ID        int64
	EpisodeID string
	UserScore int
	AutoScore float64
	CreatedAt time.Time
}

// InsertEpisode creates the episode for a run, relying on the unique run_id
// constraint for idempotency. Returns created=false with the existing row
// when another writer got there first.
func (s *Store) InsertEpisode(ctx context.Context, ep Episode) (Episode, bool, error) {
	if ep.RunID == "" {
		return Episode{}, false, fmt.Errorf("run_id required")
	}
	if strings.TrimSpace(ep.AgentIntent) == "" {
		return Episode{}, false, fmt.Errorf("agent_intent required")
	}
	if ep.EvidenceHash == "" {
		return Episode{}, false, fmt.Errorf("evidence_hash required")
	}

	row := s.DB.QueryRowContext(ctx, `
INSERT INTO episodes (run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id) DO NOTHING
RETURNING id, created_at
`, ep.RunID, ep.AgentIntent, ep.EvidenceHash, defaultJSON(ep.RetrievalMetadata), defaultJSON(ep.ModelOutputs),
		ep.Confidence, nullableString(ep.Outcome), ep.Summary)

	if err := row.Scan(&ep.ID, &ep.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, ok, gerr := s.GetEpisodeByRunID(ctx, ep.RunID)
			if gerr != nil {
				return Episode{}, false, gerr
			}
			if !ok {
				return Episode{}, false, fmt.Errorf("episode insert conflicted but no row found for run %s", ep.RunID)
			}
			return existing, false, nil
		}
		return Episode{}, false, err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && episodeCounter != nil {
		episodeCounter.Add(ctx, 1)
	}
	return ep, true, nil
}

// GetEpisodeByRunID fetches the episode materialized for a run, if any.
func (s *Store) GetEpisodeByRunID(ctx context.Context, runID string) (Episode, bool, error) {
	if runID == "" {
		return Episode{}, false, fmt.Errorf("run_id required")
	}
	return s.scanEpisode(s.DB.QueryRowContext(ctx, `
SELECT id, run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary, created_at
FROM episodes
WHERE run_id=$1
`, runID))
}

// GetEpisode fetches an episode by its own id.
func (s *Store) GetEpisode(ctx context.Context, id string) (Episode, bool, error) {
	if id == "" {
		return Episode{}, false, fmt.Errorf("episode id required")
	}
	return s.scanEpisode(s.DB.QueryRowContext(ctx, `
SELECT id, run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary, created_at
FROM episodes
WHERE id=$1
`, id))
}

func (s *Store) scanEpisode(row *sql.Row) (Episode, bool, error) {
	var (
		ep         Episode
		retrieval  []byte
		outputs    []byte
		confidence sql.NullFloat64
		outcome    sql.NullString
	)
	if err := row.Scan(&ep.ID, &ep.RunID, &ep.AgentIntent, &ep.EvidenceHash, &retrieval, &outputs, &confidence, &outcome, &ep.Summary, &ep.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Episode{}, false, nil
		}
		return Episode{}, false, err
	}
	if len(retrieval) > 0 {
		ep.RetrievalMetadata = json.RawMessage(retrieval)
	}
	if len(outputs) > 0 {
		ep.ModelOutputs = json.RawMessage(outputs)
	}
	if confidence.Valid {
		v := confidence.Float64
		ep.Confidence = &v
	}
	if outcome.Valid {
		ep.Outcome = outcome.String
	}
	return ep, true, nil
}

// UpdateEpisodeOutcome overwrites the outcome signal on an episode.
func (s *Store) UpdateEpisodeOutcome(ctx context.Context, episodeID, outcome string) error {
	if episodeID == "" {
		return fmt.Errorf("episode id required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE episodes SET outcome=$2 WHERE id=$1`, episodeID, nullableString(outcome))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertRewardSignal appends a reward row for an episode.
func (s *Store) InsertRewardSignal(ctx context.Context, sig RewardSignal) (RewardSignal, error) {
	if sig.EpisodeID == "" {
		return RewardSignal{}, fmt.Errorf("episode_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO reward_signals (episode_id, user_score, auto_score)
VALUES ($1,$2,$3)
RETURNING id, created_at
`, sig.EpisodeID, sig.UserScore, sig.AutoScore)
	if err := row.Scan(&sig.ID, &sig.CreatedAt); err != nil {
		return RewardSignal{}, err
	}
	return sig, nil
}
