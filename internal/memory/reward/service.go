// Package reward turns human and automatic feedback into reward signals and
// episode outcome reclassification.
package reward

import (
	"context"
	"fmt"
	"log"

	"github.com/blakegallagher1/gpc-cres/internal/store"
)

// Composite weighting and classification thresholds.
const (
	userWeight = 0.7
	autoWeight = 0.3

	positiveThreshold = 0.8
	neutralThreshold  = 0.5
)

type rewardStore interface {
	GetEpisode(ctx context.Context, id string) (store.Episode, bool, error)
	InsertRewardSignal(ctx context.Context, sig store.RewardSignal) (store.RewardSignal, error)
	UpdateEpisodeOutcome(ctx context.Context, episodeID, outcome string) error
}

// Service records reward signals against episodes.
type Service struct {
	store  rewardStore
	logger *log.Logger
}

// NewService builds the reward service.
func NewService(st rewardStore, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[REWARD] ", log.LstdFlags)
	}
	return &Service{store: st, logger: logger}
}

// Applied reports one recorded reward and the outcome it produced.
type Applied struct {
	Signal    store.RewardSignal
	Composite float64
	Outcome   string
}

// Apply records a reward signal and overwrites the episode outcome with the
// classification of the composite score. userScore is the 0-5 human rating;
// autoScore is the 0-1 automatic quality estimate.
func (s *Service) Apply(ctx context.Context, episodeID string, userScore int, autoScore float64) (Applied, error) {
	if userScore < 0 || userScore > 5 {
		return Applied{}, fmt.Errorf("userScore must be an integer between 0 and 5")
	}
	if autoScore < 0 || autoScore > 1 {
		return Applied{}, fmt.Errorf("autoScore must be between 0 and 1")
	}
	_, found, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return Applied{}, fmt.Errorf("load episode: %w", err)
	}
	if !found {
		return Applied{}, fmt.Errorf("episode %s not found", episodeID)
	}

	sig, err := s.store.InsertRewardSignal(ctx, store.RewardSignal{
		EpisodeID: episodeID,
		UserScore: userScore,
		AutoScore: autoScore,
	})
	if err != nil {
		return Applied{}, fmt.Errorf("insert reward signal: %w", err)
	}

	composite := Composite(userScore, autoScore)
	outcome := Classify(composite)
	if err := s.store.UpdateEpisodeOutcome(ctx, episodeID, outcome); err != nil {
		return Applied{}, fmt.Errorf("update episode outcome: %w", err)
	}
	s.logger.Printf("episode %s reward applied: composite=%.2f outcome=%s", episodeID, composite, outcome)
	return Applied{Signal: sig, Composite: composite, Outcome: outcome}, nil
}

// Composite blends the human rating and the automatic score.
func Composite(userScore int, autoScore float64) float64 {
	return (float64(userScore)/5.0)*userWeight + autoScore*autoWeight
}

// Classify maps a composite score to an episode outcome.
func Classify(composite float64) string {
	switch {
	case composite >= positiveThreshold:
		return store.OutcomePositiveFeedback
	case composite >= neutralThreshold:
		return store.OutcomeNeutralFeedback
	default:
		return store.OutcomeNegativeFeedback
	}
}
