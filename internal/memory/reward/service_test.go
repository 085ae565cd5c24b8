package reward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blakegallagher1/gpc-cres/internal/store"
)

type stubStore struct {
	episodes map[string]store.Episode
	signals  []store.RewardSignal
	outcomes map[string]string
}

func newStubStore(ids ...string) *stubStore {
	s := &stubStore{episodes: map[string]store.Episode{}, outcomes: map[string]string{}}
	for _, id := range ids {
		s.episodes[id] = store.Episode{ID: id, RunID: "run-" + id}
	}
	return s
}

func (s *stubStore) GetEpisode(_ context.Context, id string) (store.Episode, bool, error) {
	ep, ok := s.episodes[id]
	return ep, ok, nil
}

func (s *stubStore) InsertRewardSignal(_ context.Context, sig store.RewardSignal) (store.RewardSignal, error) {
	sig.ID = int64(len(s.signals) + 1)
	s.signals = append(s.signals, sig)
	return sig, nil
}

func (s *stubStore) UpdateEpisodeOutcome(_ context.Context, episodeID, outcome string) error {
	s.outcomes[episodeID] = outcome
	return nil
}

func TestApplyValidatesUserScore(t *testing.T) {
	svc := NewService(newStubStore("ep-1"), nil)

	_, err := svc.Apply(context.Background(), "ep-1", 99, 0.5)
	require.EqualError(t, err, "userScore must be an integer between 0 and 5")

	_, err = svc.Apply(context.Background(), "ep-1", -1, 0.5)
	require.Error(t, err)

	_, err = svc.Apply(context.Background(), "ep-1", 3, 1.5)
	require.Error(t, err)
}

func TestApplyUnknownEpisode(t *testing.T) {
	svc := NewService(newStubStore(), nil)
	_, err := svc.Apply(context.Background(), "ep-missing", 4, 0.5)
	require.Error(t, err)
}

func TestApplyClassifiesOutcome(t *testing.T) {
	cases := []struct {
		name      string
		userScore int
		autoScore float64
		outcome   string
	}{
		{"positive", 5, 0.9, store.OutcomePositiveFeedback}, // 0.7 + 0.27 = 0.97
		{"neutral", 3, 0.5, store.OutcomeNeutralFeedback},   // 0.42 + 0.15 = 0.57
		{"negative", 1, 0.2, store.OutcomeNegativeFeedback}, // 0.14 + 0.06 = 0.20
		{"positive boundary", 5, 0.33334, store.OutcomePositiveFeedback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newStubStore("ep-1")
			svc := NewService(st, nil)
			applied, err := svc.Apply(context.Background(), "ep-1", tc.userScore, tc.autoScore)
			require.NoError(t, err)
			require.Equal(t, tc.outcome, applied.Outcome)
			require.Equal(t, tc.outcome, st.outcomes["ep-1"])
			require.Len(t, st.signals, 1)
		})
	}
}

func TestApplyOverwritesOutcome(t *testing.T) {
	st := newStubStore("ep-1")
	svc := NewService(st, nil)

	_, err := svc.Apply(context.Background(), "ep-1", 5, 1.0)
	require.NoError(t, err)
	require.Equal(t, store.OutcomePositiveFeedback, st.outcomes["ep-1"])

	// Later feedback replaces the earlier classification outright.
	_, err = svc.Apply(context.Background(), "ep-1", 0, 0.0)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeNegativeFeedback, st.outcomes["ep-1"])
	require.Len(t, st.signals, 2)
}

func TestComposite(t *testing.T) {
	require.InDelta(t, 1.0, Composite(5, 1.0), 1e-9)
	require.InDelta(t, 0.0, Composite(0, 0.0), 1e-9)
	require.InDelta(t, 0.7, Composite(5, 0.0), 1e-9)
	require.InDelta(t, 0.3, Composite(0, 1.0), 1e-9)
}
