package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store wraps the shared Postgres handle for the agent-run core.
type Store struct {
	DB *sql.DB

	vectorProbe  capabilityProbe
	trigramProbe capabilityProbe
}

// Run statuses persisted on agent_runs.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// Episode outcome signals.
const (
	OutcomePositiveFeedback = "positive_feedback"
	OutcomeNeutralFeedback  = "neutral_feedback"
	OutcomeNegativeFeedback = "negative_feedback"
	OutcomeHighConfidence   = "high_confidence"
	OutcomeCompleted        = "completed"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Run is one logical agent execution row.
type Run struct {
	ID               string
	OrgID            string
	Status           string
	InputFingerprint string
	LeaseMarker      string
	ResumeState      json.RawMessage
	Output           json.RawMessage
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// Terminal reports whether the run reached a final status.
func (r Run) Terminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed || r.Status == RunStatusCanceled
}

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	episodeCounter otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	runCounter, err = meter.Int64Counter("runs_finalized_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	episodeCounter, err = meter.Int64Counter("episodes_created_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New constructs the Store from DATABASE_URL or POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// GetRun fetches a run row by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, bool, error) {
	if strings.TrimSpace(id) == "" {
		return Run{}, false, fmt.Errorf("run id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, status, input_fingerprint, lease_marker, resume_state, output, started_at, finished_at
FROM agent_runs
WHERE id=$1
`, id)
	var (
		r           Run
		lease       sql.NullString
		resumeState []byte
		output      []byte
		finishedAt  sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.OrgID, &r.Status, &r.InputFingerprint, &lease, &resumeState, &output, &r.StartedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	if lease.Valid {
		r.LeaseMarker = lease.String
	}
	if len(resumeState) > 0 {
		r.ResumeState = json.RawMessage(resumeState)
	}
	if len(output) > 0 {
		r.Output = json.RawMessage(output)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return r, true, nil
}

// UpsertRunRunning arms (or re-arms) a run row into running status with a
// fresh lease marker. Existing terminal rows are left untouched by the
// conflict clause predicate so the caller's idempotency check stays valid.
func (s *Store) UpsertRunRunning(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id required")
	}
	if r.OrgID == "" {
		return fmt.Errorf("org_id required")
	}
	if r.LeaseMarker == "" {
		return fmt.Errorf("lease_marker required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_runs (id, org_id, status, input_fingerprint, lease_marker, resume_state, started_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  lease_marker = EXCLUDED.lease_marker,
  resume_state = COALESCE(EXCLUDED.resume_state, agent_runs.resume_state)
WHERE agent_runs.status = 'running'
`, r.ID, r.OrgID, RunStatusRunning, r.InputFingerprint, r.LeaseMarker, nullableJSON(r.ResumeState))
	return err
}

// FinalizeRun applies the terminal compare-and-swap write for a run. The
// update only lands when the stored lease marker still equals token; callers
// losing the race observe applied=false and must re-read the winner's row.
func (s *Store) FinalizeRun(ctx context.Context, id, status string, output json.RawMessage, token string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("run id required")
	}
	if token == "" {
		return false, fmt.Errorf("lease token required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_runs
SET status=$2, output=$3, finished_at=NOW()
WHERE id=$1 AND lease_marker=$4
`, id, status, []byte(output), token)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil && runCounter != nil {
			runCounter.Add(ctx, 1)
		}
	}
	return affected > 0, nil
}

// SaveRunCheckpoint persists a resumable execution state under the same CAS
// predicate used for finalization. The run stays in running status.
func (s *Store) SaveRunCheckpoint(ctx context.Context, id string, resumeState, output json.RawMessage, token string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("run id required")
	}
	if token == "" {
		return false, fmt.Errorf("lease token required")
	}
	if len(resumeState) == 0 {
		return false, fmt.Errorf("resume_state required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_runs
SET status=$2, resume_state=$3, output=$4
WHERE id=$1 AND lease_marker=$5
`, id, RunStatusRunning, []byte(resumeState), nullableJSON(output), token)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func defaultJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
