package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blakegallagher1/gpc-cres/internal/store"
)

const integrationSchema = `
CREATE TABLE IF NOT EXISTS agent_runs (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  status TEXT NOT NULL,
  input_fingerprint TEXT NOT NULL DEFAULT '',
  lease_marker TEXT,
  resume_state JSONB,
  output JSONB,
  started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS episodes (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  run_id TEXT NOT NULL UNIQUE REFERENCES agent_runs(id) ON DELETE CASCADE,
  agent_intent TEXT NOT NULL,
  evidence_hash TEXT NOT NULL,
  retrieval_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  model_outputs JSONB NOT NULL DEFAULT '{}'::jsonb,
  confidence DOUBLE PRECISION,
  outcome TEXT,
  summary TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func TestRunLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("cres"),
		tcPostgres.WithUsername("cres"),
		tcPostgres.WithPassword("cres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://cres:cres@%s:%s/cres?sslmode=disable", host, port.Port())

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := st.DB.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		t.Fatalf("pgcrypto: %v", err)
	}
	if _, err := st.DB.ExecContext(ctx, integrationSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}

	runID := "run-" + uuid.NewString()
	leaseA := uuid.NewString()
	leaseB := uuid.NewString()

	if err := st.UpsertRunRunning(ctx, store.Run{ID: runID, OrgID: "org-1", LeaseMarker: leaseA}); err != nil {
		t.Fatalf("upsert A: %v", err)
	}
	// A second attempt re-arms the lease while the run is still running.
	if err := st.UpsertRunRunning(ctx, store.Run{ID: runID, OrgID: "org-1", LeaseMarker: leaseB}); err != nil {
		t.Fatalf("upsert B: %v", err)
	}

	output := json.RawMessage(`{"finalText":"winner"}`)
	applied, err := st.FinalizeRun(ctx, runID, store.RunStatusSucceeded, output, leaseA)
	if err != nil {
		t.Fatalf("finalize A: %v", err)
	}
	if applied {
		t.Fatal("attempt A holds a stale lease and must lose the swap")
	}
	applied, err = st.FinalizeRun(ctx, runID, store.RunStatusSucceeded, output, leaseB)
	if err != nil {
		t.Fatalf("finalize B: %v", err)
	}
	if !applied {
		t.Fatal("attempt B holds the live lease and must win")
	}

	// Terminal rows ignore further re-arm attempts.
	if err := st.UpsertRunRunning(ctx, store.Run{ID: runID, OrgID: "org-1", LeaseMarker: uuid.NewString()}); err != nil {
		t.Fatalf("upsert after terminal: %v", err)
	}
	run, found, err := st.GetRun(ctx, runID)
	if err != nil || !found {
		t.Fatalf("get run: %v found=%v", err, found)
	}
	if run.Status != store.RunStatusSucceeded {
		t.Fatalf("status = %s", run.Status)
	}

	// Episode creation is idempotent on run id.
	ep1, created, err := st.InsertEpisode(ctx, store.Episode{RunID: runID, AgentIntent: "underwriting", EvidenceHash: "h1", Summary: "s"})
	if err != nil || !created {
		t.Fatalf("insert episode: %v created=%v", err, created)
	}
	ep2, created, err := st.InsertEpisode(ctx, store.Episode{RunID: runID, AgentIntent: "underwriting", EvidenceHash: "h1", Summary: "s"})
	if err != nil {
		t.Fatalf("insert episode again: %v", err)
	}
	if created {
		t.Fatal("second insert must not create")
	}
	if ep1.ID != ep2.ID {
		t.Fatalf("episode ids differ: %s vs %s", ep1.ID, ep2.ID)
	}
}
