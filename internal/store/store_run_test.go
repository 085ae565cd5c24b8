package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestGetRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Now().Add(-time.Minute)
	finished := time.Now()

	query := regexp.QuoteMeta(`
SELECT id, org_id, status, input_fingerprint, lease_marker, resume_state, output, started_at, finished_at
FROM agent_runs
WHERE id=$1
`)
	rows := sqlmock.NewRows([]string{"id", "org_id", "status", "input_fingerprint", "lease_marker", "resume_state", "output", "started_at", "finished_at"}).
		AddRow("run-1", "org-1", RunStatusSucceeded, "fp", "lease-1", []byte(`{"a":1}`), []byte(`{"finalText":"done"}`), started, finished)
	mock.ExpectQuery(query).WithArgs("run-1").WillReturnRows(rows)

	run, found, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !found {
		t.Fatal("expected run to be found")
	}
	if run.LeaseMarker != "lease-1" {
		t.Fatalf("lease marker = %q", run.LeaseMarker)
	}
	if !run.Terminal() {
		t.Fatal("succeeded run should be terminal")
	}
	if run.FinishedAt == nil {
		t.Fatal("expected finished_at")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT id, org_id, status, input_fingerprint, lease_marker, resume_state, output, started_at, finished_at
FROM agent_runs
WHERE id=$1
`)
	mock.ExpectQuery(query).WithArgs("run-x").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, found, err := st.GetRun(context.Background(), "run-x")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if found {
		t.Fatal("expected run to be absent")
	}
}

func TestUpsertRunRunningValidation(t *testing.T) {
	st := &Store{}
	if err := st.UpsertRunRunning(context.Background(), Run{ID: "run-1", OrgID: "org-1"}); err == nil {
		t.Fatal("expected lease_marker validation error")
	}
}

func TestFinalizeRunCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE agent_runs
SET status=$2, output=$3, finished_at=NOW()
WHERE id=$1 AND lease_marker=$4
`)
	output := json.RawMessage(`{"finalText":"ok"}`)

	mock.ExpectExec(query).
		WithArgs("run-1", RunStatusSucceeded, []byte(output), "lease-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := st.FinalizeRun(context.Background(), "run-1", RunStatusSucceeded, output, "lease-1")
	if err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	if !applied {
		t.Fatal("expected finalize to apply")
	}

	// Stale lease loses the swap without an error.
	mock.ExpectExec(query).
		WithArgs("run-1", RunStatusSucceeded, []byte(output), "lease-stale").
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err = st.FinalizeRun(context.Background(), "run-1", RunStatusSucceeded, output, "lease-stale")
	if err != nil {
		t.Fatalf("FinalizeRun stale: %v", err)
	}
	if applied {
		t.Fatal("stale lease must not apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
UPDATE agent_runs
SET status=$2, resume_state=$3, output=$4
WHERE id=$1 AND lease_marker=$5
`)
	state := json.RawMessage(`{"interruptions":[]}`)
	mock.ExpectExec(query).
		WithArgs("run-1", RunStatusRunning, []byte(state), nil, "lease-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := st.SaveRunCheckpoint(context.Background(), "run-1", state, nil, "lease-1")
	if err != nil {
		t.Fatalf("SaveRunCheckpoint: %v", err)
	}
	if !applied {
		t.Fatal("expected checkpoint to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveRunCheckpointRequiresState(t *testing.T) {
	st := &Store{}
	if _, err := st.SaveRunCheckpoint(context.Background(), "run-1", nil, nil, "lease-1"); err == nil {
		t.Fatal("expected resume_state validation error")
	}
}
