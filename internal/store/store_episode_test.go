package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestInsertEpisode(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	conf := 0.8

	query := regexp.QuoteMeta(`
INSERT INTO episodes (run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id) DO NOTHING
RETURNING id, created_at
`)
	mock.ExpectQuery(query).
		WithArgs("run-1", "underwriting", "hash-1", sqlmock.AnyArg(), sqlmock.AnyArg(), conf, "completed", "summary text").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("ep-1", time.Now()))

	ep, created, err := st.InsertEpisode(context.Background(), Episode{
		RunID:        "run-1",
		AgentIntent:  "underwriting",
		EvidenceHash: "hash-1",
		Confidence:   &conf,
		Outcome:      "completed",
		Summary:      "summary text",
	})
	if err != nil {
		t.Fatalf("InsertEpisode: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if ep.ID != "ep-1" {
		t.Fatalf("episode id = %q", ep.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEpisodeIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}

	insert := regexp.QuoteMeta(`
INSERT INTO episodes (run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (run_id) DO NOTHING
RETURNING id, created_at
`)
	// Conflict path: no row returned, the existing episode gets fetched.
	mock.ExpectQuery(insert).
		WithArgs("run-1", "underwriting", "hash-1", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "s").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}))

	sel := regexp.QuoteMeta(`
SELECT id, run_id, agent_intent, evidence_hash, retrieval_metadata, model_outputs, confidence, outcome, summary, created_at
FROM episodes
WHERE run_id=$1
`)
	mock.ExpectQuery(sel).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "agent_intent", "evidence_hash", "retrieval_metadata", "model_outputs", "confidence", "outcome", "summary", "created_at"}).
			AddRow("ep-1", "run-1", "underwriting", "hash-1", []byte(`{}`), []byte(`{}`), nil, nil, "s", time.Now()))

	var nilConf *float64
	ep, created, err := st.InsertEpisode(context.Background(), Episode{
		RunID:        "run-1",
		AgentIntent:  "underwriting",
		EvidenceHash: "hash-1",
		Confidence:   nilConf,
		Summary:      "s",
	})
	if err != nil {
		t.Fatalf("InsertEpisode: %v", err)
	}
	if created {
		t.Fatal("expected created=false on conflict")
	}
	if ep.ID != "ep-1" {
		t.Fatalf("episode id = %q", ep.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateEpisodeOutcomeMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`UPDATE episodes SET outcome=$2 WHERE id=$1`)
	mock.ExpectExec(query).WithArgs("ep-missing", OutcomePositiveFeedback).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.UpdateEpisodeOutcome(context.Background(), "ep-missing", OutcomePositiveFeedback); err == nil {
		t.Fatal("expected error for missing episode")
	}
}
