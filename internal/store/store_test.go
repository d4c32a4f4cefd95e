package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcheli/homeport/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func finishedRecord(service string, outcome models.DeploymentOutcome) *models.DeploymentRecord {
	r := models.NewDeploymentRecord(service)
	switch outcome {
	case models.OutcomeCommitted:
		r.Finish(models.StateCommitted, outcome)
	case models.OutcomeRolledBack:
		r.Finish(models.StateRolledBack, outcome)
	default:
		r.Finish(models.StateFailed, outcome)
	}
	return r
}

func TestSaveAndGetRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := models.NewDeploymentRecord("api")
	r.BundleHash = "abc123"
	r.BackupID = "api@20260824T120000.000Z"
	r.HealthResults = []models.HealthCheckResult{{Name: "api-running", Passed: true}}
	r.Finish(models.StateCommitted, models.OutcomeCommitted)

	if err := s.SaveRecord(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRecord(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Service != "api" || got.State != models.StateCommitted || got.Outcome != models.OutcomeCommitted {
		t.Errorf("record = %+v", got)
	}
	if got.BundleHash != "abc123" || got.BackupID != r.BackupID {
		t.Errorf("hash/backup lost: %+v", got)
	}
	if len(got.HealthResults) != 1 || !got.HealthResults[0].Passed {
		t.Errorf("health results lost: %+v", got.HealthResults)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at lost")
	}
}

func TestSaveRecordUpsertsTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := models.NewDeploymentRecord("api")
	for _, state := range []models.DeploymentState{models.StateBackingUp, models.StateApplying, models.StateValidating} {
		r.State = state
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("save transition %s: %v", state, err)
		}
	}
	r.Finish(models.StateCommitted, models.OutcomeCommitted)
	if err := s.SaveRecord(ctx, r); err != nil {
		t.Fatalf("save terminal: %v", err)
	}

	records, err := s.ListRecords(ctx, "api", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (transitions must upsert, not insert)", len(records))
	}
	if records[0].State != models.StateCommitted {
		t.Errorf("state = %s, want committed", records[0].State)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := newTestStore(t)
	r := models.NewDeploymentRecord("api")
	_, err := s.GetRecord(context.Background(), r.ID)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestListRecordsNewestFirstWithFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, svc := range []string{"db", "api", "api"} {
		r := finishedRecord(svc, models.OutcomeCommitted)
		r.StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	all, err := s.ListRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	if !all[0].StartedAt.After(all[1].StartedAt) {
		t.Error("records not newest first")
	}

	api, err := s.ListRecords(ctx, "api", 1)
	if err != nil {
		t.Fatalf("list api: %v", err)
	}
	if len(api) != 1 || api[0].Service != "api" {
		t.Errorf("filtered list = %+v", api)
	}
}

func TestLastCommitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := finishedRecord("api", models.OutcomeCommitted)
	first.StartedAt = time.Now().UTC().Add(-time.Hour)
	first.BundleHash = "old"
	second := finishedRecord("api", models.OutcomeCommitted)
	second.BundleHash = "new"
	rolledBack := finishedRecord("api", models.OutcomeRolledBack)
	rolledBack.StartedAt = time.Now().UTC().Add(time.Minute)

	for _, r := range []*models.DeploymentRecord{first, second, rolledBack} {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.LastCommitted(ctx, "api")
	if err != nil {
		t.Fatalf("last committed: %v", err)
	}
	if got.BundleHash != "new" {
		t.Errorf("bundle hash = %s, want the newest committed record", got.BundleHash)
	}

	if _, err := s.LastCommitted(ctx, "ghost"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestCommittedServices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// api committed, then rolled back: its latest terminal outcome is not
	// committed, so it is excluded. db committed most recently: included.
	apiOld := finishedRecord("api", models.OutcomeCommitted)
	apiOld.StartedAt = time.Now().UTC().Add(-time.Hour)
	apiNew := finishedRecord("api", models.OutcomeRolledBack)
	db := finishedRecord("db", models.OutcomeCommitted)

	for _, r := range []*models.DeploymentRecord{apiOld, apiNew, db} {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	services, err := s.CommittedServices(ctx)
	if err != nil {
		t.Fatalf("committed services: %v", err)
	}
	if len(services) != 1 || services[0] != "db" {
		t.Errorf("services = %v, want [db]", services)
	}
}

func TestPruneKeepsInFlightRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := finishedRecord("api", models.OutcomeCommitted)
	old.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	inFlight := models.NewDeploymentRecord("api")
	inFlight.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	inFlight.State = models.StateApplying
	recent := finishedRecord("db", models.OutcomeCommitted)

	for _, r := range []*models.DeploymentRecord{old, inFlight, recent} {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	pruned, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	all, err := s.ListRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("remaining = %d, want 2 (in-flight record must survive)", len(all))
	}
}
