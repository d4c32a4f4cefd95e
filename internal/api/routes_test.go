package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/store"
)

type fakeHistory struct {
	records map[uuid.UUID]*models.DeploymentRecord
	listed  []*models.DeploymentRecord
}

func (f *fakeHistory) ListRecords(ctx context.Context, service string, limit int) ([]*models.DeploymentRecord, error) {
	if service == "" {
		return f.listed, nil
	}
	var out []*models.DeploymentRecord
	for _, r := range f.listed {
		if r.Service == service {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) GetRecord(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	return r, nil
}

type fakeBackups struct{ backups []*models.Backup }

func (f *fakeBackups) List(service string) ([]*models.Backup, error) {
	var out []*models.Backup
	for _, b := range f.backups {
		if b.Service == service {
			out = append(out, b)
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T, history HistoryStore, backups BackupLister) *Router {
	t.Helper()
	cfg := Config{Version: "1.2.3", Commit: "abc", BuildDate: "today", DataDir: t.TempDir()}
	return NewRouter(cfg, history, backups, nil, zerolog.Nop())
}

func doRequest(r *Router, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.Engine.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t, &fakeHistory{}, &fakeBackups{})
	rec := doRequest(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListDeployments(t *testing.T) {
	committed := models.NewDeploymentRecord("api")
	committed.Finish(models.StateCommitted, models.OutcomeCommitted)
	rolled := models.NewDeploymentRecord("db")
	rolled.Finish(models.StateRolledBack, models.OutcomeRolledBack)
	history := &fakeHistory{listed: []*models.DeploymentRecord{committed, rolled}}

	r := newTestRouter(t, history, &fakeBackups{})

	t.Run("all", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Deployments []models.DeploymentRecord `json:"deployments"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.Deployments, 2)
	})

	t.Run("filtered by service", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments?service=api")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Deployments []models.DeploymentRecord `json:"deployments"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Deployments, 1)
		assert.Equal(t, "api", body.Deployments[0].Service)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments?limit=zero")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetDeployment(t *testing.T) {
	record := models.NewDeploymentRecord("api")
	record.Finish(models.StateCommitted, models.OutcomeCommitted)
	history := &fakeHistory{records: map[uuid.UUID]*models.DeploymentRecord{record.ID: record}}

	r := newTestRouter(t, history, &fakeBackups{})

	t.Run("found", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments/"+record.ID.String())
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.DeploymentRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, models.OutcomeCommitted, got.Outcome)
	})

	t.Run("not found", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := doRequest(r, http.MethodGet, "/api/v1/deployments/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListBackups(t *testing.T) {
	backups := &fakeBackups{backups: []*models.Backup{
		{Service: "api", CapturedAt: time.Now().UTC(), ContentHash: "aaa"},
		{Service: "db", CapturedAt: time.Now().UTC(), ContentHash: "bbb"},
	}}
	r := newTestRouter(t, &fakeHistory{}, backups)

	rec := doRequest(r, http.MethodGet, "/api/v1/services/api/backups")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Backups []models.Backup `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Backups, 1)
	assert.Equal(t, "aaa", body.Backups[0].ContentHash)
}

func TestStatus(t *testing.T) {
	r := newTestRouter(t, &fakeHistory{}, &fakeBackups{})

	rec := doRequest(r, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string `json:"version"`
		System  struct {
			DiskTotalBytes uint64 `json:"disk_total_bytes"`
		} `json:"system"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.NotZero(t, body.System.DiskTotalBytes)
}
