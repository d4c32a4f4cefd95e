package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcheli/homeport/internal/models"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestObserveDeployment(t *testing.T) {
	m := New()
	m.ObserveDeployment("api", models.OutcomeCommitted, 42*time.Second)
	m.ObserveDeployment("api", models.OutcomeCommitted, 17*time.Second)
	m.ObserveDeployment("db", models.OutcomeRolledBack, 90*time.Second)

	body := scrape(t, m)
	if !strings.Contains(body, `homeport_deployments_total{outcome="committed",service="api"} 2`) {
		t.Error("committed counter missing or wrong")
	}
	if !strings.Contains(body, `homeport_deployments_total{outcome="rolled_back",service="db"} 1`) {
		t.Error("rolled_back counter missing or wrong")
	}
	if !strings.Contains(body, `homeport_deployment_duration_seconds_count{outcome="committed",service="api"} 2`) {
		t.Error("duration histogram missing or wrong")
	}
}

func TestObserveRollbackAndSweep(t *testing.T) {
	m := New()
	m.ObserveRollback("api", true)
	m.ObserveRollback("api", false)
	m.ObserveSweepFailure("db")

	body := scrape(t, m)
	if !strings.Contains(body, `homeport_rollbacks_total{service="api",success="true"} 1`) {
		t.Error("successful rollback counter missing")
	}
	if !strings.Contains(body, `homeport_rollbacks_total{service="api",success="false"} 1`) {
		t.Error("failed rollback counter missing")
	}
	if !strings.Contains(body, `homeport_health_sweep_failures_total{service="db"} 1`) {
		t.Error("sweep failure counter missing")
	}
}
