// Package models defines the shared data types for homeport deployments.
package models

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentState is the current phase of a deployment's state machine.
type DeploymentState string

const (
	// StateIdle is the state of a deployment that has not started.
	StateIdle DeploymentState = "idle"
	// StateBackingUp means the pre-deployment backup is being captured.
	StateBackingUp DeploymentState = "backing_up"
	// StateApplying means the bundle is being streamed to the host and applied.
	StateApplying DeploymentState = "transferring_and_applying"
	// StateValidating means post-apply health checks are running.
	StateValidating DeploymentState = "validating"
	// StateCommitted is the terminal success state.
	StateCommitted DeploymentState = "committed"
	// StateRollingBack means the pre-deployment backup is being replayed.
	StateRollingBack DeploymentState = "rolling_back"
	// StateRolledBack is terminal: the new version was rejected and the
	// previous version was restored and verified healthy.
	StateRolledBack DeploymentState = "rolled_back"
	// StateFailed is terminal: the service may be in a non-working state
	// and requires manual intervention.
	StateFailed DeploymentState = "failed"
)

// DeploymentOutcome is the terminal result of a deployment.
type DeploymentOutcome string

const (
	OutcomeCommitted  DeploymentOutcome = "committed"
	OutcomeRolledBack DeploymentOutcome = "rolled_back"
	OutcomeFailed     DeploymentOutcome = "failed"
)

// DeploymentRecord is the audit record and state holder for one deployment
// attempt. It becomes immutable once a terminal outcome is set.
type DeploymentRecord struct {
	ID          uuid.UUID         `json:"id"`
	Service     string            `json:"service"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	State       DeploymentState   `json:"state"`
	Outcome     DeploymentOutcome `json:"outcome,omitempty"`
	BundleHash  string            `json:"bundle_hash,omitempty"`
	BackupID    string            `json:"backup_id,omitempty"`

	// HealthResults are the post-apply check results.
	HealthResults []HealthCheckResult `json:"health_results,omitempty"`
	// RestoreHealthResults holds the post-restore check results when a
	// rollback ran. Kept separate so a failed deployment preserves both
	// the original and the restore diagnostic picture.
	RestoreHealthResults []HealthCheckResult `json:"restore_health_results,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewDeploymentRecord creates a record for a deployment that is about to start.
func NewDeploymentRecord(service string) *DeploymentRecord {
	return &DeploymentRecord{
		ID:        uuid.New(),
		Service:   service,
		StartedAt: time.Now().UTC(),
		State:     StateIdle,
	}
}

// Terminal reports whether the record has reached a terminal state.
func (r *DeploymentRecord) Terminal() bool {
	switch r.State {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// Finish sets the terminal state and outcome and stamps the completion time.
func (r *DeploymentRecord) Finish(state DeploymentState, outcome DeploymentOutcome) {
	now := time.Now().UTC()
	r.State = state
	r.Outcome = outcome
	r.CompletedAt = &now
}

// Duration returns the wall-clock duration of the deployment, or the elapsed
// time so far if it has not completed.
func (r *DeploymentRecord) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
