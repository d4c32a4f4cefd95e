package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcheli/homeport/internal/bundle"
	"github.com/mcheli/homeport/internal/config"
	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/transport"
	"github.com/rs/zerolog"
)

// ErrDeploymentInProgress is returned when a deployment for the same
// service has not reached a terminal state yet.
var ErrDeploymentInProgress = errors.New("deployment already in progress for service")

// RecordStore persists deployment records for audit/history. Optional.
type RecordStore interface {
	SaveRecord(ctx context.Context, record *models.DeploymentRecord) error
}

// MetricsRecorder observes deployment outcomes. Optional.
type MetricsRecorder interface {
	ObserveDeployment(service string, outcome models.DeploymentOutcome, duration time.Duration)
	ObserveRollback(service string, success bool)
}

// Options configures the orchestrator's behavior switches.
type Options struct {
	Retry transport.RetryPolicy
	// ContinueOnError lets DeployAll keep going past a failed service.
	ContinueOnError bool
	// RetryAfterRollback makes a rolled-back deployment trigger exactly
	// one fresh attempt.
	RetryAfterRollback bool
}

// Orchestrator drives the deployment state machine, sequencing backup,
// transfer/apply, validation and rollback per service and across the
// ordered service list. It holds at most one channel handle at any
// instant, releasing it before the next step acquires.
type Orchestrator struct {
	channel   transport.Channel
	builder   *bundle.Builder
	engine    *Engine
	backups   *BackupManager
	validator *Validator
	store     RecordStore
	metrics   MetricsRecorder
	opts      Options
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewOrchestrator wires the pipeline components together. store and
// metrics may be nil.
func NewOrchestrator(channel transport.Channel, builder *bundle.Builder, engine *Engine, backups *BackupManager, validator *Validator, store RecordStore, metrics MetricsRecorder, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = transport.DefaultRetryPolicy()
	}
	return &Orchestrator{
		channel:   channel,
		builder:   builder,
		engine:    engine,
		backups:   backups,
		validator: validator,
		store:     store,
		metrics:   metrics,
		opts:      opts,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Deploy runs one deployment for the service through to a terminal state
// and returns its record. Blocks until terminal. When retry-after-rollback
// is enabled and the first attempt rolls back, a single fresh attempt is
// made and its record returned; both records are persisted.
func (o *Orchestrator) Deploy(ctx context.Context, svc *config.ServiceConfig) (*models.DeploymentRecord, error) {
	record, err := o.deployOnce(ctx, svc)
	if err != nil {
		return record, err
	}
	if record.Outcome == models.OutcomeRolledBack && o.opts.RetryAfterRollback {
		o.logger.Info().Str("service", svc.Name).Msg("retrying after rollback")
		return o.deployOnce(ctx, svc)
	}
	return record, nil
}

// DeployAll deploys the configured services strictly in order, one at a
// time. A service is deployed only after every service before it reached
// committed, unless continue-on-error is set.
func (o *Orchestrator) DeployAll(ctx context.Context, services []config.ServiceConfig) ([]*models.DeploymentRecord, error) {
	records := make([]*models.DeploymentRecord, 0, len(services))
	for i := range services {
		svc := &services[i]
		record, err := o.Deploy(ctx, svc)
		if record != nil {
			records = append(records, record)
		}
		if err != nil {
			return records, err
		}
		if record.Outcome != models.OutcomeCommitted && !o.opts.ContinueOnError {
			return records, fmt.Errorf("service %s finished %s; halting ordered deployment", svc.Name, record.Outcome)
		}
	}
	return records, nil
}

// deployOnce runs a single pass of the state machine.
func (o *Orchestrator) deployOnce(ctx context.Context, svc *config.ServiceConfig) (*models.DeploymentRecord, error) {
	if !o.begin(svc.Name) {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentInProgress, svc.Name)
	}
	defer o.end(svc.Name)

	record := models.NewDeploymentRecord(svc.Name)
	logger := o.logger.With().Str("service", svc.Name).Str("deployment_id", record.ID.String()).Logger()
	spec := ApplySpec{
		RemoteDir:   svc.RemoteDir,
		Project:     svc.ProjectName(),
		ComposeFile: svc.ComposeFileName(),
	}

	defer func() {
		o.persist(ctx, record)
		if o.metrics != nil && record.Terminal() {
			o.metrics.ObserveDeployment(record.Service, record.Outcome, record.Duration())
		}
	}()

	// Pre-flight: build the bundle locally. A build failure terminates
	// the deployment before any remote interaction.
	b, err := o.builder.Build(bundleManifest(svc))
	if err != nil {
		record.Error = err.Error()
		record.Finish(models.StateFailed, models.OutcomeFailed)
		logger.Error().Err(err).Msg("bundle build failed")
		return record, nil
	}
	defer b.Discard()
	record.BundleHash = b.ContentHash

	// BACKING_UP: never mutate without a known-good restore point.
	o.transition(ctx, record, models.StateBackingUp, logger)
	backup, err := o.captureBackup(ctx, svc, spec)
	if err != nil {
		record.Error = fmt.Sprintf("backup capture: %v", err)
		record.Finish(models.StateFailed, models.OutcomeFailed)
		logger.Error().Err(err).Msg("backup capture failed, aborting with no remote mutation")
		return record, nil
	}
	record.BackupID = backup.ID()

	// TRANSFERRING_AND_APPLYING: one channel invocation streams the
	// bundle into the remote apply pipeline.
	o.transition(ctx, record, models.StateApplying, logger)
	if err := o.transferAndApply(ctx, b, spec); err != nil {
		record.Error = fmt.Sprintf("apply: %v", err)
		logger.Error().Err(err).Msg("apply failed")
		return o.rollback(ctx, record, svc, spec, backup, logger), nil
	}

	if svc.SettleTime > 0 {
		if err := sleepCtx(ctx, svc.SettleTime); err != nil {
			record.Error = err.Error()
			return o.rollback(ctx, record, svc, spec, backup, logger), nil
		}
	}

	// VALIDATING.
	o.transition(ctx, record, models.StateValidating, logger)
	results, err := o.validate(ctx, svc)
	record.HealthResults = results
	if err != nil {
		record.Error = fmt.Sprintf("validation: %v", err)
		logger.Error().Err(err).Msg("validation could not complete")
		return o.rollback(ctx, record, svc, spec, backup, logger), nil
	}
	if !models.AllPassed(results) {
		record.Error = "health checks failed"
		logger.Warn().Msg("health checks failed, rolling back")
		return o.rollback(ctx, record, svc, spec, backup, logger), nil
	}

	record.Finish(models.StateCommitted, models.OutcomeCommitted)
	logger.Info().Str("bundle_hash", record.BundleHash).Msg("deployment committed")
	return record, nil
}

// captureBackup acquires a handle, captures the backup and releases.
// Transient failures retry under the policy; capture is read-only so a
// timed-out attempt is safe to repeat.
func (o *Orchestrator) captureBackup(ctx context.Context, svc *config.ServiceConfig, spec ApplySpec) (*models.Backup, error) {
	var backup *models.Backup
	err := o.opts.Retry.Do(ctx, o.logger, "backup "+svc.Name, transport.IsTransient, func() error {
		handle, err := o.channel.Acquire(ctx)
		if err != nil {
			return err
		}
		defer handle.Release()
		backup, err = o.backups.Capture(ctx, handle, svc.Name, spec, svc.Stack)
		return err
	})
	return backup, err
}

// transferAndApply acquires a handle and streams the bundle through the
// apply pipeline. Only connection-level failures (the attempt never
// reached the remote side) are retried; a RemoteExecError or a timeout
// after streaming began is a hard failure, never re-applied.
func (o *Orchestrator) transferAndApply(ctx context.Context, b *bundle.Bundle, spec ApplySpec) error {
	return o.opts.Retry.Do(ctx, o.logger, "apply "+spec.Project, transport.IsConnectError, func() error {
		archive, err := b.Open()
		if err != nil {
			return fmt.Errorf("open bundle: %w", err)
		}
		defer archive.Close()

		handle, err := o.channel.Acquire(ctx)
		if err != nil {
			return err
		}
		defer handle.Release()
		return o.engine.Apply(ctx, handle, spec, archive)
	})
}

// validate acquires one handle and runs the full health check spec on it.
func (o *Orchestrator) validate(ctx context.Context, svc *config.ServiceConfig) ([]models.HealthCheckResult, error) {
	var results []models.HealthCheckResult
	err := o.opts.Retry.Do(ctx, o.logger, "validate "+svc.Name, transport.IsConnectError, func() error {
		handle, err := o.channel.Acquire(ctx)
		if err != nil {
			return err
		}
		defer handle.Release()
		results, err = o.validator.Validate(ctx, handle, svc.Name, svc.HealthChecks)
		return err
	})
	return results, err
}

// rollback replays the backup through the apply path and re-runs the same
// health check spec. Both must succeed for a rolled_back outcome; anything
// less is a hard failure requiring manual intervention.
func (o *Orchestrator) rollback(ctx context.Context, record *models.DeploymentRecord, svc *config.ServiceConfig, spec ApplySpec, backup *models.Backup, logger zerolog.Logger) *models.DeploymentRecord {
	o.transition(ctx, record, models.StateRollingBack, logger)

	err := o.opts.Retry.Do(ctx, o.logger, "rollback "+svc.Name, transport.IsConnectError, func() error {
		handle, err := o.channel.Acquire(ctx)
		if err != nil {
			return err
		}
		defer handle.Release()
		return o.backups.Restore(ctx, handle, backup, spec)
	})
	if err != nil {
		record.Error = fmt.Sprintf("%s; rollback: %v", record.Error, err)
		record.Finish(models.StateFailed, models.OutcomeFailed)
		if o.metrics != nil {
			o.metrics.ObserveRollback(svc.Name, false)
		}
		logger.Error().Err(err).Msg("rollback failed; service state unknown, manual intervention required")
		return record
	}

	results, err := o.validate(ctx, svc)
	record.RestoreHealthResults = results
	if err != nil || !models.AllPassed(results) {
		if err != nil {
			record.Error = fmt.Sprintf("%s; post-restore validation: %v", record.Error, err)
		} else {
			record.Error = record.Error + "; post-restore health checks failed"
		}
		record.Finish(models.StateFailed, models.OutcomeFailed)
		if o.metrics != nil {
			o.metrics.ObserveRollback(svc.Name, false)
		}
		logger.Error().Msg("post-restore health checks failed; manual intervention required")
		return record
	}

	record.Finish(models.StateRolledBack, models.OutcomeRolledBack)
	if o.metrics != nil {
		o.metrics.ObserveRollback(svc.Name, true)
	}
	logger.Warn().Msg("new version rejected; previous version restored and healthy")
	return record
}

// transition advances the record's state and persists it.
func (o *Orchestrator) transition(ctx context.Context, record *models.DeploymentRecord, state models.DeploymentState, logger zerolog.Logger) {
	record.State = state
	logger.Info().Str("state", string(state)).Msg("deployment state")
	o.persist(ctx, record)
}

// persist saves the record best-effort; history must not fail a deployment.
func (o *Orchestrator) persist(ctx context.Context, record *models.DeploymentRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRecord(ctx, record); err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", record.ID.String()).Msg("persist deployment record failed")
	}
}

// begin marks a service's deployment active, enforcing at most one
// non-terminal record per service.
func (o *Orchestrator) begin(service string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = make(map[string]bool)
	}
	if o.active[service] {
		return false
	}
	o.active[service] = true
	return true
}

func (o *Orchestrator) end(service string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, service)
}

// bundleManifest maps a service configuration onto a bundle manifest.
func bundleManifest(svc *config.ServiceConfig) bundle.Manifest {
	entries := make([]bundle.Entry, 0, len(svc.Include))
	for _, e := range svc.Include {
		entries = append(entries, bundle.Entry{Path: e.Path, Optional: e.Optional})
	}
	return bundle.Manifest{
		Service:           svc.Name,
		SourceDir:         svc.SourceDir,
		ServiceDefinition: svc.ComposeFileName(),
		Entries:           entries,
	}
}
