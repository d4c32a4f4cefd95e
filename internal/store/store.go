// Package store persists deployment history in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mcheli/homeport/internal/models"
)

// ErrRecordNotFound is returned when no deployment record matches the ID.
var ErrRecordNotFound = errors.New("deployment record not found")

// timeFormat is RFC3339 with fixed-width nanoseconds so the TEXT column
// sorts chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed deployment history. SaveRecord upserts, so the
// orchestrator can persist every state transition under the same ID.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the history database under dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("history database initialized")
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			state TEXT NOT NULL,
			outcome TEXT,
			bundle_hash TEXT,
			backup_id TEXT,
			health_results TEXT,
			restore_health_results TEXT,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_deployments_service ON deployments(service);
		CREATE INDEX IF NOT EXISTS idx_deployments_started_at ON deployments(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRecord upserts the record under its ID.
func (s *Store) SaveRecord(ctx context.Context, record *models.DeploymentRecord) error {
	healthJSON, err := marshalResults(record.HealthResults)
	if err != nil {
		return fmt.Errorf("marshal health results: %w", err)
	}
	restoreJSON, err := marshalResults(record.RestoreHealthResults)
	if err != nil {
		return fmt.Errorf("marshal restore health results: %w", err)
	}

	var completedAt sql.NullString
	if record.CompletedAt != nil {
		completedAt = sql.NullString{String: record.CompletedAt.Format(timeFormat), Valid: true}
	}

	query := `
		INSERT INTO deployments (id, service, started_at, completed_at, state, outcome, bundle_hash, backup_id, health_results, restore_health_results, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			state = excluded.state,
			outcome = excluded.outcome,
			bundle_hash = excluded.bundle_hash,
			backup_id = excluded.backup_id,
			health_results = excluded.health_results,
			restore_health_results = excluded.restore_health_results,
			error = excluded.error
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID.String(),
		record.Service,
		record.StartedAt.Format(timeFormat),
		completedAt,
		string(record.State),
		nullString(string(record.Outcome)),
		nullString(record.BundleHash),
		nullString(record.BackupID),
		healthJSON,
		restoreJSON,
		nullString(record.Error),
	)
	if err != nil {
		return fmt.Errorf("save deployment record: %w", err)
	}
	return nil
}

// GetRecord retrieves one deployment record by ID.
func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM deployments WHERE id = ?", id.String())
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListRecords returns deployment records newest first, optionally filtered
// by service. limit <= 0 means no limit.
func (s *Store) ListRecords(ctx context.Context, service string, limit int) ([]*models.DeploymentRecord, error) {
	query := selectColumns + " FROM deployments"
	var args []any
	if service != "" {
		query += " WHERE service = ?"
		args = append(args, service)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deployment records: %w", err)
	}
	defer rows.Close()

	var records []*models.DeploymentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment records: %w", err)
	}
	return records, nil
}

// LastCommitted returns the most recent committed record for a service,
// or ErrRecordNotFound.
func (s *Store) LastCommitted(ctx context.Context, service string) (*models.DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+" FROM deployments WHERE service = ? AND outcome = ? ORDER BY started_at DESC LIMIT 1",
		service, string(models.OutcomeCommitted))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// CommittedServices returns the distinct services whose most recent terminal
// deployment committed. These are the services worth health-sweeping.
func (s *Store) CommittedServices(ctx context.Context) ([]string, error) {
	// Latest terminal record per service, then keep the committed ones.
	query := `
		SELECT service FROM deployments d
		WHERE outcome IS NOT NULL
		AND started_at = (
			SELECT MAX(started_at) FROM deployments
			WHERE service = d.service AND outcome IS NOT NULL
		)
		AND outcome = ?
		ORDER BY service
	`
	rows, err := s.db.QueryContext(ctx, query, string(models.OutcomeCommitted))
	if err != nil {
		return nil, fmt.Errorf("query committed services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var service string
		if err := rows.Scan(&service); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, service)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate committed services: %w", err)
	}
	return services, nil
}

// Prune removes terminal records older than the cutoff and returns the
// number deleted. In-flight records are never pruned.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeFormat)
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM deployments WHERE outcome IS NOT NULL AND started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deployment records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(affected), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = "SELECT id, service, started_at, completed_at, state, outcome, bundle_hash, backup_id, health_results, restore_health_results, error"

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.DeploymentRecord, error) {
	var (
		idStr, service, startedAtStr, state                   string
		completedAtStr, outcome, bundleHash, backupID, errMsg sql.NullString
		healthJSON, restoreJSON                               sql.NullString
	)
	err := row.Scan(&idStr, &service, &startedAtStr, &completedAtStr, &state,
		&outcome, &bundleHash, &backupID, &healthJSON, &restoreJSON, &errMsg)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	startedAt, err := time.Parse(timeFormat, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}

	record := &models.DeploymentRecord{
		ID:         id,
		Service:    service,
		StartedAt:  startedAt,
		State:      models.DeploymentState(state),
		Outcome:    models.DeploymentOutcome(outcome.String),
		BundleHash: bundleHash.String,
		BackupID:   backupID.String,
		Error:      errMsg.String,
	}

	if completedAtStr.Valid {
		t, err := time.Parse(timeFormat, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		record.CompletedAt = &t
	}
	if record.HealthResults, err = unmarshalResults(healthJSON); err != nil {
		return nil, fmt.Errorf("parse health results: %w", err)
	}
	if record.RestoreHealthResults, err = unmarshalResults(restoreJSON); err != nil {
		return nil, fmt.Errorf("parse restore health results: %w", err)
	}
	return record, nil
}

func marshalResults(results []models.HealthCheckResult) (sql.NullString, error) {
	if len(results) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalResults(ns sql.NullString) ([]models.HealthCheckResult, error) {
	if !ns.Valid {
		return nil, nil
	}
	var results []models.HealthCheckResult
	if err := json.Unmarshal([]byte(ns.String), &results); err != nil {
		return nil, err
	}
	return results, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
