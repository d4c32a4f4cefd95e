package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/transport"
	"github.com/rs/zerolog"
)

// StackExporter fetches a structured stack export from a configuration
// management API (Portainer) in front of the docker host. Optional.
type StackExporter interface {
	ExportStack(ctx context.Context, stackName string) ([]byte, error)
}

// BackupManager captures remote state before mutation and replays it on
// failure. Backups are write-once; eviction under the retention policy is
// the only mutation path after creation.
type BackupManager struct {
	dir      string
	keepLast int
	engine   *Engine
	exporter StackExporter // nil when Portainer is not configured
	logger   zerolog.Logger
}

// NewBackupManager creates a manager storing backups under dir with a
// keep-last-N retention policy. exporter may be nil.
func NewBackupManager(dir string, keepLast int, engine *Engine, exporter StackExporter, logger zerolog.Logger) *BackupManager {
	if keepLast < 1 {
		keepLast = 1
	}
	return &BackupManager{
		dir:      dir,
		keepLast: keepLast,
		engine:   engine,
		exporter: exporter,
		logger:   logger.With().Str("component", "backup").Logger(),
	}
}

// Capture tars the service's current remote working directory through a
// single channel invocation and stores it locally. When a Portainer stack
// name is given and an exporter is configured, the structured stack export
// is stored alongside the archive.
func (m *BackupManager) Capture(ctx context.Context, handle transport.Handle, service string, spec ApplySpec, stackName string) (*models.Backup, error) {
	result, err := handle.Exec(ctx, spec.CaptureCommand(), nil)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", service, err)
	}
	archive := result.Stdout

	empty, err := archiveEmpty(archive)
	if err != nil {
		return nil, fmt.Errorf("capture %s: inspect archive: %w", service, err)
	}

	sum := sha256.Sum256(archive)
	backup := &models.Backup{
		Service:     service,
		CapturedAt:  time.Now().UTC(),
		Source:      models.BackupSourceWorkdir,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(archive)),
		Empty:       empty,
	}

	svcDir := filepath.Join(m.dir, service)
	if err := os.MkdirAll(svcDir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	stamp := backup.CapturedAt.Format("20060102T150405.000")
	backup.ArchivePath = filepath.Join(svcDir, stamp+".tar.gz")
	if err := os.WriteFile(backup.ArchivePath, archive, 0600); err != nil {
		return nil, fmt.Errorf("write backup archive: %w", err)
	}

	if m.exporter != nil && stackName != "" {
		export, err := m.exporter.ExportStack(ctx, stackName)
		if err != nil {
			// The workdir archive is the restore source; a missing stack
			// export degrades diagnostics, not safety.
			m.logger.Warn().Err(err).Str("service", service).Str("stack", stackName).Msg("stack export failed")
		} else {
			backup.StackExportPath = filepath.Join(svcDir, stamp+".stack.yml")
			if err := os.WriteFile(backup.StackExportPath, export, 0600); err != nil {
				return nil, fmt.Errorf("write stack export: %w", err)
			}
		}
	}

	if err := m.writeMetadata(backup, filepath.Join(svcDir, stamp+".json")); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("service", service).
		Str("backup_id", backup.ID()).
		Str("content_hash", backup.ContentHash).
		Bool("empty", backup.Empty).
		Msg("backup captured")

	if err := m.enforceRetention(service); err != nil {
		m.logger.Warn().Err(err).Str("service", service).Msg("retention enforcement failed")
	}
	return backup, nil
}

// Restore replays the backup through the same apply path used by a normal
// deployment. An empty backup (service had no working directory) tears the
// service back down instead.
func (m *BackupManager) Restore(ctx context.Context, handle transport.Handle, backup *models.Backup, spec ApplySpec) error {
	if backup.Empty {
		m.logger.Info().Str("service", backup.Service).Msg("restoring to pre-first-deployment state")
		return m.engine.Teardown(ctx, handle, spec)
	}

	f, err := os.Open(backup.ArchivePath)
	if err != nil {
		return fmt.Errorf("open backup archive: %w", err)
	}
	defer f.Close()

	if err := m.engine.Apply(ctx, handle, spec, f); err != nil {
		return fmt.Errorf("restore %s from %s: %w", backup.Service, backup.ID(), err)
	}
	m.logger.Info().Str("service", backup.Service).Str("backup_id", backup.ID()).Msg("backup restored")
	return nil
}

// List returns the stored backups for a service, oldest first.
func (m *BackupManager) List(service string) ([]*models.Backup, error) {
	svcDir := filepath.Join(m.dir, service)
	entries, err := os.ReadDir(svcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []*models.Backup
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(svcDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read backup metadata: %w", err)
		}
		var b models.Backup
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("parse backup metadata %s: %w", entry.Name(), err)
		}
		backups = append(backups, &b)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CapturedAt.Before(backups[j].CapturedAt)
	})
	return backups, nil
}

// Latest returns the most recent backup for a service, or nil.
func (m *BackupManager) Latest(service string) (*models.Backup, error) {
	backups, err := m.List(service)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, nil
	}
	return backups[len(backups)-1], nil
}

// enforceRetention evicts backups beyond keepLast, oldest first. The most
// recent backup is always retained.
func (m *BackupManager) enforceRetention(service string) error {
	_, err := m.Prune(service, m.keepLast)
	return err
}

// Prune evicts a service's backups down to keep, oldest first, and returns
// the evicted backups. keep below 1 is clamped so the most recent backup
// always survives.
func (m *BackupManager) Prune(service string, keep int) ([]*models.Backup, error) {
	if keep < 1 {
		keep = 1
	}
	backups, err := m.List(service)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	evict := backups[:len(backups)-keep]
	for _, b := range evict {
		if err := m.remove(b); err != nil {
			return nil, err
		}
		m.logger.Info().Str("service", service).Str("backup_id", b.ID()).Msg("backup evicted")
	}
	return evict, nil
}

// remove deletes a backup's archive, stack export and metadata.
func (m *BackupManager) remove(b *models.Backup) error {
	paths := []string{b.ArchivePath}
	if b.StackExportPath != "" {
		paths = append(paths, b.StackExportPath)
	}
	stamp := b.CapturedAt.Format("20060102T150405.000")
	paths = append(paths, filepath.Join(m.dir, b.Service, stamp+".json"))

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func (m *BackupManager) writeMetadata(b *models.Backup, path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write backup metadata: %w", err)
	}
	return nil
}

// archiveEmpty reports whether the tar.gz archive contains no entries.
func archiveEmpty(archive []byte) (bool, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return false, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		// The root "./" entry alone does not make a restorable backup.
		if hdr.Name != "./" && hdr.Name != "." {
			return false, nil
		}
	}
}
