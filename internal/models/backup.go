package models

import "time"

// BackupSource identifies how a backup's content was obtained.
type BackupSource string

const (
	// BackupSourceWorkdir is a full tar of the remote working directory.
	BackupSourceWorkdir BackupSource = "workdir"
	// BackupSourcePortainer is a structured stack export fetched from a
	// Portainer instance in front of the service.
	BackupSourcePortainer BackupSource = "portainer"
)

// Backup describes a captured prior working state for one service.
// Read-only once captured; the archive itself lives in the backup store.
type Backup struct {
	Service     string       `json:"service"`
	CapturedAt  time.Time    `json:"captured_at"`
	Source      BackupSource `json:"source"`
	ContentHash string       `json:"content_hash"`
	SizeBytes   int64        `json:"size_bytes"`
	// ArchivePath is the local path of the captured tar.gz archive.
	ArchivePath string `json:"archive_path"`
	// StackExportPath is set when a Portainer stack export was stored
	// alongside the archive.
	StackExportPath string `json:"stack_export_path,omitempty"`
	// Empty marks a capture of a service that had no working directory on
	// the host yet; restoring it recreates an empty directory.
	Empty bool `json:"empty"`
}

// ID returns the backup's stable identifier, derived from service and
// capture time.
func (b *Backup) ID() string {
	return b.Service + "@" + b.CapturedAt.UTC().Format("20060102T150405.000Z0700")
}
