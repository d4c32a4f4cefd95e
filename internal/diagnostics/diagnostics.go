// Package diagnostics collects local system information used for deploy
// preflight checks and the status API.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// MinFreeBytes is the default free-space floor for the preflight check.
// Bundle staging and backup archives both land on the local disk, so a
// nearly full disk turns a routine deployment into a failed one.
const MinFreeBytes = 512 << 20

// Report is a snapshot of the local environment.
type Report struct {
	Hostname       string    `json:"hostname"`
	OS             string    `json:"os"`
	Arch           string    `json:"arch"`
	CollectedAt    time.Time `json:"collected_at"`
	DiskPath       string    `json:"disk_path"`
	DiskFreeBytes  uint64    `json:"disk_free_bytes"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
	DiskUsedPct    float64   `json:"disk_used_pct"`
	MemUsedPct     float64   `json:"mem_used_pct"`
}

// Collect gathers a report for the filesystem holding path.
func Collect(ctx context.Context, path string) (*Report, error) {
	hostname, _ := os.Hostname()
	report := &Report{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CollectedAt: time.Now().UTC(),
		DiskPath:    path,
	}

	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	report.DiskFreeBytes = usage.Free
	report.DiskTotalBytes = usage.Total
	report.DiskUsedPct = usage.UsedPercent

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemUsedPct = memStat.UsedPercent
	}
	return report, nil
}

// Preflight verifies the data directory's filesystem has room for bundle
// staging and backup archives.
func Preflight(ctx context.Context, dataDir string, minFree uint64) error {
	if minFree == 0 {
		minFree = MinFreeBytes
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	report, err := Collect(ctx, dataDir)
	if err != nil {
		return err
	}
	if report.DiskFreeBytes < minFree {
		return fmt.Errorf("insufficient disk space in %s: %d bytes free, need %d",
			dataDir, report.DiskFreeBytes, minFree)
	}
	return nil
}
