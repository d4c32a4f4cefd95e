// Package bundle assembles a service's deployable files into a single
// content-addressed tar.gz archive, locally, before any remote interaction.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// BuildError indicates a local pre-flight failure. Never retried.
type BuildError struct {
	Service string
	Reason  string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build bundle for %s: %s: %v", e.Service, e.Reason, e.Err)
	}
	return fmt.Sprintf("build bundle for %s: %s", e.Service, e.Reason)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Entry is one manifest entry: a sub-path of the source directory.
type Entry struct {
	Path string
	// Optional entries are included only if present on disk.
	Optional bool
}

// Manifest describes what goes into a bundle.
type Manifest struct {
	Service string
	// SourceDir is the local root the entry paths are relative to.
	SourceDir string
	// ServiceDefinition is the mandatory entry (the compose file).
	ServiceDefinition string
	// Entries are the additional file-tree entries.
	Entries []Entry
}

// Bundle is a built, immutable archive held in local temporary storage.
type Bundle struct {
	Service     string
	ContentHash string
	SizeBytes   int64
	path        string
}

// Open returns a reader over the archive bytes. The caller must close it.
func (b *Bundle) Open() (io.ReadCloser, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open bundle archive: %w", err)
	}
	return f, nil
}

// Discard removes the local archive. Called once the deployment terminates.
func (b *Bundle) Discard() error {
	if b.path == "" {
		return nil
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard bundle: %w", err)
	}
	b.path = ""
	return nil
}

// Builder assembles bundles into a staging directory.
type Builder struct {
	stagingDir string
	logger     zerolog.Logger
}

// NewBuilder creates a Builder that writes archives under stagingDir.
func NewBuilder(stagingDir string, logger zerolog.Logger) *Builder {
	return &Builder{
		stagingDir: stagingDir,
		logger:     logger.With().Str("component", "bundle").Logger(),
	}
}

// Build assembles the manifest into a tar.gz archive and computes its
// sha256 content hash. Fails with *BuildError if the service definition
// is missing or unreadable.
func (b *Builder) Build(m Manifest) (*Bundle, error) {
	if m.Service == "" {
		return nil, &BuildError{Service: m.Service, Reason: "service name is empty"}
	}
	if m.ServiceDefinition == "" {
		return nil, &BuildError{Service: m.Service, Reason: "service definition entry is empty"}
	}

	defPath := filepath.Join(m.SourceDir, m.ServiceDefinition)
	if _, err := os.Stat(defPath); err != nil {
		return nil, &BuildError{Service: m.Service, Reason: fmt.Sprintf("service definition %s", m.ServiceDefinition), Err: err}
	}

	if err := os.MkdirAll(b.stagingDir, 0700); err != nil {
		return nil, &BuildError{Service: m.Service, Reason: "create staging directory", Err: err}
	}

	out, err := os.CreateTemp(b.stagingDir, m.Service+"-*.tar.gz")
	if err != nil {
		return nil, &BuildError{Service: m.Service, Reason: "create archive file", Err: err}
	}

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(out, hash))
	tw := tar.NewWriter(gz)

	fail := func(reason string, err error) (*Bundle, error) {
		out.Close()
		os.Remove(out.Name())
		return nil, &BuildError{Service: m.Service, Reason: reason, Err: err}
	}

	// The service definition always goes first so a truncated transfer
	// fails loudly at extraction rather than producing a dir without it.
	if err := addPath(tw, m.SourceDir, m.ServiceDefinition); err != nil {
		return fail(fmt.Sprintf("add %s", m.ServiceDefinition), err)
	}

	for _, entry := range m.Entries {
		if entry.Path == m.ServiceDefinition {
			continue
		}
		full := filepath.Join(m.SourceDir, entry.Path)
		if _, err := os.Stat(full); err != nil {
			if entry.Optional && os.IsNotExist(err) {
				b.logger.Debug().Str("service", m.Service).Str("path", entry.Path).Msg("optional entry not present, skipping")
				continue
			}
			return fail(fmt.Sprintf("entry %s", entry.Path), err)
		}
		if err := addPath(tw, m.SourceDir, entry.Path); err != nil {
			return fail(fmt.Sprintf("add %s", entry.Path), err)
		}
	}

	if err := tw.Close(); err != nil {
		return fail("finalize archive", err)
	}
	if err := gz.Close(); err != nil {
		return fail("finalize compression", err)
	}

	info, err := out.Stat()
	if err != nil {
		return fail("stat archive", err)
	}
	if err := out.Close(); err != nil {
		return fail("close archive", err)
	}

	bundle := &Bundle{
		Service:     m.Service,
		ContentHash: hex.EncodeToString(hash.Sum(nil)),
		SizeBytes:   info.Size(),
		path:        out.Name(),
	}

	b.logger.Info().
		Str("service", m.Service).
		Str("content_hash", bundle.ContentHash).
		Int64("size_bytes", bundle.SizeBytes).
		Msg("bundle built")

	return bundle, nil
}

// addPath writes the file or directory tree at root/rel into the archive,
// preserving relative paths and modes.
func addPath(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, rel)
	return filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = relPath
		if d.IsDir() {
			hdr.Name = strings.TrimSuffix(relPath, "/") + "/"
		}
		// Strip owner info so hashes are stable across machines.
		hdr.Uname = ""
		hdr.Gname = ""
		hdr.Uid = 0
		hdr.Gid = 0

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		return nil
	})
}
