package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/mcheli/homeport/internal/transport"
)

// execFunc scripts the remote side of a test: it receives every command
// the pipeline issues and decides the result.
type execFunc func(command string, stdin io.Reader) (*transport.ExecResult, error)

// fakeChannel implements transport.Channel without a network and tracks
// the concurrent-handle high-water mark.
type fakeChannel struct {
	mu         sync.Mutex
	exec       execFunc
	acquireErr error

	held     int
	maxHeld  int
	acquires int
	commands []string
}

func (c *fakeChannel) Acquire(ctx context.Context) (transport.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquires++
	if c.acquireErr != nil {
		return nil, c.acquireErr
	}
	c.held++
	if c.held > c.maxHeld {
		c.maxHeld = c.held
	}
	return &fakeHandle{ch: c}, nil
}

func (c *fakeChannel) record(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, command)
}

func (c *fakeChannel) commandLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

type fakeHandle struct {
	ch       *fakeChannel
	released bool
}

func (h *fakeHandle) Exec(ctx context.Context, command string, stdin io.Reader) (*transport.ExecResult, error) {
	h.ch.record(command)
	return h.ch.exec(command, stdin)
}

func (h *fakeHandle) Release() error {
	h.ch.mu.Lock()
	defer h.ch.mu.Unlock()
	if !h.released {
		h.released = true
		h.ch.held--
	}
	return nil
}

// makeTarGz builds an in-memory tar.gz archive for fake remote captures.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// emptyTarGz builds the archive an untouched host produces.
func emptyTarGz(t *testing.T) []byte {
	return makeTarGz(t, nil)
}

func ok(stdout string) *transport.ExecResult {
	return &transport.ExecResult{ExitCode: 0, Stdout: []byte(stdout)}
}
