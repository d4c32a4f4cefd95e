// Package deploy implements the bundle-apply, backup/rollback, health
// validation and orchestration pipeline for single-host deployments.
package deploy

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/mcheli/homeport/internal/transport"
	"github.com/rs/zerolog"
)

// ApplySpec describes one remote apply: where the service lives on the
// host and how its containers are driven.
type ApplySpec struct {
	// RemoteDir is the live working directory (absolute).
	RemoteDir string
	// Project is the docker compose project name.
	Project string
	// ComposeFile is the service definition path relative to RemoteDir.
	ComposeFile string
}

// StagingDir is the extraction target; swapped over RemoteDir by a single
// rename so there is no window where the working directory is half-written.
func (s ApplySpec) StagingDir() string { return s.RemoteDir + ".staging" }

// PreviousDir briefly holds the outgoing working directory during the swap.
func (s ApplySpec) PreviousDir() string { return s.RemoteDir + ".previous" }

// composePath is the remote path of the service definition.
func (s ApplySpec) composePath() string {
	return path.Join(s.RemoteDir, s.ComposeFile)
}

// Steps returns the apply pipeline as data: one step per action, later
// joined with '&&' so the whole invocation either succeeds or stops at the
// first failing step with a non-zero exit.
func (s ApplySpec) Steps() []string {
	live := shellQuote(s.RemoteDir)
	staging := shellQuote(s.StagingDir())
	previous := shellQuote(s.PreviousDir())
	project := shellQuote(s.Project)
	compose := shellQuote(s.composePath())

	return []string{
		// Clear any stale staging/previous dirs from an interrupted run.
		fmt.Sprintf("rm -rf %s %s", staging, previous),
		fmt.Sprintf("mkdir -p %s", staging),
		// The archive arrives on stdin of this same invocation.
		fmt.Sprintf("tar -xzf - -C %s", staging),
		fmt.Sprintf("mkdir -p %s", shellQuote(path.Dir(s.RemoteDir))),
		// Move the live dir aside (first deployment has none), then the
		// single rename that makes the swap atomic.
		fmt.Sprintf("([ ! -d %s ] || mv %s %s)", live, live, previous),
		fmt.Sprintf("mv %s %s", staging, live),
		fmt.Sprintf("docker compose -p %s -f %s down --remove-orphans", project, compose),
		fmt.Sprintf("docker compose -p %s -f %s up -d", project, compose),
		fmt.Sprintf("rm -rf %s", previous),
	}
}

// Command joins the steps into the single remote invocation.
func (s ApplySpec) Command() string {
	return strings.Join(s.Steps(), " && ")
}

// TeardownSteps returns the pipeline used to restore a service that had no
// working directory before the deployment: remove the directory and stop
// whatever containers the failed apply started.
func (s ApplySpec) TeardownSteps() []string {
	live := shellQuote(s.RemoteDir)
	staging := shellQuote(s.StagingDir())
	previous := shellQuote(s.PreviousDir())
	label := shellQuote("label=com.docker.compose.project=" + s.Project)

	return []string{
		fmt.Sprintf("docker ps -aq --filter %s | xargs -r docker rm -f", label),
		fmt.Sprintf("rm -rf %s %s %s", live, staging, previous),
	}
}

// TeardownCommand joins the teardown steps into one invocation.
func (s ApplySpec) TeardownCommand() string {
	return strings.Join(s.TeardownSteps(), " && ")
}

// CaptureCommand returns the single invocation that tars the live working
// directory to stdout, or emits an empty archive if the directory does not
// exist yet. Its stdout is the backup archive.
func (s ApplySpec) CaptureCommand() string {
	live := shellQuote(s.RemoteDir)
	return fmt.Sprintf("if [ -d %s ]; then tar -C %s -czf - .; else tar -czf - -T /dev/null; fi", live, live)
}

// Engine performs remote applies through a constrained channel handle.
// The whole transfer-and-apply is one exec invocation: the archive bytes
// stream into the remote command's stdin, keeping the worst-case session
// count for a deployment step at one.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates an apply engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "apply").Logger()}
}

// Apply streams the archive through the handle into the composed apply
// pipeline. A non-zero remote exit surfaces as *transport.RemoteExecError
// and must not be retried by the caller.
func (e *Engine) Apply(ctx context.Context, handle transport.Handle, spec ApplySpec, archive io.Reader) error {
	command := spec.Command()
	e.logger.Debug().Str("project", spec.Project).Str("remote_dir", spec.RemoteDir).Msg("applying bundle")

	result, err := handle.Exec(ctx, command, archive)
	if err != nil {
		return fmt.Errorf("apply %s: %w", spec.Project, err)
	}

	e.logger.Info().
		Str("project", spec.Project).
		Int("output_bytes", len(result.Stdout)+len(result.Stderr)).
		Msg("bundle applied")
	return nil
}

// Teardown removes the service's working directory and containers. Used to
// roll back a first-ever deployment, where the captured backup is empty.
func (e *Engine) Teardown(ctx context.Context, handle transport.Handle, spec ApplySpec) error {
	if _, err := handle.Exec(ctx, spec.TeardownCommand(), nil); err != nil {
		return fmt.Errorf("teardown %s: %w", spec.Project, err)
	}
	e.logger.Info().Str("project", spec.Project).Msg("service torn down")
	return nil
}

// shellQuote wraps s in single quotes, escaping embedded single quotes,
// so remote paths and project names pass through the shell verbatim.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
