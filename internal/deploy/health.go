package deploy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/transport"
	"github.com/rs/zerolog"
)

// Validator polls a service's health checks after an apply. All checks for
// one service run against one acquired channel handle; a failed check does
// not abort evaluation of the remaining checks, so the full diagnostic
// picture lands in the deployment record.
type Validator struct {
	logger zerolog.Logger

	// now and sleep are swapped in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewValidator creates a health validator.
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger: logger.With().Str("component", "health").Logger(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Defaults for checks that leave timing unset.
const (
	DefaultCheckTimeout  = 60 * time.Second
	DefaultCheckInterval = 2 * time.Second
)

// Validate runs every check in order and returns one result per check.
// The returned error is non-nil only for channel-level failures that
// prevented evaluation, never for failing checks.
func (v *Validator) Validate(ctx context.Context, handle transport.Handle, service string, checks []models.HealthCheck) ([]models.HealthCheckResult, error) {
	results := make([]models.HealthCheckResult, 0, len(checks))
	for i := range checks {
		check := &checks[i]
		result, err := v.runCheck(ctx, handle, check)
		if err != nil {
			return results, fmt.Errorf("health check %q for %s: %w", check.Name, service, err)
		}
		if result.Passed {
			v.logger.Info().Str("service", service).Str("check", check.Name).Msg("health check passed")
		} else {
			v.logger.Warn().Str("service", service).Str("check", check.Name).Str("detail", result.Detail).Msg("health check failed")
		}
		results = append(results, result)
	}
	return results, nil
}

// runCheck polls one check at its interval until it passes or its timeout
// elapses, short-circuiting to pass as soon as the condition is satisfied.
func (v *Validator) runCheck(ctx context.Context, handle transport.Handle, check *models.HealthCheck) (models.HealthCheckResult, error) {
	timeout := check.Timeout
	if timeout == 0 {
		timeout = DefaultCheckTimeout
	}
	interval := check.Interval
	if interval == 0 {
		interval = DefaultCheckInterval
	}

	start := v.now()
	deadline := start.Add(timeout)
	var lastDetail string

	for {
		passed, detail, err := v.probe(ctx, handle, check)
		if err != nil {
			return models.HealthCheckResult{}, err
		}
		if passed {
			return models.HealthCheckResult{
				Name:      check.Name,
				Type:      check.Type,
				Passed:    true,
				Detail:    detail,
				Elapsed:   v.now().Sub(start),
				CheckedAt: v.now().UTC(),
			}, nil
		}
		lastDetail = detail

		if !v.now().Add(interval).Before(deadline) {
			break
		}
		if err := v.sleep(ctx, interval); err != nil {
			return models.HealthCheckResult{}, err
		}
	}

	return models.HealthCheckResult{
		Name:      check.Name,
		Type:      check.Type,
		Passed:    false,
		Detail:    fmt.Sprintf("timed out after %s: %s", timeout, lastDetail),
		Elapsed:   v.now().Sub(start),
		CheckedAt: v.now().UTC(),
	}, nil
}

// probe evaluates the check's condition once. A non-zero remote exit means
// the condition does not hold yet (e.g. the container does not exist), not
// a channel failure, so it reports false rather than an error.
func (v *Validator) probe(ctx context.Context, handle transport.Handle, check *models.HealthCheck) (bool, string, error) {
	command, err := probeCommand(check)
	if err != nil {
		return false, "", err
	}

	result, execErr := handle.Exec(ctx, command, nil)
	if execErr != nil {
		if transport.IsRemoteExec(execErr) {
			return false, strings.TrimSpace(execErr.Error()), nil
		}
		return false, "", execErr
	}
	output := strings.TrimSpace(string(result.Stdout))

	switch check.Type {
	case models.CheckContainer:
		if output == "running" {
			return true, "container running", nil
		}
		return false, fmt.Sprintf("container status %q", output), nil

	case models.CheckHTTP:
		code, err := strconv.Atoi(output)
		if err != nil {
			return false, fmt.Sprintf("unparseable status %q", output), nil
		}
		lo, hi := check.StatusRange()
		if code >= lo && code <= hi {
			return true, fmt.Sprintf("status %d", code), nil
		}
		return false, fmt.Sprintf("status %d outside %d-%d", code, lo, hi), nil

	case models.CheckTCP:
		// nc exits zero on connect; a RemoteExecError was handled above.
		return true, "connected", nil

	default:
		return false, "", fmt.Errorf("unknown check type %q", check.Type)
	}
}

// probeCommand builds the remote command evaluating a check once.
func probeCommand(check *models.HealthCheck) (string, error) {
	switch check.Type {
	case models.CheckContainer:
		return fmt.Sprintf("docker inspect --format '{{.State.Status}}' %s", shellQuote(check.Container)), nil
	case models.CheckHTTP:
		timeout := int(DefaultCheckInterval.Seconds()) * 5
		return fmt.Sprintf("curl -k -s -o /dev/null -w '%%{http_code}' --max-time %d %s", timeout, shellQuote(check.URL)), nil
	case models.CheckTCP:
		host, port, ok := strings.Cut(check.Target, ":")
		if !ok {
			return "", fmt.Errorf("tcp check %q: target must be host:port", check.Name)
		}
		return fmt.Sprintf("nc -z -w 5 %s %s", shellQuote(host), shellQuote(port)), nil
	default:
		return "", fmt.Errorf("unknown check type %q", check.Type)
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
