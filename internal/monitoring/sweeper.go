// Package monitoring runs scheduled health sweeps over services whose most
// recent deployment committed, catching drift between deployments.
package monitoring

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mcheli/homeport/internal/config"
	"github.com/mcheli/homeport/internal/deploy"
	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/transport"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// History answers which services are currently expected to be healthy.
type History interface {
	CommittedServices(ctx context.Context) ([]string, error)
}

// SweepMetrics records sweep findings. Optional.
type SweepMetrics interface {
	ObserveSweepFailure(service string)
}

// Sweeper periodically re-runs each committed service's health checks
// over the shared channel. Sweeps observe and report; they never mutate.
type Sweeper struct {
	channel   transport.Channel
	validator *deploy.Validator
	services  []config.ServiceConfig
	history   History
	metrics   SweepMetrics
	schedule  string
	cron      *cron.Cron
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper. metrics may be nil.
func NewSweeper(channel transport.Channel, validator *deploy.Validator, services []config.ServiceConfig, history History, metrics SweepMetrics, schedule string, logger zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{
		channel:   channel,
		validator: validator,
		services:  services,
		history:   history,
		metrics:   metrics,
		schedule:  schedule,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper already running")
	}
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("health sweeper started")
	return nil
}

// Stop stops the sweep schedule gracefully.
func (s *Sweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping health sweeper")
	return s.cron.Stop()
}

func (s *Sweeper) runSweep() {
	if err := s.Sweep(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("health sweep failed")
	}
}

// Sweep runs one pass over every committed service, sequentially on one
// channel handle per service.
func (s *Sweeper) Sweep(ctx context.Context) error {
	committed, err := s.history.CommittedServices(ctx)
	if err != nil {
		return err
	}

	for _, name := range committed {
		svc := s.findService(name)
		if svc == nil || len(svc.HealthChecks) == 0 {
			continue
		}
		if err := s.sweepService(ctx, svc); err != nil {
			// One unreachable service must not starve the rest of the sweep.
			s.logger.Warn().Err(err).Str("service", name).Msg("sweep could not check service")
		}
	}
	return nil
}

func (s *Sweeper) sweepService(ctx context.Context, svc *config.ServiceConfig) error {
	handle, err := s.channel.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()

	results, err := s.validator.Validate(ctx, handle, svc.Name, svc.HealthChecks)
	if err != nil {
		return err
	}
	if models.AllPassed(results) {
		s.logger.Debug().Str("service", svc.Name).Int("checks", len(results)).Msg("sweep healthy")
		return nil
	}

	for _, r := range results {
		if !r.Passed {
			s.logger.Warn().
				Str("service", svc.Name).
				Str("check", r.Name).
				Str("detail", r.Detail).
				Msg("committed service failing health check")
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveSweepFailure(svc.Name)
	}
	return nil
}

func (s *Sweeper) findService(name string) *config.ServiceConfig {
	for i := range s.services {
		if s.services[i].Name == name {
			return &s.services[i]
		}
	}
	return nil
}
