// Package main is the entrypoint for the homeport CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mcheli/homeport/internal/api"
	"github.com/mcheli/homeport/internal/bundle"
	"github.com/mcheli/homeport/internal/config"
	"github.com/mcheli/homeport/internal/deploy"
	"github.com/mcheli/homeport/internal/diagnostics"
	"github.com/mcheli/homeport/internal/metrics"
	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/monitoring"
	"github.com/mcheli/homeport/internal/portainer"
	"github.com/mcheli/homeport/internal/store"
	"github.com/mcheli/homeport/internal/transport"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const timeRound = 100 * time.Millisecond

var (
	configPath string
	debug      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "homeport",
		Short: "Homeport deploys containerized services to a single docker host over SSH",
		Long: `Homeport builds a service bundle locally, captures a backup of the
remote working directory, streams the bundle through one SSH session into
an atomic directory swap, restarts the service with docker compose, and
validates health checks. A failed deployment is rolled back to the backup.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.homeport/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newDeployCmd(),
		newDeployAllCmd(),
		newVerifyCmd(),
		newHistoryCmd(),
		newBackupsCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// runtimeDeps is the wired pipeline shared by the deploy-ish commands.
type runtimeDeps struct {
	cfg          *config.Config
	channel      transport.Channel
	engine       *deploy.Engine
	backups      *deploy.BackupManager
	validator    *deploy.Validator
	history      *store.Store
	metrics      *metrics.Metrics
	orchestrator *deploy.Orchestrator
}

func buildRuntime(logger zerolog.Logger) (*runtimeDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	channel, err := transport.NewSSHChannel(transport.Options{
		Host:           cfg.SSH.Host,
		Port:           cfg.SSH.Port,
		User:           cfg.SSH.User,
		PrivateKeyPath: cfg.SSH.PrivateKeyPath,
		Password:       cfg.SSH.Password,
		HostKey:        cfg.SSH.HostKey,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		SessionBudget:  cfg.SSH.SessionBudget,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		KeepAlive:      cfg.SSH.KeepAlive,
		ExecTimeout:    cfg.SSH.ExecTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create ssh channel: %w", err)
	}

	var exporter deploy.StackExporter
	if cfg.Portainer.Enabled() {
		exporter = portainer.New(cfg.Portainer, logger)
	}

	engine := deploy.NewEngine(logger)
	backups := deploy.NewBackupManager(cfg.Backup.Dir, cfg.Backup.KeepLast, engine, exporter, logger)
	validator := deploy.NewValidator(logger)
	builder := bundle.NewBuilder(filepath.Join(cfg.DataDir, "staging"), logger)

	history, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	orchestrator := deploy.NewOrchestrator(channel, builder, engine, backups, validator, history, m, deploy.Options{
		Retry: transport.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
		},
		ContinueOnError:    cfg.Deploy.ContinueOnError,
		RetryAfterRollback: cfg.Deploy.RetryAfterRollback,
	}, logger)

	return &runtimeDeps{
		cfg:          cfg,
		channel:      channel,
		engine:       engine,
		backups:      backups,
		validator:    validator,
		history:      history,
		metrics:      m,
		orchestrator: orchestrator,
	}, nil
}

func (d *runtimeDeps) close() {
	d.history.Close()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Homeport %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <service>",
		Short: "Deploy one service through backup, apply, validate and commit-or-rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			deps, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer deps.close()

			svc, err := deps.cfg.Service(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if err := diagnostics.Preflight(ctx, deps.cfg.DataDir, 0); err != nil {
				return err
			}

			record, err := deps.orchestrator.Deploy(ctx, svc)
			if err != nil {
				return err
			}
			return reportOutcome(record)
		},
	}
}

func newDeployAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-all",
		Short: "Deploy every configured service strictly in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			deps, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer deps.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := diagnostics.Preflight(ctx, deps.cfg.DataDir, 0); err != nil {
				return err
			}

			records, err := deps.orchestrator.DeployAll(ctx, deps.cfg.Services)
			for _, record := range records {
				fmt.Printf("%-20s %-12s %s\n", record.Service, record.Outcome, record.Duration().Round(timeRound))
			}
			if err != nil {
				return err
			}
			for _, record := range records {
				if record.Outcome != models.OutcomeCommitted {
					return fmt.Errorf("service %s finished %s", record.Service, record.Outcome)
				}
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <service>",
		Short: "Run a service's health checks without deploying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			deps, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer deps.close()

			svc, err := deps.cfg.Service(args[0])
			if err != nil {
				return err
			}
			if len(svc.HealthChecks) == 0 {
				fmt.Printf("%s has no health checks configured\n", svc.Name)
				return nil
			}

			ctx, cancel := signalContext()
			defer cancel()

			handle, err := deps.channel.Acquire(ctx)
			if err != nil {
				return err
			}
			defer handle.Release()

			results, err := deps.validator.Validate(ctx, handle, svc.Name, svc.HealthChecks)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				status := "PASS"
				if !r.Passed {
					status = "FAIL"
					failed++
				}
				fmt.Printf("%-6s %-30s %s\n", status, r.Name, r.Detail)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d health checks failed", failed, len(results))
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [service]",
		Short: "Show deployment history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			history, err := store.Open(cfg.DataDir, logger)
			if err != nil {
				return err
			}
			defer history.Close()

			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			records, err := history.ListRecords(cmd.Context(), service, limit)
			if err != nil {
				return err
			}

			for _, r := range records {
				outcome := string(r.Outcome)
				if outcome == "" {
					outcome = string(r.State)
				}
				fmt.Printf("%s  %-20s %-12s %s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Service, outcome, r.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	return cmd
}

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage stored backups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <service>",
		Short: "List stored backups for a service, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manager := deploy.NewBackupManager(cfg.Backup.Dir, cfg.Backup.KeepLast, deploy.NewEngine(logger), nil, logger)

			backups, err := manager.List(args[0])
			if err != nil {
				return err
			}
			for _, b := range backups {
				kind := "workdir"
				if b.Empty {
					kind = "empty"
				}
				fmt.Printf("%s  %-8s %10d bytes  %s\n", b.ID(), kind, b.SizeBytes, b.ContentHash[:12])
			}
			return nil
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune <service>",
		Short: "Evict a service's oldest backups beyond the retention count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = cfg.Backup.KeepLast
			}
			manager := deploy.NewBackupManager(cfg.Backup.Dir, cfg.Backup.KeepLast, deploy.NewEngine(logger), nil, logger)

			evicted, err := manager.Prune(args[0], keep)
			if err != nil {
				return err
			}
			for _, b := range evicted {
				fmt.Printf("evicted %s\n", b.ID())
			}
			fmt.Printf("%d backup(s) evicted\n", len(evicted))
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "backups to retain (default: configured keep_last)")
	cmd.AddCommand(prune)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the read-only API, metrics endpoint and scheduled health sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			deps, err := buildRuntime(logger)
			if err != nil {
				return err
			}
			defer deps.close()

			ctx, cancel := signalContext()
			defer cancel()

			sweeper := monitoring.NewSweeper(deps.channel, deps.validator, deps.cfg.Services,
				deps.history, deps.metrics, deps.cfg.Monitor.Schedule, logger)
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer func() { <-sweeper.Stop().Done() }()

			addr := deps.cfg.API.ListenAddr
			if addr == "" {
				addr = ":8085"
			}
			router := api.NewRouter(api.Config{
				Version:   Version,
				Commit:    Commit,
				BuildDate: BuildDate,
				DataDir:   deps.cfg.DataDir,
			}, deps.history, deps.backups, deps.metrics.Handler(), logger)

			return router.Serve(ctx, addr)
		},
	}
}

func reportOutcome(record *models.DeploymentRecord) error {
	switch record.Outcome {
	case models.OutcomeCommitted:
		fmt.Printf("%s committed in %s (bundle %s)\n",
			record.Service, record.Duration().Round(timeRound), record.BundleHash[:12])
		return nil
	case models.OutcomeRolledBack:
		return fmt.Errorf("%s rolled back: %s", record.Service, record.Error)
	default:
		return fmt.Errorf("%s failed: %s", record.Service, record.Error)
	}
}
