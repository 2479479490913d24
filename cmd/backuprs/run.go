package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/batch"
	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/daemon"
	"github.com/0xpr03/backuprs/internal/docker"
	"github.com/0xpr03/backuprs/internal/executor"
	"github.com/0xpr03/backuprs/internal/hooks"
	"github.com/0xpr03/backuprs/internal/metrics"
	"github.com/0xpr03/backuprs/internal/notify"
	"github.com/0xpr03/backuprs/internal/restic"
	"github.com/0xpr03/backuprs/internal/schedule"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		jobName      string
		abortOnError bool
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all jobs once, or a single job with --job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := buildLogger(opts.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			exec, cleanup, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			runner := batch.NewRunner(cfg, exec, schedule.NewHistory(), logger)
			report, err := runner.Run(ctx, batch.Options{
				Job:          jobName,
				AbortOnError: abortOnError,
				DryRun:       dryRun,
			})
			if err != nil {
				return err
			}
			printReport(report)
			return report.Err()
		},
	}

	cmd.Flags().StringVar(&jobName, "job", "", "Run only the named job")
	cmd.Flags().BoolVar(&abortOnError, "abort-on-error", false, "Stop the remaining jobs after an aborted run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Pass --dry-run to the snapshot tool, no data is uploaded")
	return cmd
}

func newDaemonCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep running and start jobs when they become eligible",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := buildLogger(opts.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			exec, cleanup, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var notifier daemon.Notifier
			if n := cfg.Global.Notify; n != nil {
				notifier = notify.NewWebhook(n.URL, n.Secret, n.OnSuccess)
			}

			logger.Info("starting backuprs daemon",
				zap.String("version", version),
				zap.Int("jobs", len(cfg.Jobs)),
				zap.Duration("poll_interval", cfg.Global.PollInterval),
			)

			d, err := daemon.New(cfg, exec, schedule.NewHistory(), metrics.NewRecorder(), notifier, logger)
			if err != nil {
				return err
			}
			// Blocks until SIGINT/SIGTERM cancels ctx, then shuts down the
			// scheduler and waits for a running job to finish.
			if err := d.Start(ctx); err != nil {
				return err
			}
			logger.Info("backuprs daemon stopped")
			return nil
		},
	}
}

// buildEngine wires the executor: environment probes, the snapshot tool
// wrapper, the hooks runner, and the optional Docker client. The returned
// cleanup closes the Docker connection.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*executor.Executor, func(), error) {
	if err := cfg.CheckEnvironment(); err != nil {
		return nil, nil, err
	}

	wrapper := restic.NewWrapper(cfg.Global.ResticBinary)
	hooksRunner := hooks.NewRunner()

	// Docker is only contacted when some job actually mounts a
	// docker-volume:// path. Failure to connect is non-fatal here: jobs
	// without volumes keep working, the affected job fails at run time.
	var volumes executor.VolumeResolver
	cleanup := func() {}
	if wantsDocker(cfg) {
		socket := ""
		if cfg.Global.Docker != nil {
			socket = cfg.Global.Docker.Socket
		}
		dc, err := docker.NewClient(socket)
		if err != nil {
			logger.Warn("failed to create Docker client, docker-volume paths will fail", zap.Error(err))
		} else if pingErr := dc.Ping(ctx); pingErr != nil {
			logger.Warn("Docker daemon unreachable, docker-volume paths will fail", zap.Error(pingErr))
			_ = dc.Close()
		} else {
			volumes = dc
			cleanup = func() { _ = dc.Close() }
			logger.Info("Docker daemon reachable, volume resolution available")
		}
	}

	return executor.New(&cfg.Global, hooksRunner, wrapper, volumes, logger), cleanup, nil
}

// wantsDocker reports whether any job mounts a docker-volume:// source.
func wantsDocker(cfg *config.Config) bool {
	for i := range cfg.Jobs {
		for _, path := range cfg.Jobs[i].Paths {
			if _, ok := docker.ParseSource(path); ok {
				return true
			}
		}
	}
	return false
}
