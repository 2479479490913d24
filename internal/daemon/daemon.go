// Package daemon is the long-running mode: a polling loop re-evaluates job
// eligibility on a fixed cadence and executes the due jobs.
//
// Each poll tick walks the jobs in declaration order and runs every
// eligible one sequentially before the next tick may start, so at most one
// backup executes at a time and the same job can never overlap itself. The
// tick is registered in gocron singleton mode: when a tick outlasts the
// polling interval because a run takes long, the overlapping tick is
// skipped instead of queueing up.
//
// Run history stays in memory. A daemon restart forgets all attempt
// timestamps and interval-gated jobs become due immediately.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/executor"
	"github.com/0xpr03/backuprs/internal/metrics"
	"github.com/0xpr03/backuprs/internal/notify"
	"github.com/0xpr03/backuprs/internal/schedule"
)

// heartbeatInterval is how often the daemon logs a system snapshot.
const heartbeatInterval = time.Hour

// JobRunner executes one job run. Implemented by the executor.
type JobRunner interface {
	Run(ctx context.Context, job *config.Job, opts executor.Options) *executor.Outcome
}

// Notifier delivers run outcome events. Implemented by the webhook sender.
type Notifier interface {
	Send(ctx context.Context, e notify.Event) error
}

// Daemon owns the process lifetime in daemon mode. Create with New.
type Daemon struct {
	cfg      *config.Config
	exec     JobRunner
	history  *schedule.History
	recorder *metrics.Recorder
	notifier Notifier
	cron     gocron.Scheduler
	logger   *zap.Logger

	// now is the clock used for eligibility decisions, injectable in tests.
	now func() time.Time
}

// New creates a Daemon. notifier may be nil when no webhook is configured.
func New(cfg *config.Config, exec JobRunner, history *schedule.History, recorder *metrics.Recorder, notifier Notifier, logger *zap.Logger) (*Daemon, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("daemon: creating scheduler: %w", err)
	}
	return &Daemon{
		cfg:      cfg,
		exec:     exec,
		history:  history,
		recorder: recorder,
		notifier: notifier,
		cron:     cron,
		logger:   logger.Named("daemon"),
		now:      time.Now,
	}, nil
}

// Start registers the polling and heartbeat jobs, optionally exposes the
// metrics endpoint, and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	poll := d.cfg.Global.PollInterval
	if poll <= 0 {
		poll = time.Minute
	}

	_, err := d.cron.NewJob(
		gocron.DurationJob(poll),
		gocron.NewTask(func() { d.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("daemon: scheduling poll job: %w", err)
	}

	_, err = d.cron.NewJob(
		gocron.DurationJob(heartbeatInterval),
		gocron.NewTask(func() { d.heartbeat(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("daemon: scheduling heartbeat job: %w", err)
	}

	if m := d.cfg.Global.Metrics; m != nil && m.Listen != "" {
		go func() {
			if err := d.recorder.Serve(ctx, m.Listen); err != nil {
				d.logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		d.logger.Info("metrics exposed", zap.String("listen", m.Listen))
	}

	d.logger.Info("daemon started",
		zap.Duration("poll_interval", poll),
		zap.Int("jobs", len(d.cfg.Jobs)),
	)
	d.cron.Start()
	<-ctx.Done()
	return d.Stop()
}

// Stop shuts down the scheduler, waiting for a running tick to finish.
func (d *Daemon) Stop() error {
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("daemon: scheduler shutdown: %w", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}

// Tick evaluates every job in declaration order and runs the eligible ones
// sequentially. Exported for the poll job and for tests; the daemon holds
// no per-tick state.
func (d *Daemon) Tick(ctx context.Context) {
	now := d.now()
	for i := range d.cfg.Jobs {
		if ctx.Err() != nil {
			return
		}
		job := &d.cfg.Jobs[i]
		policy := job.Policy(&d.cfg.Global)
		if !schedule.Eligible(policy, d.history.Get(job.Name), now) {
			continue
		}
		d.runJob(ctx, job)
	}
}

// runJob executes one job and records the outcome in history, metrics, and
// the notifier.
func (d *Daemon) runJob(ctx context.Context, job *config.Job) {
	d.recorder.RunStarted(job.Name)
	outcome := d.exec.Run(ctx, job, executor.Options{})
	d.history.Observe(job.Name, outcome.Start, !outcome.Failed())
	d.recorder.RunFinished(job.Name, outcome.Failed(), outcome.Duration, outcome.Start.Add(outcome.Duration))

	if d.notifier == nil {
		return
	}
	if err := d.notifier.Send(ctx, eventFromOutcome(outcome)); err != nil {
		d.logger.Warn("notification failed", zap.String("job", job.Name), zap.Error(err))
	}
}

// heartbeat logs a point-in-time system snapshot so long-running daemons
// leave periodic evidence of host health next to the job logs.
func (d *Daemon) heartbeat(ctx context.Context) {
	snap, err := metrics.System(ctx, d.cfg.Global.ScratchDir)
	if err != nil {
		d.logger.Warn("system snapshot incomplete", zap.Error(err))
	}
	d.logger.Info("heartbeat",
		zap.Float64("cpu_percent", snap.CPUPercent),
		zap.Float64("memory_used_percent", snap.MemoryUsedPercent),
		zap.Uint64("scratch_free_bytes", snap.ScratchFreeBytes),
	)
}

// eventFromOutcome maps a run outcome to the notification wire format.
func eventFromOutcome(o *executor.Outcome) notify.Event {
	e := notify.Event{
		Job:      o.Job,
		RunID:    o.RunID,
		Status:   notify.StatusSuccess,
		Duration: o.Duration.Seconds(),
	}
	if o.Failure != nil {
		e.Status = notify.StatusFailure
		e.Stage = string(o.Failure.Stage)
		e.Detail = o.Failure.Err.Error()
	}
	if o.Summary != nil {
		e.Summary = o.Summary.String()
	}
	return e
}
