// Package batch drives one-shot invocations: run every configured job, or a
// single job picked by name, sequentially in declaration order.
//
// The scheduler plays no part here. A batch run executes its jobs
// unconditionally; intervals and backup windows only gate the daemon.
package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/executor"
	"github.com/0xpr03/backuprs/internal/schedule"
)

// ErrJobNotFound is returned when a named run targets a job that is not
// configured.
var ErrJobNotFound = errors.New("batch: job not found")

// JobRunner executes one job run. Implemented by the executor.
type JobRunner interface {
	Run(ctx context.Context, job *config.Job, opts executor.Options) *executor.Outcome
}

// Options select the jobs of one batch invocation.
type Options struct {
	// Job names a single job to run; empty runs every configured job.
	Job string
	// AbortOnError stops the queue at the first job whose run was cut
	// short by a fatal failure. Jobs that merely recorded a pre-command
	// failure do not stop the queue, though they still fail the batch.
	AbortOnError bool
	// DryRun is forwarded to every run.
	DryRun bool
}

// Report aggregates the outcomes of one batch invocation.
type Report struct {
	Outcomes []*executor.Outcome
	// Aborted is true when abort-on-error stopped the queue early.
	Aborted bool
}

// Failed reports whether any executed job failed.
func (r *Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// Err returns the combined failure of the batch, nil when every executed
// job succeeded.
func (r *Report) Err() error {
	var errs error
	for _, o := range r.Outcomes {
		if o.Failed() {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", o.Job, o.Failure))
		}
	}
	return errs
}

// Runner resolves the target job set and drives the executor over it.
type Runner struct {
	cfg     *config.Config
	exec    JobRunner
	history *schedule.History
	logger  *zap.Logger
}

// NewRunner creates a batch Runner. history receives an observation per
// executed job, same as the daemon records them.
func NewRunner(cfg *config.Config, exec JobRunner, history *schedule.History, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		exec:    exec,
		history: history,
		logger:  logger.Named("batch"),
	}
}

// Run executes the selected jobs sequentially in declaration order. The
// returned error covers batch-level problems (unknown job name, cancelled
// context); per-job failures live in the report.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	var jobs []*config.Job
	if opts.Job != "" {
		job := r.cfg.Job(opts.Job)
		if job == nil {
			return nil, fmt.Errorf("%w: %q", ErrJobNotFound, opts.Job)
		}
		jobs = []*config.Job{job}
	} else {
		jobs = make([]*config.Job, 0, len(r.cfg.Jobs))
		for i := range r.cfg.Jobs {
			jobs = append(jobs, &r.cfg.Jobs[i])
		}
	}

	r.logger.Info("batch started",
		zap.Int("jobs", len(jobs)),
		zap.Bool("abort_on_error", opts.AbortOnError),
		zap.Bool("dry_run", opts.DryRun),
	)

	report := &Report{}
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("batch: cancelled before job %q: %w", job.Name, err)
		}

		outcome := r.exec.Run(ctx, job, executor.Options{DryRun: opts.DryRun})
		report.Outcomes = append(report.Outcomes, outcome)
		r.history.Observe(job.Name, outcome.Start, !outcome.Failed())

		if !outcome.Failed() {
			continue
		}
		r.logger.Warn("job failed",
			zap.String("job", job.Name),
			zap.String("stage", string(outcome.Failure.Stage)),
		)
		if opts.AbortOnError && outcome.Aborted {
			report.Aborted = true
			r.logger.Warn("aborting batch", zap.Int("jobs_skipped", len(jobs)-i-1))
			break
		}
	}

	r.logger.Info("batch finished",
		zap.Int("executed", len(report.Outcomes)),
		zap.Bool("failed", report.Failed()),
	)
	return report, nil
}
