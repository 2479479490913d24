// Package executor runs the full lifecycle of one backup job: folder setup,
// the pre-command, database dumps, the snapshot invocation, the
// post-command, and temp folder removal.
//
// The lifecycle is strictly ordered and the failure rules differ per stage:
//
//   - Folder setup failing aborts the run before any command executes.
//   - A failing pre-command marks the run failed but does not stop it;
//     dumps and the snapshot still execute against the configured targets.
//   - A failing dump or snapshot stops the run; only the post-command gate
//     and cleanup remain.
//   - The post-command runs when the run has succeeded so far, or in any
//     case when post_command_on_failure is set. Its exit code is recorded
//     in the outcome but never changes the run's classification.
//   - The per-run temp folder is removed on every return path.
//
// The first failure wins the outcome's stage attribution; later failures in
// the same run are logged only.
//
// Interfaces:
//   - Runner: implemented by the hooks runner, executes user commands and
//     dump invocations.
//   - Snapshotter: implemented by the restic wrapper, drives the external
//     snapshot tool.
//   - VolumeResolver: implemented by the docker client, maps
//     docker-volume:// paths to host mountpoints.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/backend"
	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/docker"
	"github.com/0xpr03/backuprs/internal/dump"
	"github.com/0xpr03/backuprs/internal/hooks"
	"github.com/0xpr03/backuprs/internal/restic"
)

// Stage identifies the lifecycle step a failure is attributed to.
type Stage string

// Lifecycle stages in execution order.
const (
	StageScratch  Stage = "scratch"
	StagePre      Stage = "pre_command"
	StageDump     Stage = "database_dump"
	StageSnapshot Stage = "snapshot"
	StagePost     Stage = "post_command"
)

// StageFailure attributes an error to the lifecycle stage it happened in,
// so operators can tell a failing script from a failing dump from a failing
// snapshot tool.
type StageFailure struct {
	Stage Stage
	Err   error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Stage, f.Err)
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

// Outcome is the result of one job run.
type Outcome struct {
	Job      string
	RunID    string
	Start    time.Time
	Duration time.Duration

	// Failure is the first failure recorded during the run. nil classifies
	// the run as successful.
	Failure *StageFailure
	// Aborted is true when a fatal failure stopped the lifecycle before the
	// snapshot completed; the post-command gate and cleanup still ran. A run
	// that only recorded a pre-command failure is failed but not aborted.
	Aborted bool

	// PostRan and PostExit describe the post-command. A non-zero PostExit
	// is recorded here and in the log, nothing more.
	PostRan  bool
	PostExit int

	// Summary is the snapshot tool's report. nil when the snapshot stage
	// did not complete or produced no summary.
	Summary *restic.Summary
}

// Failed reports whether the run is classified as failed.
func (o *Outcome) Failed() bool {
	return o.Failure != nil
}

// Runner executes external commands: user hooks and database dump
// invocations. Implemented by the hooks runner.
type Runner interface {
	Run(ctx context.Context, cmd hooks.Command) (*hooks.Result, error)
}

// Snapshotter drives the external snapshot tool. Implemented by the restic
// wrapper.
type Snapshotter interface {
	Backup(ctx context.Context, dest restic.Destination, opts restic.BackupOptions, onProgress restic.ProgressFunc) (*restic.Summary, error)
	Init(ctx context.Context, dest restic.Destination) error
}

// VolumeResolver maps Docker volume names to host mountpoints. Implemented
// by the docker client.
type VolumeResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Options modify a single run.
type Options struct {
	// DryRun makes the snapshot stage simulate without writing to the
	// repository. Pre/post commands and dumps still execute for real.
	DryRun bool
}

// Executor runs backup jobs. Per-run state lives in the Outcome and local
// variables, so one Executor is shared by the daemon and the batch runner.
type Executor struct {
	global  *config.Global
	runner  Runner
	snaps   Snapshotter
	volumes VolumeResolver
	logger  *zap.Logger
}

// New creates an Executor. volumes may be nil when Docker support is not
// configured; jobs referencing docker-volume:// paths then fail at the
// snapshot stage.
func New(global *config.Global, runner Runner, snaps Snapshotter, volumes VolumeResolver, logger *zap.Logger) *Executor {
	return &Executor{
		global:  global,
		runner:  runner,
		snaps:   snaps,
		volumes: volumes,
		logger:  logger.Named("executor"),
	}
}

// Run executes one job to completion and returns its outcome. It never
// returns an error itself: every failure is captured in the outcome with
// its stage attribution.
//
// Execution sequence:
//  1. Create the scratch subfolder and a fresh temp folder
//  2. Run the pre-command (failure recorded, run continues)
//  3. Run database dumps (failure is fatal)
//  4. Resolve sources and invoke the snapshot tool (failure is fatal)
//  5. Run the post-command if the gate allows it
//  6. Remove the temp folder (deferred, every return path)
func (e *Executor) Run(ctx context.Context, job *config.Job, opts Options) *Outcome {
	out := &Outcome{Job: job.Name, RunID: uuid.NewString(), Start: time.Now()}
	defer func() { out.Duration = time.Since(out.Start) }()

	log := e.logger.With(zap.String("job", job.Name), zap.String("run", out.RunID))

	fail := func(stage Stage, err error) {
		if out.Failure == nil {
			out.Failure = &StageFailure{Stage: stage, Err: err}
			log.Error("stage failed", zap.String("stage", string(stage)), zap.Error(err))
			return
		}
		// First failure wins the attribution, later ones are logged only.
		log.Error("additional stage failure", zap.String("stage", string(stage)), zap.Error(err))
	}

	log.Info("run started", zap.Bool("dry_run", opts.DryRun))

	// --- 1. Scratch and temp folders ---
	tempDir, err := e.prepareFolders(job)
	if err != nil {
		// Nothing has run and nothing was created that needs cleanup.
		fail(StageScratch, err)
		out.Aborted = true
		return out
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Error("removing temp folder failed", zap.String("path", tempDir), zap.Error(err))
		}
	}()

	// --- 2. Pre-command ---
	if job.PreCommand != nil {
		log.Info("running pre-command", zap.String("program", job.PreCommand.Command))
		res, err := e.runHook(ctx, job, job.PreCommand, tempDir, true)
		logHookOutput(log, "pre-command", res)
		if err != nil {
			fail(StagePre, fmt.Errorf("pre-command: %w", err))
		}
	}

	// --- 3. Database dumps ---
	fatal := false
	dumped := false
	if job.HasDatabase() {
		if err := e.runDumps(ctx, job, log); err != nil {
			fail(StageDump, err)
			fatal = true
			out.Aborted = true
		} else {
			dumped = true
		}
	}

	// --- 4. Snapshot ---
	if !fatal {
		summary, err := e.snapshot(ctx, job, dumped, opts, log)
		if err != nil {
			fail(StageSnapshot, err)
			out.Aborted = true
		} else {
			out.Summary = summary
			if summary != nil {
				log.Info("snapshot finished",
					zap.String("summary", summary.String()),
					zap.String("snapshot_id", summary.SnapshotID),
				)
			}
		}
	}

	// --- 5. Post-command ---
	// Gated on the outcome so far. BACKUPRS_SUCCESS tells the command how
	// the run went; its exit code is recorded but never reclassifies the run.
	if job.PostCommand != nil {
		succeededSoFar := out.Failure == nil
		if succeededSoFar || job.PostCommandOnFailure {
			log.Info("running post-command",
				zap.String("program", job.PostCommand.Command),
				zap.Bool("success_so_far", succeededSoFar),
			)
			res, err := e.runHook(ctx, job, job.PostCommand, tempDir, succeededSoFar)
			logHookOutput(log, "post-command", res)
			out.PostRan = true
			out.PostExit = res.ExitCode
			if err != nil {
				log.Error("post-command failed", zap.Int("exit_code", res.ExitCode), zap.Error(err))
			}
		}
	}

	// --- 6. Cleanup runs via the deferred removal above ---
	if out.Failure == nil {
		log.Info("run succeeded")
	} else {
		log.Warn("run failed", zap.String("stage", string(out.Failure.Stage)))
	}
	return out
}

// prepareFolders creates the job's persistent scratch subfolder and a fresh
// per-run temp folder. The temp folder lives directly under the scratch
// root, not inside the job subfolder, so backing up the subfolder after a
// dump never drags temp contents into the snapshot.
func (e *Executor) prepareFolders(job *config.Job) (string, error) {
	if err := os.MkdirAll(e.global.ScratchDirFor(job.Name), 0o700); err != nil {
		return "", fmt.Errorf("creating scratch subfolder: %w", err)
	}
	tempDir, err := os.MkdirTemp(e.global.ScratchDir, job.Name+"-tmp-")
	if err != nil {
		return "", fmt.Errorf("creating temp folder: %w", err)
	}
	return tempDir, nil
}

// runHook executes a configured user command with the job environment.
func (e *Executor) runHook(ctx context.Context, job *config.Job, c *config.Command, tempDir string, success bool) (*hooks.Result, error) {
	return e.runner.Run(ctx, hooks.Command{
		Program: c.Command,
		Args:    c.Args,
		Dir:     c.Workdir,
		Env:     jobEnv(job, tempDir, success),
		Timeout: job.CommandTimeout,
	})
}

// runDumps executes every configured database dump. Dump files land at
// fixed paths inside the persistent scratch subfolder so consecutive runs
// overwrite in place and stay byte-similar for deduplication.
func (e *Executor) runDumps(ctx context.Context, job *config.Job, log *zap.Logger) error {
	scratch := e.global.ScratchDirFor(job.Name)
	tools := dump.Tools{MySQL: e.global.MySQLDumpBinary, Postgres: e.global.PostgresDumpBinary}

	var targets []dump.Target
	if job.MySQLDB != "" {
		targets = append(targets, dump.Target{Kind: dump.MySQL, Database: job.MySQLDB})
	}
	if pg := job.PostgresDB; pg != nil {
		targets = append(targets, dump.Target{
			Kind:       dump.Postgres,
			Database:   pg.Database,
			User:       pg.User,
			Password:   pg.Password,
			ChangeUser: pg.ChangeUser,
		})
	}

	for _, t := range targets {
		spec, err := dump.Plan(t, scratch, tools)
		if err != nil {
			return err
		}
		log.Info("dumping database",
			zap.String("kind", t.Kind),
			zap.String("database", t.Database),
			zap.String("file", spec.OutFile),
		)
		// Dumps go through the same runner as user commands but without the
		// BACKUPRS_* environment; they only get the planner's variables.
		res, err := e.runner.Run(ctx, hooks.Command{
			Program: spec.Program,
			Args:    spec.Args,
			Env:     spec.Env,
			Timeout: job.CommandTimeout,
		})
		if err != nil {
			logHookOutput(log, t.Kind+" dump", res)
			return fmt.Errorf("%s dump of %q: %w", t.Kind, t.Database, err)
		}
		if job.CompressDump {
			compressed, err := dump.Compress(spec.OutFile)
			if err != nil {
				return err
			}
			log.Info("dump compressed", zap.String("file", compressed))
		}
	}
	return nil
}

// snapshot resolves the backup sources and drives the snapshot tool. A
// repository that was never initialized is initialized once and the backup
// retried.
func (e *Executor) snapshot(ctx context.Context, job *config.Job, dumped bool, opts Options, log *zap.Logger) (*restic.Summary, error) {
	params, err := backend.Build(job, e.global)
	if err != nil {
		return nil, err
	}

	sources, err := e.resolveSources(ctx, job.Paths, log)
	if err != nil {
		return nil, err
	}
	if dumped {
		// The dump files live in the scratch subfolder; back it up alongside
		// the job's own paths.
		sources = append(sources, e.global.ScratchDirFor(job.Name))
	}

	dest := restic.Destination{
		RepoURL:   params.RepoURL,
		Password:  job.RepositoryKey,
		Env:       params.Env,
		ExtraArgs: params.ExtraArgs,
	}
	backupOpts := restic.BackupOptions{
		Sources:  sources,
		Excludes: job.Excludes,
		Verbose:  e.global.Verbose,
		DryRun:   opts.DryRun,
	}

	var onProgress restic.ProgressFunc
	if e.global.Progress {
		lastPercent := -1
		onProgress = func(ev restic.ProgressEvent) error {
			percent := int(ev.PercentDone * 100)
			if percent == lastPercent {
				return nil
			}
			lastPercent = percent
			log.Info("snapshot progress",
				zap.Int("percent", percent),
				zap.Uint64("files_done", ev.FilesDone),
			)
			return nil
		}
	}

	log.Info("starting snapshot",
		zap.String("repository", params.Redacted),
		zap.Strings("sources", sources),
	)
	summary, err := e.snaps.Backup(ctx, dest, backupOpts, onProgress)
	if errors.Is(err, restic.ErrNotInitialized) {
		log.Info("repository not initialized, initializing", zap.String("repository", params.Redacted))
		if initErr := e.snaps.Init(ctx, dest); initErr != nil {
			return nil, fmt.Errorf("initializing repository: %w", initErr)
		}
		summary, err = e.snaps.Backup(ctx, dest, backupOpts, onProgress)
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// resolveSources maps configured paths to filesystem paths, replacing
// docker-volume:// references with the volume's host mountpoint.
func (e *Executor) resolveSources(ctx context.Context, paths []string, log *zap.Logger) ([]string, error) {
	resolved := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		name, ok := docker.ParseSource(p)
		if !ok {
			resolved = append(resolved, p)
			continue
		}
		if e.volumes == nil {
			return nil, fmt.Errorf("path %q needs Docker, but no Docker client is configured", p)
		}
		mountpoint, err := e.volumes.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		log.Info("resolved docker volume", zap.String("volume", name), zap.String("mountpoint", mountpoint))
		resolved = append(resolved, mountpoint)
	}
	return resolved, nil
}

// jobEnv builds the BACKUPRS_* variables injected into pre and post
// commands. Empty list fields are left out entirely instead of being set to
// empty strings.
func jobEnv(job *config.Job, tempDir string, success bool) map[string]string {
	env := map[string]string{
		"BACKUPRS_JOB_NAME":    job.Name,
		"BACKUPRS_TEMP_FOLDER": tempDir,
		"BACKUPRS_SUCCESS":     strconv.FormatBool(success),
	}
	if len(job.Paths) > 0 {
		env["BACKUPRS_TARGETS"] = strings.Join(job.Paths, ";")
	}
	if len(job.Excludes) > 0 {
		env["BACKUPRS_EXCLUDES"] = strings.Join(job.Excludes, ";")
	}
	return env
}

// logHookOutput attaches captured command output to the job log.
func logHookOutput(log *zap.Logger, name string, res *hooks.Result) {
	if res == nil || res.Output == "" {
		return
	}
	log.Info(name+" output", zap.String("output", res.Output))
}
