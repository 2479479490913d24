package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/0xpr03/backuprs/internal/backend"
	"github.com/0xpr03/backuprs/internal/batch"
	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/docker"
	"github.com/0xpr03/backuprs/internal/doctor"
	"github.com/0xpr03/backuprs/internal/restic"
	"github.com/0xpr03/backuprs/internal/schedule"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
)

// printReport renders one line per finished job after a batch run. The
// details (hook output, progress) are in the log; this is the operator
// summary.
func printReport(report *batch.Report) {
	for _, o := range report.Outcomes {
		switch {
		case o.Failure != nil:
			fmt.Printf("%s %s %s\n",
				errorStyle.Render("FAIL"),
				titleStyle.Render(o.Job),
				dimStyle.Render(fmt.Sprintf("%s: %v", o.Failure.Stage, o.Failure.Err)))
		case o.Summary != nil:
			fmt.Printf("%s %s %s\n",
				successStyle.Render("  ok"),
				titleStyle.Render(o.Job),
				dimStyle.Render(fmt.Sprintf("snapshot %s in %s", o.Summary.SnapshotID, o.Duration.Round(100*time.Millisecond))))
		default:
			// Dry runs produce no snapshot summary.
			fmt.Printf("%s %s %s\n",
				successStyle.Render("  ok"),
				titleStyle.Render(o.Job),
				dimStyle.Render("dry-run in "+o.Duration.Round(100*time.Millisecond).String()))
		}
	}
	if report.Aborted {
		fmt.Println(errorStyle.Render("aborted") + dimStyle.Render(" remaining jobs were skipped"))
	}
}

func newJobsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the configured jobs and where they back up to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for i := range cfg.Jobs {
				printJob(&cfg.Jobs[i], &cfg.Global)
			}
			return nil
		},
	}
}

func printJob(job *config.Job, g *config.Global) {
	fmt.Println(titleStyle.Render(job.Name))

	var repo string
	if params, err := backend.Build(job, g); err != nil {
		repo = err.Error()
	} else {
		repo = params.Redacted
	}
	row("repository", repo)

	if len(job.Paths) > 0 {
		row("paths", strings.Join(job.Paths, ", "))
	}
	if len(job.Excludes) > 0 {
		row("excludes", strings.Join(job.Excludes, ", "))
	}

	policy := job.Policy(g)
	if policy.Window != nil {
		row("schedule", "daily "+policy.Window.String())
	} else {
		row("schedule", "every "+policy.Interval.String())
	}

	switch {
	case job.MySQLDB != "":
		row("database", "mysql "+job.MySQLDB)
	case job.PostgresDB != nil:
		row("database", "postgres "+job.PostgresDB.Database)
	}

	var hooks []string
	if job.PreCommand != nil {
		hooks = append(hooks, "pre")
	}
	if job.PostCommand != nil {
		hooks = append(hooks, "post")
		if job.PostCommandOnFailure {
			hooks = append(hooks, "post-on-failure")
		}
	}
	if len(hooks) > 0 {
		row("commands", strings.Join(hooks, ", "))
	}
	fmt.Println()
}

func row(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(label), value)
}

func newTestCmd(opts *options) *cobra.Command {
	var (
		jobName string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Verify the configuration and access to every repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, opts)
			if err != nil {
				return err
			}
			if err := cfg.CheckEnvironment(); err != nil {
				return err
			}

			wrapper := restic.NewWrapper(cfg.Global.ResticBinary)
			toolVersion, err := wrapper.Version(ctx)
			if err != nil {
				return fmt.Errorf("snapshot tool: %w", err)
			}
			fmt.Println(dimStyle.Render(toolVersion))

			jobs := cfg.Jobs
			if jobName != "" {
				job := cfg.Job(jobName)
				if job == nil {
					return fmt.Errorf("%w: %q", batch.ErrJobNotFound, jobName)
				}
				jobs = []config.Job{*job}
			}

			failures := 0
			for i := range jobs {
				if !testRepository(ctx, wrapper, &jobs[i], &cfg.Global) {
					failures++
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d repositories failed", failures, len(jobs))
			}

			if !dryRun {
				return nil
			}

			// Full rehearsal: every lifecycle stage runs, including pre and
			// post commands and database dumps, but the snapshot tool uploads
			// nothing.
			logger, err := buildLogger(opts.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			exec, cleanup, err := buildEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			runner := batch.NewRunner(cfg, exec, schedule.NewHistory(), logger)
			report, err := runner.Run(ctx, batch.Options{Job: jobName, DryRun: true})
			if err != nil {
				return err
			}
			printReport(report)
			return report.Err()
		},
	}

	cmd.Flags().StringVar(&jobName, "job", "", "Test only the named job")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Also run each job's full lifecycle without uploading any data")
	return cmd
}

// testRepository contacts the job's repository and reports the result on
// stdout. A repository that does not exist yet counts as reachable: the
// first run initializes it.
func testRepository(ctx context.Context, wrapper *restic.Wrapper, job *config.Job, g *config.Global) bool {
	params, err := backend.Build(job, g)
	if err != nil {
		fmt.Printf("%s %s %s\n", errorStyle.Render("FAIL"), titleStyle.Render(job.Name), dimStyle.Render(err.Error()))
		return false
	}
	dest := restic.Destination{
		RepoURL:   params.RepoURL,
		Password:  job.RepositoryKey,
		Env:       params.Env,
		ExtraArgs: params.ExtraArgs,
	}

	snaps, err := wrapper.Snapshots(ctx, dest, 1)
	switch {
	case errors.Is(err, restic.ErrNotInitialized):
		fmt.Printf("%s %s %s\n", successStyle.Render("  ok"), titleStyle.Render(job.Name),
			dimStyle.Render(params.Redacted+" (not initialized yet)"))
		return true
	case err != nil:
		fmt.Printf("%s %s %s\n", errorStyle.Render("FAIL"), titleStyle.Render(job.Name), dimStyle.Render(err.Error()))
		return false
	case len(snaps) == 0:
		fmt.Printf("%s %s %s\n", successStyle.Render("  ok"), titleStyle.Render(job.Name),
			dimStyle.Render(params.Redacted+" (empty repository)"))
		return true
	default:
		fmt.Printf("%s %s %s\n", successStyle.Render("  ok"), titleStyle.Render(job.Name),
			dimStyle.Render(fmt.Sprintf("%s (latest snapshot %s at %s)", params.Redacted, snaps[0].ShortID, snaps[0].Time)))
		return true
	}
}

func newDoctorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run every preflight check and report the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// The doctor reports problems instead of failing on the first
			// one, so unlike the other subcommands it skips loadConfig and
			// leaves validation and secret resolution to the checks.
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			var health doctor.Healther
			if vc, err := vaultClient(cfg); err == nil && vc != nil {
				health = vc
			}

			var dock doctor.Pinger
			if wantsDocker(cfg) {
				socket := ""
				if cfg.Global.Docker != nil {
					socket = cfg.Global.Docker.Socket
				}
				if dc, err := docker.NewClient(socket); err == nil {
					dock = dc
					defer dc.Close() //nolint:errcheck
				}
			}

			checks := doctor.New(cfg, restic.NewWrapper(cfg.Global.ResticBinary), dock, health).Run(ctx)
			for _, c := range checks {
				marker := successStyle.Render("  ok")
				if c.Status != doctor.StatusOK {
					marker = errorStyle.Render("FAIL")
				}
				line := fmt.Sprintf("%s %s", marker, titleStyle.Render(c.Name))
				if c.Detail != "" {
					line += " " + dimStyle.Render(c.Detail)
				}
				fmt.Println(line)
			}
			if doctor.Failed(checks) {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
}
