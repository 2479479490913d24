package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/docker"
	"github.com/0xpr03/backuprs/internal/hooks"
	"github.com/0xpr03/backuprs/internal/restic"
)

// fakeRunner records every command it receives. Programs listed in failures
// report that exit code and an error; onRun, when set, is called before the
// result is produced so tests can observe mid-run state.
type fakeRunner struct {
	calls    []hooks.Command
	failures map[string]int
	onRun    func(cmd hooks.Command)
}

func (f *fakeRunner) Run(_ context.Context, cmd hooks.Command) (*hooks.Result, error) {
	f.calls = append(f.calls, cmd)
	if f.onRun != nil {
		f.onRun(cmd)
	}
	if code, ok := f.failures[cmd.Program]; ok {
		return &hooks.Result{Output: "boom", ExitCode: code},
			fmt.Errorf("%w: %s", hooks.ErrCommandFailed, cmd.Program)
	}
	return &hooks.Result{}, nil
}

// byProgram returns the recorded calls matching the given program.
func (f *fakeRunner) byProgram(program string) []hooks.Command {
	var out []hooks.Command
	for _, c := range f.calls {
		if c.Program == program {
			out = append(out, c)
		}
	}
	return out
}

// fakeSnapshotter records backup invocations. errs is consumed one element
// per Backup call; a nil element means success.
type fakeSnapshotter struct {
	backups []restic.BackupOptions
	dests   []restic.Destination
	errs    []error
	inits   int
	initErr error
	summary *restic.Summary
}

func (f *fakeSnapshotter) Backup(_ context.Context, dest restic.Destination, opts restic.BackupOptions, _ restic.ProgressFunc) (*restic.Summary, error) {
	f.backups = append(f.backups, opts)
	f.dests = append(f.dests, dest)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.summary != nil {
		return f.summary, nil
	}
	return &restic.Summary{SnapshotID: "c0ffee"}, nil
}

func (f *fakeSnapshotter) Init(context.Context, restic.Destination) error {
	f.inits++
	return f.initErr
}

type fakeVolumes struct {
	mounts map[string]string
}

func (f *fakeVolumes) Resolve(_ context.Context, name string) (string, error) {
	m, ok := f.mounts[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", docker.ErrVolumeNotFound, name)
	}
	return m, nil
}

func testGlobal(t *testing.T) *config.Global {
	t.Helper()
	return &config.Global{
		ResticBinary:       "restic",
		ScratchDir:         t.TempDir(),
		MySQLDumpBinary:    "mysqldump",
		PostgresDumpBinary: "pg_dump",
		Rest:               &config.Backend{Host: "backup.example.com", User: "u", Password: "p"},
	}
}

func testJob(name string) *config.Job {
	return &config.Job{
		Name:          name,
		Paths:         []string{"/data"},
		Repository:    "repo1",
		RepositoryKey: "key1",
		Backend:       config.Backend{Type: config.BackendRest},
	}
}

func newTestExecutor(g *config.Global, r Runner, s Snapshotter, v VolumeResolver) *Executor {
	return New(g, r, s, v, zap.NewNop())
}

// tempLeftovers lists per-run temp folders remaining under the scratch root.
func tempLeftovers(t *testing.T, scratchRoot string) []string {
	t.Helper()
	entries, err := os.ReadDir(scratchRoot)
	if err != nil {
		t.Fatalf("reading scratch root: %v", err)
	}
	var left []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "-tmp-") {
			left = append(left, e.Name())
		}
	}
	return left
}

func TestRunSuccess(t *testing.T) {
	g := testGlobal(t)
	runner := &fakeRunner{}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), testJob("job1"), Options{})

	if out.Failed() {
		t.Fatalf("run failed: %v", out.Failure)
	}
	if out.Summary == nil || out.Summary.SnapshotID != "c0ffee" {
		t.Errorf("summary = %+v, want snapshot c0ffee", out.Summary)
	}
	if out.RunID == "" {
		t.Error("run id is empty")
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner called %d times, want 0 (no hooks configured)", len(runner.calls))
	}
	if len(snaps.backups) != 1 {
		t.Fatalf("backup called %d times, want 1", len(snaps.backups))
	}
	if got := snaps.backups[0].Sources; len(got) != 1 || got[0] != "/data" {
		t.Errorf("sources = %v, want [/data]", got)
	}
	if got := snaps.dests[0].RepoURL; got != "rest:http://u:p@backup.example.com/repo1" {
		t.Errorf("repo url = %q", got)
	}
	if got := snaps.dests[0].Password; got != "key1" {
		t.Errorf("repository key = %q, want key1", got)
	}
}

func TestRunRemovesTempFolder(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.PreCommand = &config.Command{Command: "prep"}

	sawTemp := false
	runner := &fakeRunner{}
	runner.onRun = func(cmd hooks.Command) {
		dir := cmd.Env["BACKUPRS_TEMP_FOLDER"]
		if dir == "" {
			t.Fatal("BACKUPRS_TEMP_FOLDER not set")
		}
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			sawTemp = true
		}
	}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)

	e.Run(context.Background(), job, Options{})

	if !sawTemp {
		t.Error("temp folder did not exist while the pre-command ran")
	}
	if left := tempLeftovers(t, g.ScratchDir); len(left) != 0 {
		t.Errorf("temp folders left behind: %v", left)
	}
}

func TestPreCommandEnvironment(t *testing.T) {
	g := testGlobal(t)
	job := testJob("media")
	job.Paths = []string{"/data", "/srv/www"}
	job.Excludes = []string{"*.tmp", "cache/"}
	job.PreCommand = &config.Command{Command: "prep", Args: []string{"--fast"}}

	runner := &fakeRunner{}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)
	e.Run(context.Background(), job, Options{})

	pre := runner.byProgram("prep")
	if len(pre) != 1 {
		t.Fatalf("pre-command ran %d times, want 1", len(pre))
	}
	env := pre[0].Env
	if got := env["BACKUPRS_JOB_NAME"]; got != "media" {
		t.Errorf("BACKUPRS_JOB_NAME = %q", got)
	}
	if got := env["BACKUPRS_TARGETS"]; got != "/data;/srv/www" {
		t.Errorf("BACKUPRS_TARGETS = %q", got)
	}
	if got := env["BACKUPRS_EXCLUDES"]; got != "*.tmp;cache/" {
		t.Errorf("BACKUPRS_EXCLUDES = %q", got)
	}
	if got := env["BACKUPRS_SUCCESS"]; got != "true" {
		t.Errorf("BACKUPRS_SUCCESS = %q, want true for pre-commands", got)
	}
	if env["BACKUPRS_TEMP_FOLDER"] == "" {
		t.Error("BACKUPRS_TEMP_FOLDER not set")
	}
	if got := pre[0].Args; len(got) != 1 || got[0] != "--fast" {
		t.Errorf("args = %v, want [--fast]", got)
	}
}

func TestEmptyListsNotInjected(t *testing.T) {
	g := testGlobal(t)
	job := testJob("dbonly")
	job.Paths = nil
	job.Excludes = nil
	job.MySQLDB = "shop"
	job.PreCommand = &config.Command{Command: "prep"}

	runner := &fakeRunner{}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)
	e.Run(context.Background(), job, Options{})

	env := runner.byProgram("prep")[0].Env
	if _, ok := env["BACKUPRS_TARGETS"]; ok {
		t.Error("BACKUPRS_TARGETS injected for empty paths")
	}
	if _, ok := env["BACKUPRS_EXCLUDES"]; ok {
		t.Error("BACKUPRS_EXCLUDES injected for empty excludes")
	}
}

func TestPreCommandFailureDoesNotAbort(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.PreCommand = &config.Command{Command: "prep"}
	job.MySQLDB = "shop"

	runner := &fakeRunner{failures: map[string]int{"prep": 1}}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	if !out.Failed() || out.Failure.Stage != StagePre {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StagePre)
	}
	if len(runner.byProgram("mysqldump")) != 1 {
		t.Error("dump did not run after pre-command failure")
	}
	if len(snaps.backups) != 1 {
		t.Error("snapshot did not run after pre-command failure")
	}
	if out.Summary == nil {
		t.Error("summary missing even though the snapshot succeeded")
	}
}

func TestFirstFailureWinsAttribution(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.PreCommand = &config.Command{Command: "prep"}

	runner := &fakeRunner{failures: map[string]int{"prep": 1}}
	snaps := &fakeSnapshotter{errs: []error{errors.New("upload failed")}}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StagePre {
		t.Errorf("failure stage = %v, want %s (first failure wins)", out.Failure, StagePre)
	}
}

func TestDumpFailureIsFatal(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.MySQLDB = "shop"
	job.PostCommand = &config.Command{Command: "report"}

	runner := &fakeRunner{failures: map[string]int{"mysqldump": 2}}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StageDump {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageDump)
	}
	if len(snaps.backups) != 0 {
		t.Error("snapshot ran after fatal dump failure")
	}
	if out.PostRan {
		t.Error("post-command ran without post_command_on_failure")
	}
	if left := tempLeftovers(t, g.ScratchDir); len(left) != 0 {
		t.Errorf("temp folders left behind: %v", left)
	}
}

func TestDumpedScratchFolderBackedUp(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.MySQLDB = "shop"

	runner := &fakeRunner{}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, runner, snaps, nil)

	e.Run(context.Background(), job, Options{})

	dumps := runner.byProgram("mysqldump")
	if len(dumps) != 1 {
		t.Fatalf("mysqldump ran %d times, want 1", len(dumps))
	}
	if _, ok := dumps[0].Env["BACKUPRS_JOB_NAME"]; ok {
		t.Error("dump command received the user hook environment")
	}
	want := []string{"/data", g.ScratchDirFor("job1")}
	got := snaps.backups[0].Sources
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sources = %v, want %v", got, want)
	}
}

// TestSnapshotFailure covers the canonical failure run: the snapshot stage
// fails, the post-command is not gated in, and the temp folder is removed.
func TestSnapshotFailure(t *testing.T) {
	g := testGlobal(t)
	job := testJob("Job1")
	job.PostCommand = &config.Command{Command: "report"}

	runner := &fakeRunner{}
	snaps := &fakeSnapshotter{errs: []error{errors.New("connection reset")}}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
	if out.PostRan || len(runner.byProgram("report")) != 0 {
		t.Error("post-command ran despite failure and post_command_on_failure=false")
	}
	if left := tempLeftovers(t, g.ScratchDir); len(left) != 0 {
		t.Errorf("temp folders left behind: %v", left)
	}
}

func TestPostCommandOnFailure(t *testing.T) {
	g := testGlobal(t)
	job := testJob("Job1")
	job.PostCommand = &config.Command{Command: "report"}
	job.PostCommandOnFailure = true

	runner := &fakeRunner{}
	snaps := &fakeSnapshotter{errs: []error{errors.New("connection reset")}}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	post := runner.byProgram("report")
	if len(post) != 1 {
		t.Fatalf("post-command ran %d times, want 1", len(post))
	}
	if got := post[0].Env["BACKUPRS_SUCCESS"]; got != "false" {
		t.Errorf("BACKUPRS_SUCCESS = %q, want false", got)
	}
	if !out.PostRan {
		t.Error("outcome does not record the post-command run")
	}
	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Errorf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
}

func TestPostCommandSuccessEnvironment(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.PostCommand = &config.Command{Command: "report"}

	runner := &fakeRunner{}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)
	out := e.Run(context.Background(), job, Options{})

	post := runner.byProgram("report")
	if len(post) != 1 {
		t.Fatalf("post-command ran %d times, want 1", len(post))
	}
	if got := post[0].Env["BACKUPRS_SUCCESS"]; got != "true" {
		t.Errorf("BACKUPRS_SUCCESS = %q, want true", got)
	}
	if out.Failed() {
		t.Errorf("run failed: %v", out.Failure)
	}
}

func TestPostCommandFailureDoesNotReclassify(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.PostCommand = &config.Command{Command: "report"}

	runner := &fakeRunner{failures: map[string]int{"report": 3}}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)

	out := e.Run(context.Background(), job, Options{})

	if out.Failed() {
		t.Errorf("post-command exit reclassified the run: %v", out.Failure)
	}
	if !out.PostRan || out.PostExit != 3 {
		t.Errorf("post ran=%v exit=%d, want ran with exit 3", out.PostRan, out.PostExit)
	}
}

func TestNotInitializedTriggersInitAndRetry(t *testing.T) {
	g := testGlobal(t)
	snaps := &fakeSnapshotter{
		errs: []error{fmt.Errorf("%w: unable to open config file", restic.ErrNotInitialized), nil},
	}
	e := newTestExecutor(g, &fakeRunner{}, snaps, nil)

	out := e.Run(context.Background(), testJob("job1"), Options{})

	if out.Failed() {
		t.Fatalf("run failed: %v", out.Failure)
	}
	if snaps.inits != 1 {
		t.Errorf("init called %d times, want 1", snaps.inits)
	}
	if len(snaps.backups) != 2 {
		t.Errorf("backup called %d times, want 2 (original + retry)", len(snaps.backups))
	}
}

func TestInitFailureIsSnapshotFailure(t *testing.T) {
	g := testGlobal(t)
	snaps := &fakeSnapshotter{
		errs:    []error{fmt.Errorf("%w: unable to open config file", restic.ErrNotInitialized)},
		initErr: errors.New("permission denied"),
	}
	e := newTestExecutor(g, &fakeRunner{}, snaps, nil)

	out := e.Run(context.Background(), testJob("job1"), Options{})

	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
	if len(snaps.backups) != 1 {
		t.Errorf("backup called %d times, want 1 (no retry after failed init)", len(snaps.backups))
	}
}

func TestDockerVolumeResolution(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.Paths = []string{"docker-volume://pgdata", "/etc"}

	volumes := &fakeVolumes{mounts: map[string]string{
		"pgdata": "/var/lib/docker/volumes/pgdata/_data",
	}}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, &fakeRunner{}, snaps, volumes)

	out := e.Run(context.Background(), job, Options{})

	if out.Failed() {
		t.Fatalf("run failed: %v", out.Failure)
	}
	want := []string{"/var/lib/docker/volumes/pgdata/_data", "/etc"}
	got := snaps.backups[0].Sources
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sources = %v, want %v", got, want)
	}
}

func TestUnknownVolumeFailsSnapshotStage(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.Paths = []string{"docker-volume://missing"}

	e := newTestExecutor(g, &fakeRunner{}, &fakeSnapshotter{}, &fakeVolumes{})
	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
	if !errors.Is(out.Failure.Err, docker.ErrVolumeNotFound) {
		t.Errorf("err = %v, want ErrVolumeNotFound", out.Failure.Err)
	}
}

func TestVolumePathWithoutDockerClient(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.Paths = []string{"docker-volume://pgdata"}

	e := newTestExecutor(g, &fakeRunner{}, &fakeSnapshotter{}, nil)
	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
}

func TestDryRunPassedThrough(t *testing.T) {
	g := testGlobal(t)
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, &fakeRunner{}, snaps, nil)

	e.Run(context.Background(), testJob("job1"), Options{DryRun: true})

	if !snaps.backups[0].DryRun {
		t.Error("dry run flag not forwarded to the snapshot tool")
	}
}

func TestScratchFailureAbortsBeforeCommands(t *testing.T) {
	g := testGlobal(t)
	// Turn the scratch root into a file so folder creation must fail.
	g.ScratchDir = filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(g.ScratchDir, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	job := testJob("job1")
	job.PreCommand = &config.Command{Command: "prep"}
	job.PostCommand = &config.Command{Command: "report"}
	job.PostCommandOnFailure = true

	runner := &fakeRunner{}
	snaps := &fakeSnapshotter{}
	e := newTestExecutor(g, runner, snaps, nil)

	out := e.Run(context.Background(), job, Options{})

	if out.Failure == nil || out.Failure.Stage != StageScratch {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageScratch)
	}
	if len(runner.calls) != 0 {
		t.Errorf("commands ran despite scratch failure: %v", runner.calls)
	}
	if len(snaps.backups) != 0 {
		t.Error("snapshot ran despite scratch failure")
	}
}

func TestCommandTimeoutForwarded(t *testing.T) {
	g := testGlobal(t)
	job := testJob("job1")
	job.CommandTimeout = 90 * time.Second
	job.PreCommand = &config.Command{Command: "prep"}
	job.MySQLDB = "shop"

	runner := &fakeRunner{}
	e := newTestExecutor(g, runner, &fakeSnapshotter{}, nil)
	e.Run(context.Background(), job, Options{})

	for _, c := range runner.calls {
		if c.Timeout != job.CommandTimeout {
			t.Errorf("command %s timeout = %v, want %v", c.Program, c.Timeout, job.CommandTimeout)
		}
	}
}

func TestBackendBuildFailureIsSnapshotFailure(t *testing.T) {
	g := testGlobal(t)
	g.Rest = nil // no defaults, job carries no host either

	e := newTestExecutor(g, &fakeRunner{}, &fakeSnapshotter{}, nil)
	out := e.Run(context.Background(), testJob("job1"), Options{})

	if out.Failure == nil || out.Failure.Stage != StageSnapshot {
		t.Fatalf("failure = %v, want stage %s", out.Failure, StageSnapshot)
	}
}
