// Package restic is the sole component that invokes the restic binary. No
// other package may call it directly; repository access goes through the
// Wrapper so flag handling, environment construction, and output parsing
// live in exactly one place.
//
// Design notes:
//   - Each method maps to one restic command (backup, snapshots, init,
//     version). The binary path comes from configuration; restic is an
//     operator-provided external tool, never bundled.
//   - Backup reads restic's --json stream line by line, forwards status
//     events to an optional ProgressFunc, and returns the parsed summary.
//   - The Wrapper is safe for concurrent use: each method call creates an
//     independent exec.Cmd with its own pipes.
package restic

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrNotInitialized is returned when the repository at the destination
	// has never been initialized. Callers may run Init and retry.
	ErrNotInitialized = errors.New("restic: repository not initialized")
	// ErrNotRestic is returned by Version when the configured binary does
	// not identify itself as restic.
	ErrNotRestic = errors.New("restic: binary does not look like restic")
)

// Destination describes a single repository passed to Wrapper methods.
// It is the output of the backend parameter builder plus the job's
// repository key.
type Destination struct {
	// RepoURL is the full repository URL including any credentials.
	RepoURL string
	// Password is the restic repository password.
	Password string
	// Env holds extra environment variables required by the backend
	// (e.g. AWS_ACCESS_KEY_ID). Added alongside the standard variables.
	Env map[string]string
	// ExtraArgs are backend-specific options (--cacert, -o sftp.command=...)
	// inserted into every invocation against this destination.
	ExtraArgs []string
}

// BackupOptions carries the parameters for one backup invocation.
type BackupOptions struct {
	// Sources are the resolved paths to back up, passed last on the
	// command line.
	Sources []string
	// Excludes are passed as -e flags.
	Excludes []string
	// Verbose switches from quiet to verbose output. Quiet still emits
	// the JSON summary.
	Verbose bool
	// DryRun makes restic simulate the backup without writing to the
	// repository. Implies verbose output.
	DryRun bool
}

// ProgressFunc is called for each status event emitted during a backup.
// Returning an error cancels the operation. It is always called from the
// goroutine reading restic's stdout, so implementations must not block.
type ProgressFunc func(event ProgressEvent) error

// Wrapper executes restic commands. Create instances with NewWrapper.
type Wrapper struct {
	bin string
}

// NewWrapper returns a Wrapper using the given restic binary. The path is
// taken as-is; use Version to verify it actually answers.
func NewWrapper(binary string) *Wrapper {
	return &Wrapper{bin: binary}
}

// Backup runs a restic backup and returns the parsed summary. Status
// events are forwarded to onProgress as they arrive; onProgress may be nil.
//
// A repository that was never initialized is reported as ErrNotInitialized
// so the caller can initialize and retry.
func (w *Wrapper) Backup(ctx context.Context, dest Destination, opts BackupOptions, onProgress ProgressFunc) (*Summary, error) {
	return w.runBackup(ctx, dest, backupArgs(opts), onProgress)
}

// backupArgs assembles the backup command line. Source paths always come
// last; exclude patterns and verbosity flags before them.
func backupArgs(opts BackupOptions) []string {
	args := []string{"backup", "--json"}
	switch {
	case opts.DryRun:
		args = append(args, "--verbose", "--dry-run")
	case opts.Verbose:
		args = append(args, "--verbose")
	default:
		args = append(args, "-q")
	}
	for _, ex := range opts.Excludes {
		args = append(args, "-e", ex)
	}
	return append(args, opts.Sources...)
}

// Snapshots lists the snapshots stored in the repository. With latest > 0
// only the newest latest snapshots per path are returned.
func (w *Wrapper) Snapshots(ctx context.Context, dest Destination, latest int) ([]Snapshot, error) {
	args := []string{"snapshots", "--json", "--no-lock"}
	if latest > 0 {
		args = append(args, "--latest", fmt.Sprintf("%d", latest))
	}

	out, err := w.output(ctx, dest, args)
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(out, &snapshots); err != nil {
		return nil, fmt.Errorf("restic: failed to parse snapshots output: %w", err)
	}
	return snapshots, nil
}

// Init initializes a new repository at the destination.
func (w *Wrapper) Init(ctx context.Context, dest Destination) error {
	return w.run(ctx, dest, []string{"init"})
}

// Version probes the configured binary with `restic version` and returns
// the reported version line. A binary whose output does not start with
// "restic" fails with ErrNotRestic.
func (w *Wrapper) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, w.bin, "version").Output()
	if err != nil {
		return "", fmt.Errorf("restic: version probe failed: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if !strings.HasPrefix(line, "restic") {
		return "", fmt.Errorf("%w: %q", ErrNotRestic, line)
	}
	return line, nil
}

// run executes a restic command and waits for it to finish. stderr is
// captured and included in the error if the command fails.
func (w *Wrapper) run(ctx context.Context, dest Destination, args []string) error {
	cmd := w.buildCmd(ctx, dest, args)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return wrapRunError(err, string(out))
	}
	return nil
}

// output executes a restic command and returns its stdout as raw bytes.
func (w *Wrapper) output(ctx context.Context, dest Destination, args []string) ([]byte, error) {
	cmd := w.buildCmd(ctx, dest, args)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr = string(exitErr.Stderr)
		}
		return nil, wrapRunError(err, stderr)
	}
	return out, nil
}

// runBackup executes a backup command, reading stdout line by line. Each
// line is one JSON message; status events go to onProgress, the summary is
// collected and returned. Non-JSON lines (deprecation warnings and the
// like) are skipped.
func (w *Wrapper) runBackup(ctx context.Context, dest Destination, args []string, onProgress ProgressFunc) (*Summary, error) {
	cmd := w.buildCmd(ctx, dest, args)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("restic: failed to open stdout pipe: %w", err)
	}

	// Collect stderr separately so it can be included in error messages.
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("restic: failed to start: %w", err)
	}

	var summary *Summary
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var probe messageProbe
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}

		switch probe.MessageType {
		case "summary":
			var s Summary
			if err := json.Unmarshal([]byte(line), &s); err == nil {
				summary = &s
			}
		case "status", "verbose_status":
			if onProgress == nil {
				continue
			}
			var event ProgressEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			event.Raw = line
			if err := onProgress(event); err != nil {
				// Caller signalled cancellation, kill the process.
				cmd.Process.Kill()
				cmd.Wait()
				return nil, fmt.Errorf("restic: progress callback cancelled: %w", err)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		return nil, wrapRunError(err, stderrBuf.String())
	}
	return summary, nil
}

// wrapRunError maps a failed invocation to ErrNotInitialized when the
// stderr output says the repository config is missing, and otherwise wraps
// the exit error together with the trimmed stderr.
func wrapRunError(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if isNotInitialized(stderr) {
		return fmt.Errorf("%w: %s", ErrNotInitialized, stderr)
	}
	return fmt.Errorf("restic: command failed: %w\n%s", err, stderr)
}

// isNotInitialized matches the stderr restic prints when opening a
// repository that has no config object yet.
func isNotInitialized(stderr string) bool {
	return strings.Contains(stderr, "unable to open config file") &&
		(strings.Contains(stderr, "Is there a repository at the following location?") ||
			strings.Contains(stderr, "does not exist"))
}

// buildCmd constructs the exec.Cmd for a restic invocation. Backend extra
// args are inserted right after the subcommand so source paths stay last.
// The environment starts from the current process env so PATH, HOME and
// system variables are inherited, then overlays the repository variables
// and the backend-specific ones.
func (w *Wrapper) buildCmd(ctx context.Context, dest Destination, args []string) *exec.Cmd {
	full := make([]string, 0, len(args)+len(dest.ExtraArgs))
	full = append(full, args[0])
	full = append(full, dest.ExtraArgs...)
	full = append(full, args[1:]...)

	cmd := exec.CommandContext(ctx, w.bin, full...)

	env := append(cmd.Environ(),
		"RESTIC_REPOSITORY="+dest.RepoURL,
		"RESTIC_PASSWORD="+dest.Password,
	)
	for k, v := range dest.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	return cmd
}
