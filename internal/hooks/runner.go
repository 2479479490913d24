// Package hooks executes the external commands a backup job is configured
// with: pre/post user commands and database dump invocations.
//
// Commands are specified as program + argument vector and are executed
// directly, never through a shell. The child inherits the full parent
// environment; callers add job-specific variables on top (the BACKUPRS_*
// contract for user commands, PGUSER/PGPASSWORD for dumps). stdout and
// stderr are captured combined so they can be attached to the job log.
//
// There is no default timeout. A command that hangs blocks its job run
// until the process is signalled; jobs opt into a bound via their
// command_timeout setting.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// ErrCommandFailed is returned when the process cannot be started or exits
// with a non-zero code. It wraps the underlying error so callers can
// inspect it with errors.As if needed.
var ErrCommandFailed = errors.New("hooks: command failed")

// Command is one external invocation.
type Command struct {
	Program string
	Args    []string
	// Dir is the working directory; empty means the engine's own.
	Dir string
	// Env is injected on top of the inherited environment.
	Env map[string]string
	// Timeout bounds the run when positive. Zero means unbounded.
	Timeout time.Duration
}

// Result holds the outcome of a single command execution.
type Result struct {
	// Output is the combined stdout+stderr, trimmed of surrounding
	// whitespace. Included verbatim in the job log.
	Output string
	// ExitCode is the process exit code. 0 means success; start failures
	// report 1.
	ExitCode int
	// Duration is how long the command ran.
	Duration time.Duration
}

// Runner executes job commands. The zero value is usable.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes the command and returns its result. An empty Program is
// treated as success with no output, so callers can pass through
// unconfigured hooks without a nil check at every site.
//
// If the parent context is cancelled (or the command's own timeout fires)
// the subprocess is killed and the context error is wrapped into the
// returned error. A non-zero exit returns ErrCommandFailed; the Result is
// still populated so the caller can log the output regardless.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Program == "" {
		return &Result{}, nil
	}

	if cmd.Timeout > 0 {
		// Layered on top of any deadline already in ctx; the shorter wins.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergedEnv(cmd.Env)

	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf

	start := time.Now()
	err := c.Run()
	duration := time.Since(start)

	res := &Result{
		Output:   strings.TrimSpace(buf.String()),
		Duration: duration,
	}

	if err != nil {
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		// Context cancellation takes priority in the error message so the
		// caller can tell a timeout from a genuine command failure.
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %w", ErrCommandFailed, ctx.Err())
		}
		return res, fmt.Errorf("%w: %s: %w", ErrCommandFailed, cmd.Program, err)
	}

	return res, nil
}

// mergedEnv builds the child environment: the full parent environment with
// the extra variables appended in sorted order. Appended entries win over
// inherited ones of the same name.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
