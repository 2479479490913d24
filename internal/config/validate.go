package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrNoJobs is returned when the configuration defines no jobs at all.
	ErrNoJobs = errors.New("config: no jobs defined")
	// ErrDuplicateJob is returned when two jobs share a name.
	ErrDuplicateJob = errors.New("config: duplicate job name")
	// ErrBadJobName is returned for empty names or names that cannot be
	// used as a directory name under the scratch root.
	ErrBadJobName = errors.New("config: invalid job name")
	// ErrJobIncomplete is returned when a job misses required fields.
	ErrJobIncomplete = errors.New("config: incomplete job")
	// ErrBadWindow is returned for a backup window whose start equals its
	// end; the intent (always or never) is ambiguous, so it is rejected.
	ErrBadWindow = errors.New("config: backup window start equals end")
	// ErrBadCommand is returned for a pre/post command with no program.
	ErrBadCommand = errors.New("config: command has no program")
	// ErrBadDatabase is returned for an unusable database dump target.
	ErrBadDatabase = errors.New("config: invalid database target")
	// ErrBadBackend is returned for an unknown backend type.
	ErrBadBackend = errors.New("config: unknown backend type")
	// ErrBadGlobal is returned for invalid global settings.
	ErrBadGlobal = errors.New("config: invalid global settings")
)

// Validate checks the configuration for static consistency. Every problem
// found is reported; the result aggregates them with multierr so callers
// can print the complete list. Environment-dependent checks (binaries on
// disk, scratch writability) live in Probes.
func (c *Config) Validate() error {
	var errs error
	add := func(err error) { errs = multierr.Append(errs, err) }

	if c.Global.ScratchDir == "" {
		add(fmt.Errorf("%w: scratch_dir is required", ErrBadGlobal))
	}
	if c.Global.DefaultInterval <= 0 {
		add(fmt.Errorf("%w: default_interval must be positive", ErrBadGlobal))
	}
	if c.Global.PollInterval <= 0 {
		add(fmt.Errorf("%w: poll_interval must be positive", ErrBadGlobal))
	}
	if w := c.Global.Period; w != nil && w.Start == w.End {
		add(fmt.Errorf("%w: global period %s", ErrBadWindow, w))
	}
	if v := c.Global.Vault; v != nil {
		if v.Address == "" {
			add(fmt.Errorf("%w: vault address is required", ErrBadGlobal))
		}
		if v.Token == "" && (v.RoleID == "" || v.SecretID == "") {
			add(fmt.Errorf("%w: vault needs a token or a role_id/secret_id pair", ErrBadGlobal))
		}
	}
	if n := c.Global.Notify; n != nil && n.URL == "" {
		add(fmt.Errorf("%w: notify url is required", ErrBadGlobal))
	}

	if len(c.Jobs) == 0 {
		add(ErrNoJobs)
		return errs
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		j := &c.Jobs[i]
		name := j.Name

		if !validJobName(name) {
			add(fmt.Errorf("%w: %q", ErrBadJobName, name))
		}
		if _, dup := seen[name]; dup {
			add(fmt.Errorf("%w: %q", ErrDuplicateJob, name))
		}
		seen[name] = struct{}{}

		if len(j.Paths) == 0 && !j.HasDatabase() {
			add(fmt.Errorf("%w: %q has neither paths nor a database", ErrJobIncomplete, name))
		}
		if j.Repository == "" {
			add(fmt.Errorf("%w: %q has no repository", ErrJobIncomplete, name))
		}
		if j.RepositoryKey == "" {
			add(fmt.Errorf("%w: %q has no repository_key", ErrJobIncomplete, name))
		}
		switch j.Backend.Type {
		case BackendRest, BackendSFTP, BackendS3:
		default:
			add(fmt.Errorf("%w: job %q: %q", ErrBadBackend, name, j.Backend.Type))
		}
		if j.Interval != nil && *j.Interval <= 0 {
			add(fmt.Errorf("%w: %q interval must be positive", ErrJobIncomplete, name))
		}
		if w := j.Period; w != nil && w.Start == w.End {
			add(fmt.Errorf("%w: job %q period %s", ErrBadWindow, name, w))
		}
		if j.CommandTimeout < 0 {
			add(fmt.Errorf("%w: %q command_timeout must not be negative", ErrJobIncomplete, name))
		}
		for _, cmd := range []*Command{j.PreCommand, j.PostCommand} {
			if cmd != nil && cmd.Command == "" {
				add(fmt.Errorf("%w: job %q", ErrBadCommand, name))
			}
		}
		if pg := j.PostgresDB; pg != nil {
			if pg.Database == "" {
				add(fmt.Errorf("%w: job %q: postgres database is required", ErrBadDatabase, name))
			}
			if pg.ChangeUser && runtime.GOOS == "windows" {
				add(fmt.Errorf("%w: job %q: change_user is not supported on windows", ErrBadDatabase, name))
			}
		}
	}
	return errs
}

// validJobName reports whether name is usable as a scratch subfolder name.
func validJobName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Probe is one environment check with its outcome.
type Probe struct {
	Name string
	Err  error
}

// Probes runs the environment checks the engine depends on: the restic
// binary answers, the scratch root is a writable directory, dump tools are
// present when a job needs them, and configured rest server pubkeys are
// readable. Returned in a fixed order for stable output.
func (c *Config) Probes() []Probe {
	g := &c.Global
	probes := []Probe{
		{Name: "restic binary", Err: probeBinary(g.ResticBinary)},
		{Name: "scratch directory", Err: probeScratch(g.ScratchDir)},
	}

	var needsMySQL, needsPostgres bool
	for i := range c.Jobs {
		if c.Jobs[i].MySQLDB != "" {
			needsMySQL = true
		}
		if c.Jobs[i].PostgresDB != nil {
			needsPostgres = true
		}
	}
	if needsMySQL {
		probes = append(probes, Probe{Name: "mysqldump binary", Err: probeBinary(g.MySQLDumpBinary)})
	}
	if needsPostgres {
		probes = append(probes, Probe{Name: "pg_dump binary", Err: probeBinary(g.PostgresDumpBinary)})
	}

	pubkeys := make(map[string]struct{})
	if g.Rest != nil && g.Rest.ServerPubkey != "" {
		pubkeys[g.Rest.ServerPubkey] = struct{}{}
	}
	for i := range c.Jobs {
		if pk := c.Jobs[i].Backend.ServerPubkey; pk != "" {
			pubkeys[pk] = struct{}{}
		}
	}
	for pk := range pubkeys {
		probes = append(probes, Probe{Name: "rest server pubkey " + pk, Err: probeReadable(pk)})
	}
	return probes
}

// CheckEnvironment aggregates all failing probes into one error, or nil
// when the environment looks usable.
func (c *Config) CheckEnvironment() error {
	var errs error
	for _, p := range c.Probes() {
		if p.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name, p.Err))
		}
	}
	return errs
}

// probeBinary accepts either a bare name resolved via PATH or an explicit
// path to a regular file.
func probeBinary(path string) error {
	if path == "" {
		return errors.New("not configured")
	}
	if !strings.ContainsRune(path, os.PathSeparator) {
		_, err := exec.LookPath(path)
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

// probeScratch verifies the scratch root exists, is a directory, and can
// be written to by creating and removing a throwaway subdirectory.
func probeScratch(dir string) error {
	if dir == "" {
		return errors.New("not configured")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.MkdirTemp(dir, ".write-probe-")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return os.Remove(probe)
}

func probeReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
