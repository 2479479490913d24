// Package dump plans database dump invocations that run before a snapshot.
//
// Dumps are written to fixed file names inside the job's persistent scratch
// subfolder. The path never changes between runs, so consecutive dumps of a
// mostly-unchanged database produce mostly-unchanged files, which lets the
// snapshot layer deduplicate them instead of storing every dump in full.
//
// The package only builds command specifications; executing them is the
// job executor's business, through the same runner user commands use.
package dump

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

// Database kinds.
const (
	MySQL    = "mysql"
	Postgres = "postgres"
)

// Fixed dump file names inside the scratch subfolder.
const (
	MySQLDumpFile    = "db_dump_mysql.sql"
	PostgresDumpFile = "db_dump_postgres.sql"
)

var (
	// ErrUnknownKind is returned for database kinds the planner cannot dump.
	ErrUnknownKind = errors.New("dump: unknown database kind")
	// ErrUnsupported is returned when the requested dump cannot work on
	// this platform (change_user needs sudo).
	ErrUnsupported = errors.New("dump: not supported on this platform")
)

// Target describes one database to dump before the snapshot.
type Target struct {
	Kind     string
	Database string
	// User and Password apply to postgres dumps and travel via
	// PGUSER/PGPASSWORD. MySQL credentials come from the tool's own
	// option files.
	User     string
	Password string
	// ChangeUser wraps the postgres dump in `sudo -u postgres` for
	// peer-authenticated servers.
	ChangeUser bool
}

// Tools holds the resolved dump binary paths.
type Tools struct {
	MySQL    string
	Postgres string
}

// Spec is a planned dump invocation.
type Spec struct {
	Program string
	Args    []string
	// Env is added on top of the inherited environment.
	Env map[string]string
	// OutFile is the fixed path the dump is written to.
	OutFile string
}

// Plan builds the command specification for one dump target. The same
// target and scratch directory always yield the same OutFile.
func Plan(t Target, scratchDir string, tools Tools) (Spec, error) {
	switch t.Kind {
	case MySQL:
		return planMySQL(t, scratchDir, tools), nil
	case Postgres:
		return planPostgres(t, scratchDir, tools)
	default:
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
}

func planMySQL(t Target, scratchDir string, tools Tools) Spec {
	out := filepath.Join(scratchDir, MySQLDumpFile)
	return Spec{
		Program: tools.MySQL,
		Args:    []string{"--databases", t.Database, "--result-file=" + out},
		OutFile: out,
	}
}

func planPostgres(t Target, scratchDir string, tools Tools) (Spec, error) {
	out := filepath.Join(scratchDir, PostgresDumpFile)
	spec := Spec{
		Program: tools.Postgres,
		Args:    []string{"--file=" + out, t.Database},
		OutFile: out,
	}
	if t.User != "" {
		spec.Env = map[string]string{"PGUSER": t.User}
	}
	if t.Password != "" {
		if spec.Env == nil {
			spec.Env = make(map[string]string, 1)
		}
		spec.Env["PGPASSWORD"] = t.Password
	}
	if t.ChangeUser {
		if runtime.GOOS == "windows" {
			return Spec{}, fmt.Errorf("%w: change_user", ErrUnsupported)
		}
		spec.Args = append([]string{"-u", "postgres", spec.Program}, spec.Args...)
		spec.Program = "sudo"
	}
	return spec, nil
}

// Compress zstd-compresses the file at path into path.zst and removes the
// original. Returns the compressed file's path.
func Compress(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dump: open %s: %w", path, err)
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("dump: create %s: %w", outPath, err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", fmt.Errorf("dump: zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return "", fmt.Errorf("dump: compress %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("dump: finish %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("dump: close %s: %w", outPath, err)
	}
	in.Close()

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("dump: remove uncompressed %s: %w", path, err)
	}
	return outPath, nil
}
