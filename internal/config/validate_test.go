package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xpr03/backuprs/internal/schedule"
	"go.uber.org/multierr"
)

// validConfig returns a minimal configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		Global: Global{
			ResticBinary:    "restic",
			ScratchDir:      "/var/lib/backuprs",
			DefaultInterval: 1440,
			PollInterval:    time.Minute,
		},
		Jobs: []Job{{
			Name:          "web",
			Paths:         []string{"/srv/www"},
			Repository:    "web",
			RepositoryKey: "key",
			Backend:       Backend{Type: BackendRest},
		}},
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateNoJobs(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = nil
	if err := cfg.Validate(); !errors.Is(err, ErrNoJobs) {
		t.Errorf("want ErrNoJobs, got %v", err)
	}
}

func TestValidateDuplicateJobName(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = append(cfg.Jobs, cfg.Jobs[0])
	if err := cfg.Validate(); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("want ErrDuplicateJob, got %v", err)
	}
}

func TestValidateJobNameWithSeparator(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].Name = "web/prod"
	if err := cfg.Validate(); !errors.Is(err, ErrBadJobName) {
		t.Errorf("want ErrBadJobName, got %v", err)
	}
}

func TestValidateWindowStartEqualsEnd(t *testing.T) {
	cfg := validConfig()
	w := schedule.Window{Start: schedule.TimeOfDay(600), End: schedule.TimeOfDay(600)}
	cfg.Global.Period = &w
	if err := cfg.Validate(); !errors.Is(err, ErrBadWindow) {
		t.Errorf("want ErrBadWindow, got %v", err)
	}
}

func TestValidateMissingRepositoryKey(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].RepositoryKey = ""
	if err := cfg.Validate(); !errors.Is(err, ErrJobIncomplete) {
		t.Errorf("want ErrJobIncomplete, got %v", err)
	}
}

func TestValidateNoPathsNoDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].Paths = nil
	if err := cfg.Validate(); !errors.Is(err, ErrJobIncomplete) {
		t.Errorf("want ErrJobIncomplete, got %v", err)
	}

	// A database-only job is fine: the dump lands in the scratch subfolder
	// which is then backed up.
	cfg.Jobs[0].MySQLDB = "shop"
	if err := cfg.Validate(); err != nil {
		t.Errorf("database-only job rejected: %v", err)
	}
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].Backend.Type = "ftp"
	if err := cfg.Validate(); !errors.Is(err, ErrBadBackend) {
		t.Errorf("want ErrBadBackend, got %v", err)
	}
}

func TestValidateEmptyCommand(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].PostCommand = &Command{Args: []string{"--flag"}}
	if err := cfg.Validate(); !errors.Is(err, ErrBadCommand) {
		t.Errorf("want ErrBadCommand, got %v", err)
	}
}

func TestValidatePostgresWithoutDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].PostgresDB = &Postgres{User: "backup"}
	if err := cfg.Validate(); !errors.Is(err, ErrBadDatabase) {
		t.Errorf("want ErrBadDatabase, got %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs[0].Name = ""
	cfg.Jobs[0].Repository = ""
	cfg.Jobs[0].RepositoryKey = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	if got := len(multierr.Errors(err)); got < 3 {
		t.Errorf("want all 3 problems reported, got %d: %v", got, err)
	}
}

func TestProbesScratchDir(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "restic")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("writing fake binary: %v", err)
	}

	cfg := validConfig()
	cfg.Global.ResticBinary = bin
	cfg.Global.ScratchDir = t.TempDir()
	if err := cfg.CheckEnvironment(); err != nil {
		t.Errorf("healthy environment reported: %v", err)
	}

	cfg.Global.ScratchDir = filepath.Join(t.TempDir(), "missing")
	if err := cfg.CheckEnvironment(); err == nil {
		t.Error("missing scratch dir not reported")
	}
}

func TestProbesDumpBinaryOnlyWhenNeeded(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "restic")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("writing fake binary: %v", err)
	}

	cfg := validConfig()
	cfg.Global.ResticBinary = bin
	cfg.Global.ScratchDir = t.TempDir()
	cfg.Global.MySQLDumpBinary = filepath.Join(t.TempDir(), "missing-mysqldump")

	// No job uses MySQL, so the missing binary must not be probed.
	if err := cfg.CheckEnvironment(); err != nil {
		t.Errorf("unused dump binary probed: %v", err)
	}

	cfg.Jobs[0].MySQLDB = "shop"
	if err := cfg.CheckEnvironment(); err == nil {
		t.Error("missing mysqldump not reported for a job that needs it")
	}
}
