// Package config defines the TOML configuration model: global settings,
// backend connection defaults, and the ordered list of backup job
// definitions. Loading is handled by viper with a BACKUPRS_ environment
// overlay; validation aggregates every problem in one pass so a broken
// config is reported completely instead of error-by-error.
//
// Declaration order of [[job]] tables is preserved; batch runs and the
// daemon iterate jobs in the order they appear in the file.
package config

import (
	"path/filepath"
	"time"

	"github.com/0xpr03/backuprs/internal/schedule"
)

// Backend type discriminators for Backend.Type.
const (
	BackendRest = "rest"
	BackendSFTP = "sftp"
	BackendS3   = "s3"
)

// Config is the root of the configuration file.
type Config struct {
	Global Global `mapstructure:"global"`
	Jobs   []Job  `mapstructure:"job"`
}

// Global holds settings shared by all jobs. Backend sections provide
// defaults that a job's own backend table overrides field by field.
type Global struct {
	// ResticBinary is the path of the restic executable.
	ResticBinary string `mapstructure:"restic_binary"`
	// ScratchDir is the root under which every job gets its persistent
	// scratch subfolder and its per-run temp folders.
	ScratchDir string `mapstructure:"scratch_dir"`
	// DefaultInterval is the fallback time between job runs, in minutes.
	DefaultInterval int `mapstructure:"default_interval"`
	// Period restricts runs to a daily time window. When set it replaces
	// interval checks for every job without its own period.
	Period *schedule.Window `mapstructure:"period"`

	MySQLDumpBinary    string `mapstructure:"mysql_dump_binary"`
	PostgresDumpBinary string `mapstructure:"postgres_dump_binary"`

	// Verbose switches the snapshot tool from quiet to verbose output.
	Verbose bool `mapstructure:"verbose"`
	// Progress enables live progress logging during snapshot uploads.
	Progress bool `mapstructure:"progress"`

	// PollInterval is how often the daemon re-evaluates job eligibility.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Rest *Backend `mapstructure:"rest"`
	SFTP *Backend `mapstructure:"sftp"`
	S3   *Backend `mapstructure:"s3"`

	Vault   *Vault   `mapstructure:"vault"`
	Notify  *Notify  `mapstructure:"notify"`
	Metrics *Metrics `mapstructure:"metrics"`
	Docker  *Docker  `mapstructure:"docker"`
}

// Backend describes where a restic repository lives. Only the fields
// relevant for the chosen Type are consulted:
//
//	rest: Host, User, Password, ServerPubkey (enables https and --cacert)
//	sftp: Host, User, CommandTemplate ({user} and {host} placeholders)
//	s3:   Host, AccessKeyID, SecretAccessKey
//
// Inside [global.rest] / [global.sftp] / [global.s3] the Type field is
// implied by the section name and ignored.
type Backend struct {
	Type            string `mapstructure:"type"`
	Host            string `mapstructure:"host"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	ServerPubkey    string `mapstructure:"server_pubkey"`
	CommandTemplate string `mapstructure:"command_template"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Job is one backup job definition.
type Job struct {
	// Name identifies the job in logs, on the command line, and as the
	// scratch subfolder name. Must be unique and free of path separators.
	Name string `mapstructure:"name"`
	// Paths are the filesystem locations to back up. Paths of the form
	// docker-volume://<name> are resolved to the volume's mountpoint.
	Paths []string `mapstructure:"paths"`
	// Excludes are passed to the snapshot tool as exclude patterns.
	Excludes []string `mapstructure:"excludes"`

	// Repository is the path or bucket component of the repository URL.
	Repository string `mapstructure:"repository"`
	// RepositoryKey is the restic repository password.
	RepositoryKey string `mapstructure:"repository_key"`
	Backend       Backend `mapstructure:"backend"`

	PreCommand  *Command `mapstructure:"pre_command"`
	PostCommand *Command `mapstructure:"post_command"`
	// PostCommandOnFailure runs the post command even when the run has
	// already failed, with BACKUPRS_SUCCESS=false.
	PostCommandOnFailure bool `mapstructure:"post_command_on_failure"`

	// Interval overrides the global default, in minutes.
	Interval *int `mapstructure:"interval"`
	// Period overrides the global backup window.
	Period *schedule.Window `mapstructure:"period"`

	// MySQLDB names a MySQL/MariaDB database to dump before the snapshot.
	// Server credentials come from the dump tool's own option files.
	MySQLDB string `mapstructure:"mysql_db"`
	// PostgresDB describes a PostgreSQL database to dump before the snapshot.
	PostgresDB *Postgres `mapstructure:"postgres_db"`
	// CompressDump zstd-compresses the finished dump file.
	CompressDump bool `mapstructure:"compress_dump"`

	// CommandTimeout bounds each pre/post/dump command. Zero means no
	// timeout: a hung command blocks the run, matching historic behavior.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Command is a user-supplied program invocation. The program is executed
// directly with the given argument vector, never through a shell.
type Command struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Workdir string   `mapstructure:"workdir"`
}

// Postgres describes a PostgreSQL dump target.
type Postgres struct {
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// ChangeUser wraps the dump in `sudo -u postgres` for peer-auth setups.
	// Not supported on Windows.
	ChangeUser bool `mapstructure:"change_user"`
}

// Vault enables resolving `vault:path#field` secret references at startup.
// Either Token or the RoleID/SecretID pair must be set.
type Vault struct {
	Address  string `mapstructure:"address"`
	Token    string `mapstructure:"token"`
	RoleID   string `mapstructure:"role_id"`
	SecretID string `mapstructure:"secret_id"`
}

// Notify configures the outcome webhook. With OnSuccess false only failed
// runs are delivered.
type Notify struct {
	URL       string `mapstructure:"url"`
	Secret    string `mapstructure:"secret"`
	OnSuccess bool   `mapstructure:"on_success"`
}

// Metrics exposes a Prometheus endpoint from the daemon when Listen is set.
type Metrics struct {
	Listen string `mapstructure:"listen"`
}

// Docker overrides how the Docker daemon is reached for docker-volume://
// path resolution. An empty Socket uses the environment default.
type Docker struct {
	Socket string `mapstructure:"socket"`
}

// Policy resolves the job's scheduling settings against the global defaults:
// per-job period wins over the global one, per-job interval over the global
// default interval.
func (j *Job) Policy(g *Global) schedule.Policy {
	p := schedule.Policy{Interval: time.Duration(g.DefaultInterval) * time.Minute}
	if j.Interval != nil {
		p.Interval = time.Duration(*j.Interval) * time.Minute
	}
	switch {
	case j.Period != nil:
		p.Window = j.Period
	case g.Period != nil:
		p.Window = g.Period
	}
	return p
}

// BackendDefaults returns the global default section matching the job's
// backend type, or nil when none is configured.
func (j *Job) BackendDefaults(g *Global) *Backend {
	switch j.Backend.Type {
	case BackendRest:
		return g.Rest
	case BackendSFTP:
		return g.SFTP
	case BackendS3:
		return g.S3
	}
	return nil
}

// HasDatabase reports whether the job dumps at least one database.
func (j *Job) HasDatabase() bool {
	return j.MySQLDB != "" || j.PostgresDB != nil
}

// ScratchDirFor returns the job's persistent scratch subfolder. Dump files
// live here under fixed names so consecutive runs overwrite in place.
func (g *Global) ScratchDirFor(jobName string) string {
	return filepath.Join(g.ScratchDir, jobName)
}

// Job returns the named job, or nil when no such job exists.
func (c *Config) Job(name string) *Job {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i]
		}
	}
	return nil
}

// SecretRefs returns pointers to every configuration field that may hold a
// `vault:` secret reference, so a resolver can rewrite them in place.
func (c *Config) SecretRefs() []*string {
	var refs []*string
	backend := func(b *Backend) {
		if b == nil {
			return
		}
		refs = append(refs, &b.Password, &b.AccessKeyID, &b.SecretAccessKey)
	}
	backend(c.Global.Rest)
	backend(c.Global.SFTP)
	backend(c.Global.S3)
	for i := range c.Jobs {
		j := &c.Jobs[i]
		refs = append(refs, &j.RepositoryKey)
		backend(&j.Backend)
		if j.PostgresDB != nil {
			refs = append(refs, &j.PostgresDB.Password)
		}
	}
	return refs
}
