// Package doctor runs the full preflight for a configuration: static
// validation, local environment probes, repository parameters for every job,
// and reachability of the optional collaborators (snapshot tool, Docker
// daemon, Vault server).
//
// The result is a flat list of checks so callers can render them however
// they like; nothing in here prints or logs.
package doctor

import (
	"context"
	"strings"

	"github.com/0xpr03/backuprs/internal/backend"
	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/docker"
)

// Status classifies a single check result.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// Check is one preflight result. Detail carries the version string or the
// redacted repository URL on success and the error text on failure.
type Check struct {
	Name   string
	Status Status
	Detail string
}

// VersionProber reports the snapshot tool version, proving the binary runs.
// Implemented by restic.Wrapper.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// Pinger probes the Docker daemon. Implemented by docker.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healther probes the secret store. Implemented by vault.Client.
type Healther interface {
	Health(ctx context.Context) error
}

// Doctor bundles a configuration with the live collaborators to probe.
// Docker and vault may be nil; their checks then fail only when the
// configuration actually requires them.
type Doctor struct {
	cfg    *config.Config
	tool   VersionProber
	docker Pinger
	vault  Healther
}

func New(cfg *config.Config, tool VersionProber, dock Pinger, vault Healther) *Doctor {
	return &Doctor{cfg: cfg, tool: tool, docker: dock, vault: vault}
}

// Run executes every check and returns them in a fixed order: configuration,
// environment probes, snapshot tool, one repository check per job, then the
// conditional Docker and Vault probes.
func (d *Doctor) Run(ctx context.Context) []Check {
	var checks []Check

	checks = append(checks, fromErr("configuration", d.cfg.Validate(), "valid"))

	for _, p := range d.cfg.Probes() {
		checks = append(checks, fromErr(p.Name, p.Err, ""))
	}

	checks = append(checks, d.toolCheck(ctx))

	for i := range d.cfg.Jobs {
		job := &d.cfg.Jobs[i]
		params, err := backend.Build(job, &d.cfg.Global)
		checks = append(checks, fromErr("repository "+job.Name, err, params.Redacted))
	}

	if needed, check := d.dockerCheck(ctx); needed {
		checks = append(checks, check)
	}
	if d.cfg.Global.Vault != nil {
		checks = append(checks, d.vaultCheck(ctx))
	}
	return checks
}

// Failed reports whether any check did not pass.
func Failed(checks []Check) bool {
	for _, c := range checks {
		if c.Status != StatusOK {
			return true
		}
	}
	return false
}

func (d *Doctor) toolCheck(ctx context.Context) Check {
	if d.tool == nil {
		return Check{Name: "snapshot tool", Status: StatusFail, Detail: "no wrapper configured"}
	}
	version, err := d.tool.Version(ctx)
	return fromErr("snapshot tool", err, version)
}

// dockerCheck only applies when some job mounts a docker-volume:// source.
// With no such job the daemon is irrelevant and the check is omitted.
func (d *Doctor) dockerCheck(ctx context.Context) (bool, Check) {
	if !d.needsDocker() {
		return false, Check{}
	}
	if d.docker == nil {
		return true, Check{Name: "docker daemon", Status: StatusFail, Detail: "docker-volume:// paths configured but no client available"}
	}
	return true, fromErr("docker daemon", d.docker.Ping(ctx), "reachable")
}

func (d *Doctor) vaultCheck(ctx context.Context) Check {
	if d.vault == nil {
		return Check{Name: "vault server", Status: StatusFail, Detail: "vault configured but no client available"}
	}
	return fromErr("vault server", d.vault.Health(ctx), "reachable")
}

func (d *Doctor) needsDocker() bool {
	for i := range d.cfg.Jobs {
		for _, path := range d.cfg.Jobs[i].Paths {
			if _, ok := docker.ParseSource(path); ok {
				return true
			}
		}
	}
	return false
}

func fromErr(name string, err error, okDetail string) Check {
	if err != nil {
		return Check{Name: name, Status: StatusFail, Detail: errText(err)}
	}
	return Check{Name: name, Status: StatusOK, Detail: okDetail}
}

// errText flattens multi-line errors (aggregated validation failures) into
// one line so a tabular renderer stays readable.
func errText(err error) string {
	var parts []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}
