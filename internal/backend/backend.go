// Package backend turns a job's backend definition into the concrete
// parameters the snapshot tool needs: the repository URL, extra environment
// variables, and extra command line options. Job-level backend fields
// override the matching global default section field by field; a required
// field missing from both layers is a build error.
package backend

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/0xpr03/backuprs/internal/config"
)

var (
	// ErrMissingField is returned when a required backend field is absent
	// from both the job and the global defaults.
	ErrMissingField = errors.New("backend: required field missing")
	// ErrUnknownType is returned for backend types the engine does not know.
	ErrUnknownType = errors.New("backend: unknown type")
)

// Params is the resolved connection information for one repository.
type Params struct {
	// RepoURL is the full repository URL including any credentials.
	RepoURL string
	// Redacted is RepoURL with credentials masked, safe for logging.
	Redacted string
	// Env holds additional environment variables for the tool process
	// (AWS credentials for s3). Repository URL and password are passed
	// separately and are not part of Env.
	Env map[string]string
	// ExtraArgs are appended to every tool invocation (--cacert for rest
	// behind https, -o sftp.command=... for sftp).
	ExtraArgs []string
}

// Build resolves the job's backend against the global defaults and
// constructs the repository parameters.
func Build(job *config.Job, g *config.Global) (Params, error) {
	b := merge(job.Backend, job.BackendDefaults(g))
	switch job.Backend.Type {
	case config.BackendRest:
		return buildRest(b, job.Repository)
	case config.BackendSFTP:
		return buildSFTP(b, job.Repository)
	case config.BackendS3:
		return buildS3(b, job.Repository)
	default:
		return Params{}, fmt.Errorf("%w: %q", ErrUnknownType, job.Backend.Type)
	}
}

// merge overlays the job's non-empty backend fields on the global defaults.
func merge(job config.Backend, def *config.Backend) config.Backend {
	if def == nil {
		return job
	}
	merged := *def
	merged.Type = job.Type
	if job.Host != "" {
		merged.Host = job.Host
	}
	if job.User != "" {
		merged.User = job.User
	}
	if job.Password != "" {
		merged.Password = job.Password
	}
	if job.ServerPubkey != "" {
		merged.ServerPubkey = job.ServerPubkey
	}
	if job.CommandTemplate != "" {
		merged.CommandTemplate = job.CommandTemplate
	}
	if job.AccessKeyID != "" {
		merged.AccessKeyID = job.AccessKeyID
	}
	if job.SecretAccessKey != "" {
		merged.SecretAccessKey = job.SecretAccessKey
	}
	return merged
}

// buildRest targets a rest-server repository. Plain http by default; a
// configured server pubkey switches to https and passes the key via
// --cacert so self-signed server certificates verify.
func buildRest(b config.Backend, repo string) (Params, error) {
	if b.Host == "" {
		return Params{}, fmt.Errorf("%w: rest host", ErrMissingField)
	}
	if b.User == "" {
		return Params{}, fmt.Errorf("%w: rest user", ErrMissingField)
	}
	if b.Password == "" {
		return Params{}, fmt.Errorf("%w: rest password", ErrMissingField)
	}

	scheme := "http"
	var extra []string
	if b.ServerPubkey != "" {
		scheme = "https"
		extra = []string{"--cacert", b.ServerPubkey}
	}

	userinfo := url.UserPassword(b.User, b.Password)
	return Params{
		RepoURL:   fmt.Sprintf("rest:%s://%s@%s/%s", scheme, userinfo.String(), b.Host, repo),
		Redacted:  fmt.Sprintf("rest:%s://%s:***@%s/%s", scheme, url.User(b.User).String(), b.Host, repo),
		ExtraArgs: extra,
	}, nil
}

// buildSFTP targets a repository reached over ssh. When a command template
// is configured its {user} and {host} placeholders are substituted and the
// rendered command is handed to the tool as -o sftp.command=... so
// non-standard ports and ssh options work.
func buildSFTP(b config.Backend, repo string) (Params, error) {
	if b.Host == "" {
		return Params{}, fmt.Errorf("%w: sftp host", ErrMissingField)
	}

	target := b.Host
	if b.User != "" {
		target = b.User + "@" + b.Host
	}
	repoURL := fmt.Sprintf("sftp:%s:%s", target, repo)

	var extra []string
	if b.CommandTemplate != "" {
		cmd, err := renderTemplate(b.CommandTemplate, b)
		if err != nil {
			return Params{}, err
		}
		extra = []string{"-o", "sftp.command=" + cmd}
	}

	return Params{RepoURL: repoURL, Redacted: repoURL, ExtraArgs: extra}, nil
}

// buildS3 targets an s3-compatible endpoint. Credentials travel in the
// process environment, never in the URL.
func buildS3(b config.Backend, repo string) (Params, error) {
	if b.Host == "" {
		return Params{}, fmt.Errorf("%w: s3 host", ErrMissingField)
	}
	if b.AccessKeyID == "" {
		return Params{}, fmt.Errorf("%w: s3 access_key_id", ErrMissingField)
	}
	if b.SecretAccessKey == "" {
		return Params{}, fmt.Errorf("%w: s3 secret_access_key", ErrMissingField)
	}

	repoURL := fmt.Sprintf("s3:%s/%s", b.Host, repo)
	return Params{
		RepoURL:  repoURL,
		Redacted: repoURL,
		Env: map[string]string{
			"AWS_ACCESS_KEY_ID":     b.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY": b.SecretAccessKey,
		},
	}, nil
}

// renderTemplate substitutes the literal placeholders {user} and {host}.
// Substituting a placeholder whose field is empty is an error: the rendered
// command would silently reference nothing.
func renderTemplate(tpl string, b config.Backend) (string, error) {
	if strings.Contains(tpl, "{user}") {
		if b.User == "" {
			return "", fmt.Errorf("%w: sftp user (referenced by command_template)", ErrMissingField)
		}
		tpl = strings.ReplaceAll(tpl, "{user}", b.User)
	}
	if strings.Contains(tpl, "{host}") {
		if b.Host == "" {
			return "", fmt.Errorf("%w: sftp host (referenced by command_template)", ErrMissingField)
		}
		tpl = strings.ReplaceAll(tpl, "{host}", b.Host)
	}
	return tpl, nil
}
