// Package vault resolves secret references in the configuration against a
// HashiCorp Vault server, so repository keys and backend credentials never
// have to sit in the config file itself.
//
// A reference has the form
//
//	vault:<secret path>#<field>
//
// e.g. vault:secret/data/backuprs#repo_key. During startup every
// secret-bearing config field is checked; fields holding a reference are
// replaced in place with the secret value. Plain values pass through
// untouched, and a config without references never contacts Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

const refPrefix = "vault:"

var (
	// ErrBadRef is returned for a malformed vault: reference.
	ErrBadRef = errors.New("vault: malformed secret reference, want vault:<path>#<field>")
	// ErrNoVault is returned when the config uses references but no vault
	// section is configured.
	ErrNoVault = errors.New("vault: secret reference used but vault is not configured")
	// ErrAuth is returned when the AppRole login fails.
	ErrAuth = errors.New("vault: authentication failed")
	// ErrSecretNotFound is returned when the referenced path holds nothing.
	ErrSecretNotFound = errors.New("vault: secret not found")
	// ErrFieldNotFound is returned when the secret exists but lacks the
	// referenced field.
	ErrFieldNotFound = errors.New("vault: field not found in secret")
)

// Ref is a parsed secret reference.
type Ref struct {
	Path  string
	Field string
}

// ParseRef parses a secret reference. ok is false when s is not a
// reference at all; a string that starts like one but is malformed is an
// error so typos fail loudly instead of being sent to restic as passwords.
func ParseRef(s string) (ref Ref, ok bool, err error) {
	if !strings.HasPrefix(s, refPrefix) {
		return Ref{}, false, nil
	}
	rest := strings.TrimPrefix(s, refPrefix)
	path, field, found := strings.Cut(rest, "#")
	if !found || path == "" || field == "" {
		return Ref{}, false, fmt.Errorf("%w: %q", ErrBadRef, s)
	}
	return Ref{Path: path, Field: field}, true, nil
}

// Option configures the Client.
type Option func(*settings)

type settings struct {
	address  string
	token    string
	roleID   string
	secretID string
}

// WithAddress sets the Vault server address.
func WithAddress(addr string) Option {
	return func(s *settings) { s.address = addr }
}

// WithToken authenticates with a static token.
func WithToken(token string) Option {
	return func(s *settings) { s.token = token }
}

// WithAppRole authenticates via the AppRole login endpoint.
func WithAppRole(roleID, secretID string) Option {
	return func(s *settings) { s.roleID = roleID; s.secretID = secretID }
}

// Client reads secrets from Vault. Create instances with New.
type Client struct {
	api *vaultapi.Client
}

// New builds the API client and performs authentication. With a token the
// login is local; with AppRole credentials the client logs in immediately
// so startup fails fast on bad credentials.
func New(opts ...Option) (*Client, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	cfg := vaultapi.DefaultConfig()
	if s.address != "" {
		cfg.Address = s.address
	}
	api, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	c := &Client{api: api}
	switch {
	case s.token != "":
		api.SetToken(s.token)
	case s.roleID != "":
		if err := c.loginAppRole(s.roleID, s.secretID); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// loginAppRole exchanges the role/secret id pair for a client token.
func (c *Client) loginAppRole(roleID, secretID string) error {
	secret, err := c.api.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAuth, err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("%w: login returned no token", ErrAuth)
	}
	c.api.SetToken(secret.Auth.ClientToken)
	return nil
}

// Lookup reads the referenced field. Secrets stored in a KV v2 mount nest
// the payload under "data"; both layouts are accepted.
func (c *Client) Lookup(ctx context.Context, ref Ref) (string, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, ref.Path)
	if err != nil {
		return "", fmt.Errorf("vault: read %s: %w", ref.Path, err)
	}
	if secret == nil || len(secret.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, ref.Path)
	}

	data := secret.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		if _, direct := data[ref.Field]; !direct {
			data = inner
		}
	}

	value, ok := data[ref.Field].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrFieldNotFound, ref.Path, ref.Field)
	}
	return value, nil
}

// Health reports whether the server is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	status, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health: %w", err)
	}
	if !status.Initialized {
		return errors.New("vault: server not initialized")
	}
	if status.Sealed {
		return errors.New("vault: server sealed")
	}
	return nil
}

// ResolveAll rewrites every reference among refs with its secret value.
// Non-reference strings are left alone. A nil client is fine as long as no
// actual reference appears.
func ResolveAll(ctx context.Context, c *Client, refs []*string) error {
	for _, ptr := range refs {
		if ptr == nil {
			continue
		}
		ref, ok, err := ParseRef(*ptr)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrNoVault, *ptr)
		}
		value, err := c.Lookup(ctx, ref)
		if err != nil {
			return err
		}
		*ptr = value
	}
	return nil
}
