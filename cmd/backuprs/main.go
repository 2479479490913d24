// Package main is the entry point for the backuprs binary.
//
// Startup sequence, shared by every subcommand:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the TOML configuration
//  4. Resolve vault: secret references (when vault is configured)
//  5. Validate the configuration
//
// The subcommands then diverge: `run` executes jobs once, `daemon` keeps
// running on the poll interval, `test` exercises repository access, `jobs`
// and `doctor` only inspect.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0xpr03/backuprs/internal/config"
	"github.com/0xpr03/backuprs/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "backuprs",
		Short: "backuprs — scheduled backups via restic",
		Long: `backuprs runs restic backup jobs from a TOML configuration.
Each job snapshots a set of paths (optionally preceded by a database dump
and wrapped in pre/post commands) into its own repository. Jobs run once
with 'run' or continuously on a schedule with 'daemon'.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOrDefault("BACKUPRS_CONFIG", "config.toml"), "Path of the TOML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("BACKUPRS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newDaemonCmd(opts),
		newTestCmd(opts),
		newJobsCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("backuprs %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// loadConfig reads the configuration, resolves vault: references in place,
// and validates the result. Every subcommand that acts on jobs goes through
// here; `doctor` loads on its own because it reports problems instead of
// failing on the first one.
func loadConfig(ctx context.Context, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	vc, err := vaultClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := vault.ResolveAll(ctx, vc, cfg.SecretRefs()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// vaultClient builds the secret store client when the configuration asks for
// one. Without a [global.vault] section it returns nil, which ResolveAll
// accepts as long as no vault: reference appears.
func vaultClient(cfg *config.Config) (*vault.Client, error) {
	v := cfg.Global.Vault
	if v == nil {
		return nil, nil
	}
	opts := []vault.Option{vault.WithAddress(v.Address)}
	if v.Token != "" {
		opts = append(opts, vault.WithToken(v.Token))
	} else {
		opts = append(opts, vault.WithAppRole(v.RoleID, v.SecretID))
	}
	return vault.New(opts...)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
