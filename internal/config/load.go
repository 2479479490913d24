package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	// ErrLoadConfig is returned when the config file cannot be read.
	ErrLoadConfig = errors.New("config: cannot read file")
	// ErrParseConfig is returned when the file contents do not decode into
	// the configuration model.
	ErrParseConfig = errors.New("config: cannot parse file")
	// ErrConfigPermissions is returned when the file is group- or
	// world-accessible. Config files carry repository keys and backend
	// credentials and must be 0600.
	ErrConfigPermissions = errors.New("config: file must not be accessible by group or others")
)

// Load reads, decodes and defaults the TOML configuration at path.
// Values can be overridden through the environment using the BACKUPRS_
// prefix, e.g. BACKUPRS_GLOBAL_SCRATCH_DIR. Validation is a separate step:
// callers run Validate (and usually Probes) on the result.
func Load(path string) (*Config, error) {
	if err := checkPermissions(path); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("BACKUPRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLoadConfig, err)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParseConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.restic_binary", binaryName("restic"))
	v.SetDefault("global.mysql_dump_binary", binaryName("mysqldump"))
	v.SetDefault("global.postgres_dump_binary", binaryName("pg_dump"))
	// Daily unless the job or global config says otherwise.
	v.SetDefault("global.default_interval", 24*60)
	v.SetDefault("global.poll_interval", time.Minute)
}

// binaryName appends .exe on Windows so bare tool names resolve via PATH
// on every platform.
func binaryName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// checkPermissions rejects config files readable by group or others.
// Skipped on Windows where POSIX permission bits are not meaningful.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLoadConfig, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrConfigPermissions, path, info.Mode().Perm())
	}
	return nil
}
