package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/bootvisor/internal/auth"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/logger"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding static [daemon] and [log]
// keys, e.g. BOOTVISOR_DAEMON_STATUS_LISTEN.
const EnvPrefix = "BOOTVISOR"

// DefaultConfigErrorWindow is how long read errors may persist before one ERROR escalation.
const DefaultConfigErrorWindow = 5 * time.Minute

// FileConfig is the static part of the config file. It is read once at startup; changes
// require a restart of the daemon.
type FileConfig struct {
	Worker WorkerConfig  `mapstructure:"worker"`
	Health HealthConfig  `mapstructure:"health"`
	Daemon DaemonConfig  `mapstructure:"daemon"`
	Log    logger.Config `mapstructure:"log"`
}

type WorkerConfig struct {
	process.Spec `mapstructure:",squash"`
	EnvFiles     []string `mapstructure:"env_files"` // KEY=VALUE files applied before Env
}

// HealthConfig selects the worker health probe. An empty Type disables health monitoring.
type HealthConfig struct {
	Type         string `mapstructure:"type"`          // http | tcp | command | pidfile
	URL          string `mapstructure:"url"`           // http
	ExpectStatus int    `mapstructure:"expect_status"` // http; 0 accepts any 2xx
	Address      string `mapstructure:"address"`       // tcp host:port
	Command      string `mapstructure:"command"`       // command
	PIDFile      string `mapstructure:"pid_file"`      // pidfile; defaults to worker.pid_file
}

type DaemonConfig struct {
	LockFile          string   `mapstructure:"lock_file"`
	StatusListen      string   `mapstructure:"status_listen"`
	StatusFile        string   `mapstructure:"status_file"`
	Metrics           bool     `mapstructure:"metrics"`
	History           []string `mapstructure:"history"`
	WatchFS           bool     `mapstructure:"watch_fs"`
	ConfigErrorWindow float64  `mapstructure:"config_error_window_seconds"`
	Env               []string `mapstructure:"env"` // daemon-wide worker env overrides

	// Resources samples worker CPU/memory when Metrics is on.
	Resources metrics.SamplerConfig `mapstructure:"resources"`

	// HistoryRetention prunes old events from the SQL history sinks.
	HistoryRetention history.RetentionConfig `mapstructure:"history_retention"`
	// TLS serves the status API over HTTPS.
	TLS tls.Config `mapstructure:"tls"`
	// Auth requires bearer tokens on the status API.
	Auth auth.Config `mapstructure:"auth"`
}

// ErrorWindow returns the configured read error escalation window.
func (d DaemonConfig) ErrorWindow() time.Duration {
	if d.ConfigErrorWindow <= 0 {
		return DefaultConfigErrorWindow
	}
	return seconds(d.ConfigErrorWindow)
}

// Load reads the static configuration from path. Environment variables with EnvPrefix
// override [daemon] and [log] keys.
func Load(path string) (*FileConfig, error) {
	v := newViper(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setStaticDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if fc.Health.PIDFile == "" {
		fc.Health.PIDFile = fc.Worker.PIDFile
	}
	return &fc, nil
}

func setStaticDefaults(v *viper.Viper) {
	v.SetDefault("daemon.lock_file", filepath.Join(os.TempDir(), "bootvisor.lock"))
	v.SetDefault("daemon.status_listen", "")
	v.SetDefault("daemon.status_file", "")
	v.SetDefault("daemon.metrics", false)
	v.SetDefault("daemon.watch_fs", false)
	v.SetDefault("daemon.config_error_window_seconds", DefaultConfigErrorWindow.Seconds())
	v.SetDefault("worker.inherit_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.path", "")
}

// Validate checks the static configuration.
func (c *FileConfig) Validate() error {
	var errs []error
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Health.Type) {
	case "":
	case "http":
		if c.Health.URL == "" {
			errs = append(errs, errors.New("health.url is required for http probes"))
		}
	case "tcp":
		if c.Health.Address == "" {
			errs = append(errs, errors.New("health.address is required for tcp probes"))
		}
	case "command":
		if strings.TrimSpace(c.Health.Command) == "" {
			errs = append(errs, errors.New("health.command is required for command probes"))
		}
	case "pidfile":
		if c.Health.PIDFile == "" {
			errs = append(errs, errors.New("health.pid_file or worker.pid_file is required for pidfile probes"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown health.type %q", c.Health.Type))
	}
	if c.Daemon.LockFile == "" {
		errs = append(errs, errors.New("daemon.lock_file is required"))
	}
	if c.Daemon.TLS.Enabled && c.Daemon.StatusListen == "" {
		errs = append(errs, errors.New("daemon.tls requires daemon.status_listen"))
	}
	if err := c.Daemon.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Daemon.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Daemon.HistoryRetention.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, kv := range c.Daemon.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Errorf("daemon.env[%d] %q must be KEY=VALUE", i, kv))
		}
	}
	return errors.Join(errs...)
}

// WorkerEnv returns the daemon-wide env entries followed by the contents of the worker's
// env files, in that order. Per-worker Env is applied on top by the env merger.
func (c *FileConfig) WorkerEnv() ([]string, error) {
	out := append([]string(nil), c.Daemon.Env...)
	for _, p := range c.Worker.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("worker env file %s: %w", p, err)
		}
		out = append(out, kvs...)
	}
	return out, nil
}

// LoadEnvFile reads KEY=VALUE lines, skipping blanks and # comments.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if k != "" {
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
