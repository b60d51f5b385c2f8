package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrMissingEnabled is wrapped in a ReadError when the file parses but has no enabled key,
// which is what a truncated or half-written save looks like.
var ErrMissingEnabled = errors.New("enabled key missing")

// ErrInvalidEnabled is wrapped in a ReadError when enabled is present but not a boolean.
var ErrInvalidEnabled = errors.New("enabled must be true or false")

// Source is a re-readable store of the enabled flag and policy tunables.
type Source interface {
	Read() (Snapshot, error)
}

// FileSource reads a Snapshot from a TOML, YAML or JSON file. Every Read parses the file
// from scratch so removed keys fall back to their defaults.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Path() string { return s.path }

type rawSnapshot struct {
	Enabled                bool    `mapstructure:"enabled"`
	PollInterval           float64 `mapstructure:"poll_interval_seconds"`
	HealthCheckInterval    float64 `mapstructure:"health_check_interval_seconds"`
	RestartBackoffBase     float64 `mapstructure:"restart_backoff_base_seconds"`
	RestartBackoffMax      float64 `mapstructure:"restart_backoff_max_seconds"`
	RestartBackoffJitter   float64 `mapstructure:"restart_backoff_jitter"`
	MaxRestartAttempts     int     `mapstructure:"max_restart_attempts"`
	MinUptime              float64 `mapstructure:"min_uptime_seconds"`
	GracefulStopTimeout    float64 `mapstructure:"graceful_stop_timeout_seconds"`
	KillMargin             float64 `mapstructure:"kill_margin_seconds"`
	HealthFailureThreshold int     `mapstructure:"health_failure_threshold"`
	HealthProbeTimeout     float64 `mapstructure:"health_probe_timeout_seconds"`
}

// Read implements Source. Any failure is returned as a *ReadError.
func (s *FileSource) Read() (Snapshot, error) {
	v := newViper(s.path)
	setSnapshotDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Snapshot{}, &ReadError{Path: s.path, Err: err}
	}
	if !v.InConfig("enabled") {
		return Snapshot{}, &ReadError{Path: s.path, Err: ErrMissingEnabled}
	}
	// a weakly typed decode would turn "" or 0 into false
	if raw := v.Get("enabled"); !isBool(raw) {
		return Snapshot{}, &ReadError{Path: s.path, Err: fmt.Errorf("%w, got %T %v", ErrInvalidEnabled, raw, raw)}
	}
	var raw rawSnapshot
	if err := v.Unmarshal(&raw, viper.DecodeHook(decodeHook())); err != nil {
		return Snapshot{}, &ReadError{Path: s.path, Err: err}
	}
	snap := raw.snapshot()
	if err := snap.Validate(); err != nil {
		return Snapshot{}, &ReadError{Path: s.path, Err: err}
	}
	return snap, nil
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func (r rawSnapshot) snapshot() Snapshot {
	return Snapshot{
		Enabled:                r.Enabled,
		PollInterval:           seconds(r.PollInterval),
		HealthCheckInterval:    seconds(r.HealthCheckInterval),
		RestartBackoffBase:     seconds(r.RestartBackoffBase),
		RestartBackoffMax:      seconds(r.RestartBackoffMax),
		MaxRestartAttempts:     r.MaxRestartAttempts,
		MinUptime:              seconds(r.MinUptime),
		GracefulStopTimeout:    seconds(r.GracefulStopTimeout),
		KillMargin:             seconds(r.KillMargin),
		HealthFailureThreshold: r.HealthFailureThreshold,
		HealthProbeTimeout:     seconds(r.HealthProbeTimeout),
		BackoffJitter:          r.RestartBackoffJitter,
	}
}

func setSnapshotDefaults(v *viper.Viper) {
	d := DefaultSnapshot()
	v.SetDefault("poll_interval_seconds", d.PollInterval.Seconds())
	v.SetDefault("health_check_interval_seconds", d.HealthCheckInterval.Seconds())
	v.SetDefault("restart_backoff_base_seconds", d.RestartBackoffBase.Seconds())
	v.SetDefault("restart_backoff_max_seconds", d.RestartBackoffMax.Seconds())
	v.SetDefault("restart_backoff_jitter", d.BackoffJitter)
	v.SetDefault("max_restart_attempts", d.MaxRestartAttempts)
	v.SetDefault("min_uptime_seconds", d.MinUptime.Seconds())
	v.SetDefault("graceful_stop_timeout_seconds", d.GracefulStopTimeout.Seconds())
	v.SetDefault("kill_margin_seconds", d.KillMargin.Seconds())
	v.SetDefault("health_failure_threshold", d.HealthFailureThreshold)
	v.SetDefault("health_probe_timeout_seconds", d.HealthProbeTimeout.Seconds())
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	case ".json":
		v.SetConfigType("json")
	default:
		v.SetConfigType("toml")
	}
	return v
}

// decodeHook maps the string "unlimited" onto Unlimited for int fields, accepts
// duration strings ("1m30s") for float seconds fields and parses time.Duration fields.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		unlimitedHook,
		durationSecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

func unlimitedHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Int {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if strings.EqualFold(s, "unlimited") {
		return Unlimited, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	return data, nil
}

func durationSecondsHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Float64 {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if d, err := time.ParseDuration(s); err == nil {
		return d.Seconds(), nil
	}
	return data, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// MemorySource is an in-process Source for embedding and tests.
type MemorySource struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	reads int
}

func NewMemorySource(s Snapshot) *MemorySource {
	return &MemorySource{snap: s}
}

func (m *MemorySource) Read() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return Snapshot{}, &ReadError{Err: m.err}
	}
	return m.snap, nil
}

// Set replaces the snapshot and clears any injected failure.
func (m *MemorySource) Set(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.err = nil
}

// SetEnabled flips only the enabled flag.
func (m *MemorySource) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Enabled = enabled
	m.err = nil
}

// Fail makes subsequent reads return a ReadError wrapping err until Set is called.
func (m *MemorySource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Reads returns how many times Read has been called.
func (m *MemorySource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}
