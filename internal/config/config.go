package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete arbiter configuration. It is loaded once at
// startup and again on every reload signal.
type Config struct {
	Bind              []string      `mapstructure:"bind" json:"bind"`
	Workers           int           `mapstructure:"workers" json:"workers"`
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout"`
	GracefulTimeout   time.Duration `mapstructure:"graceful_timeout" json:"graceful_timeout"`
	Tick              time.Duration `mapstructure:"tick" json:"tick"`
	MaxRequests       int           `mapstructure:"max_requests" json:"max_requests"`
	MaxRequestsJitter int           `mapstructure:"max_requests_jitter" json:"max_requests_jitter"`
	WorkerTmpDir      string        `mapstructure:"worker_tmp_dir" json:"worker_tmp_dir"`

	PIDFile           string `mapstructure:"pidfile" json:"pidfile"`
	ControlSocket     string `mapstructure:"control_socket" json:"control_socket"`
	ControlSocketMode string `mapstructure:"control_socket_mode" json:"control_socket_mode"`
	ControlMaxMessage int    `mapstructure:"control_max_message" json:"control_max_message"`

	Signals SignalConfig  `mapstructure:"signals" json:"signals"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	History HistoryConfig `mapstructure:"history" json:"history"`
	Dirty   DirtyConfig   `mapstructure:"dirty" json:"dirty"`
}

// SignalConfig maps each fixed arbiter action to the signal names that
// trigger it.
type SignalConfig struct {
	Reload       []string `mapstructure:"reload" json:"reload"`
	GracefulStop []string `mapstructure:"graceful_stop" json:"graceful_stop"`
	QuickStop    []string `mapstructure:"quick_stop" json:"quick_stop"`
	ReopenLogs   []string `mapstructure:"reopen_logs" json:"reopen_logs"`
	ScaleUp      []string `mapstructure:"scale_up" json:"scale_up"`
	ScaleDown    []string `mapstructure:"scale_down" json:"scale_down"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"` // "text" or "json"
	File       string `mapstructure:"file" json:"file"`
	Color      bool   `mapstructure:"color" json:"color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" json:"listen"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// DirtyConfig configures the dirty arbiter and its task workers.
type DirtyConfig struct {
	Workers         int           `mapstructure:"workers" json:"workers"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" json:"graceful_timeout"`
	Socket          string        `mapstructure:"socket" json:"socket"`
	Apps            []AppConfig   `mapstructure:"apps" json:"apps"`
}

// Enabled reports whether a dirty arbiter should run.
func (d DirtyConfig) Enabled() bool { return len(d.Apps) > 0 && d.Workers > 0 }

// AppConfig is one application hosted by dirty workers. Workers == 0 means
// unlimited: the app is loaded into every dirty worker.
type AppConfig struct {
	Name    string         `mapstructure:"name" json:"name"`
	Workers int            `mapstructure:"workers" json:"workers,omitempty"`
	Params  map[string]any `mapstructure:"params" json:"params,omitempty"`
}

// Limited reports whether the app has a worker-count limit.
func (a AppConfig) Limited() bool { return a.Workers > 0 }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bind:              []string{"127.0.0.1:8000"},
		Workers:           1,
		Timeout:           30 * time.Second,
		GracefulTimeout:   30 * time.Second,
		Tick:              time.Second,
		ControlSocket:     "gunicorn.ctl",
		ControlSocketMode: "0600",
		ControlMaxMessage: 1024 * 1024,
		Signals: SignalConfig{
			Reload:       []string{"SIGHUP"},
			GracefulStop: []string{"SIGTERM"},
			QuickStop:    []string{"SIGINT", "SIGQUIT"},
			ReopenLogs:   []string{"SIGUSR1"},
			ScaleUp:      []string{"SIGTTIN"},
			ScaleDown:    []string{"SIGTTOU"},
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Dirty: DirtyConfig{
			Workers:         0,
			Timeout:         300 * time.Second,
			GracefulTimeout: 30 * time.Second,
			Socket:          "gunicorn-dirty.sock",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bind", d.Bind)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("graceful_timeout", d.GracefulTimeout)
	v.SetDefault("tick", d.Tick)
	v.SetDefault("max_requests", d.MaxRequests)
	v.SetDefault("max_requests_jitter", d.MaxRequestsJitter)
	v.SetDefault("worker_tmp_dir", d.WorkerTmpDir)
	v.SetDefault("pidfile", d.PIDFile)
	v.SetDefault("control_socket", d.ControlSocket)
	v.SetDefault("control_socket_mode", d.ControlSocketMode)
	v.SetDefault("control_max_message", d.ControlMaxMessage)
	v.SetDefault("signals.reload", d.Signals.Reload)
	v.SetDefault("signals.graceful_stop", d.Signals.GracefulStop)
	v.SetDefault("signals.quick_stop", d.Signals.QuickStop)
	v.SetDefault("signals.reopen_logs", d.Signals.ReopenLogs)
	v.SetDefault("signals.scale_up", d.Signals.ScaleUp)
	v.SetDefault("signals.scale_down", d.Signals.ScaleDown)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("dirty.workers", d.Dirty.Workers)
	v.SetDefault("dirty.timeout", d.Dirty.Timeout)
	v.SetDefault("dirty.graceful_timeout", d.Dirty.GracefulTimeout)
	v.SetDefault("dirty.socket", d.Dirty.Socket)
}

// Load reads a TOML or YAML file (chosen by extension, TOML when there is
// none), applies GUNICORN_* environment overrides and validates the result.
// Relative socket and pidfile paths are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GUNICORN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.PIDFile = abs(c.PIDFile)
	c.ControlSocket = abs(c.ControlSocket)
	c.Dirty.Socket = abs(c.Dirty.Socket)
	c.Log.File = abs(c.Log.File)
}

// SocketMode parses ControlSocketMode as an octal permission.
func (c *Config) SocketMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.ControlSocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("control_socket_mode %q: %w", c.ControlSocketMode, err)
	}
	return os.FileMode(m) & os.ModePerm, nil
}

// Validate checks the configuration and names the first offending key.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if c.GracefulTimeout < 0 {
		errs = append(errs, fmt.Errorf("graceful_timeout must not be negative"))
	}
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive"))
	}
	if c.MaxRequests < 0 || c.MaxRequestsJitter < 0 {
		errs = append(errs, fmt.Errorf("max_requests and max_requests_jitter must not be negative"))
	}
	if c.ControlSocket == "" {
		errs = append(errs, fmt.Errorf("control_socket must be set"))
	}
	if _, err := c.SocketMode(); err != nil {
		errs = append(errs, err)
	}
	if c.ControlMaxMessage <= 0 {
		errs = append(errs, fmt.Errorf("control_max_message must be positive"))
	}
	if _, err := ParseSignals(c.Signals); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := c.Dirty.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d DirtyConfig) validate() error {
	if d.Workers < 0 {
		return fmt.Errorf("dirty.workers must not be negative")
	}
	if d.GracefulTimeout < 0 {
		return fmt.Errorf("dirty.graceful_timeout must not be negative")
	}
	if len(d.Apps) == 0 {
		return nil
	}
	if d.Socket == "" {
		return fmt.Errorf("dirty.socket must be set when dirty.apps is configured")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("dirty.timeout must be positive")
	}
	seen := make(map[string]bool, len(d.Apps))
	for i, a := range d.Apps {
		if a.Name == "" {
			return fmt.Errorf("dirty.apps[%d].name must be set", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("dirty.apps[%d]: duplicate app %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Workers < 0 {
			return fmt.Errorf("dirty.apps[%d].workers must not be negative", i)
		}
	}
	return nil
}
