// Package config loads server configuration from defaults, a YAML file,
// SQLFWD_* environment variables, and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable: session.idle_timeout is
// read from SQLFWD_SESSION_IDLE_TIMEOUT.
const EnvPrefix = "SQLFWD"

// Config is the server configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// DataDir holds server metadata: the frame mark and database config.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	GRPCListenAddr string `yaml:"grpc_listen_addr" mapstructure:"grpc_listen_addr"`

	// MetricsListenAddr serves /metrics when set.
	MetricsListenAddr string `yaml:"metrics_listen_addr" mapstructure:"metrics_listen_addr"`

	// CheckpointInterval is how often the WAL is checkpointed. Zero disables
	// periodic checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`

	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Exec    ExecConfig    `yaml:"exec" mapstructure:"exec"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug | info | warn | error
	Format string `yaml:"format" mapstructure:"format"` // text | json
}

// SessionConfig bounds client sessions.
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	TxnTimeout    time.Duration `yaml:"txn_timeout" mapstructure:"txn_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions" mapstructure:"max_sessions"`
	CreateTimeout time.Duration `yaml:"create_timeout" mapstructure:"create_timeout"`
	MaxWaiters    int           `yaml:"max_waiters" mapstructure:"max_waiters"`
}

// ExecConfig bounds program execution.
type ExecConfig struct {
	StepTimeout     time.Duration `yaml:"step_timeout" mapstructure:"step_timeout"`
	MaxResponseSize int           `yaml:"max_response_size" mapstructure:"max_response_size"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" mapstructure:"busy_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DBPath:             "data.sqlite",
		DataDir:            "sqlfwd-data",
		GRPCListenAddr:     "127.0.0.1:5001",
		CheckpointInterval: time.Hour,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			IdleTimeout:   5 * time.Minute,
			TxnTimeout:    5 * time.Second,
			SweepInterval: time.Second,
			MaxSessions:   128,
			CreateTimeout: 5 * time.Second,
			MaxWaiters:    128,
		},
		Exec: ExecConfig{
			StepTimeout:     5 * time.Second,
			MaxResponseSize: 10 * 1024 * 1024,
			BusyTimeout:     5 * time.Second,
		},
	}
}

// FlagKeys maps command-line flag names to configuration keys. Load binds
// every flag in this table that the flag set defines.
var FlagKeys = map[string]string{
	"db-path":             "db_path",
	"data-dir":            "data_dir",
	"grpc-listen-addr":    "grpc_listen_addr",
	"metrics-listen-addr": "metrics_listen_addr",
	"checkpoint-interval": "checkpoint_interval",
	"log-level":           "log.level",
	"log-format":          "log.format",
	"max-sessions":        "session.max_sessions",
	"max-response-size":   "exec.max_response_size",
}

// Load reads the configuration. path names an optional YAML file; flags
// may be nil. Only flags the user set override other sources.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key of def with v. AutomaticEnv only
// resolves keys viper knows about, so each key needs a default.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("grpc_listen_addr", def.GRPCListenAddr)
	v.SetDefault("metrics_listen_addr", def.MetricsListenAddr)
	v.SetDefault("checkpoint_interval", def.CheckpointInterval)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("session.idle_timeout", def.Session.IdleTimeout)
	v.SetDefault("session.txn_timeout", def.Session.TxnTimeout)
	v.SetDefault("session.sweep_interval", def.Session.SweepInterval)
	v.SetDefault("session.max_sessions", def.Session.MaxSessions)
	v.SetDefault("session.create_timeout", def.Session.CreateTimeout)
	v.SetDefault("session.max_waiters", def.Session.MaxWaiters)
	v.SetDefault("exec.step_timeout", def.Exec.StepTimeout)
	v.SetDefault("exec.max_response_size", def.Exec.MaxResponseSize)
	v.SetDefault("exec.busy_timeout", def.Exec.BusyTimeout)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.GRPCListenAddr == "" {
		errs = append(errs, errors.New("grpc_listen_addr is required"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, errors.New("checkpoint_interval must not be negative"))
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"session.idle_timeout", c.Session.IdleTimeout},
		{"session.txn_timeout", c.Session.TxnTimeout},
		{"session.sweep_interval", c.Session.SweepInterval},
		{"session.create_timeout", c.Session.CreateTimeout},
		{"exec.busy_timeout", c.Exec.BusyTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.key))
		}
	}
	if c.Session.MaxSessions <= 0 {
		errs = append(errs, errors.New("session.max_sessions must be positive"))
	}
	if c.Session.MaxWaiters <= 0 {
		errs = append(errs, errors.New("session.max_waiters must be positive"))
	}
	if c.Exec.StepTimeout < 0 {
		errs = append(errs, errors.New("exec.step_timeout must not be negative"))
	}
	if c.Exec.MaxResponseSize < 0 {
		errs = append(errs, errors.New("exec.max_response_size must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
