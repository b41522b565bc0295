package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: LAKEFLOW_STORE_DRIVER sets
// store.driver.
const EnvPrefix = "LAKEFLOW"

// Settings are the process settings of lakeflow serve.
type Settings struct {
	Listen    string        `mapstructure:"listen"`
	Pipeline  string        `mapstructure:"pipeline"`
	Ingress   string        `mapstructure:"ingress"`
	Telemetry bool          `mapstructure:"telemetry"`
	Store     StoreSettings `mapstructure:"store"`
	Blob      BlobSettings  `mapstructure:"blob"`
	Fetch     FetchSettings `mapstructure:"fetch"`
	Log       LogSettings   `mapstructure:"log"`
}

// StoreSettings select the correlation store backend.
type StoreSettings struct {
	Driver        string        `mapstructure:"driver"` // memory, sqlite or postgres
	DSN           string        `mapstructure:"dsn"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// BlobSettings select the aggregate payload store.
type BlobSettings struct {
	Driver string `mapstructure:"driver"` // memory or sqlite
	Path   string `mapstructure:"path"`
}

// FetchSettings list the extra URI schemes transforms may dereference
// when expanding composite documents. blob is always available; http,
// https and file are off unless named here.
type FetchSettings struct {
	Schemes []string      `mapstructure:"schemes"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogSettings configure the process logger.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("pipeline", "pipeline.yaml")
	v.SetDefault("ingress", "ingress")
	v.SetDefault("telemetry", false)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.ttl", 24*time.Hour)
	v.SetDefault("store.sweep_interval", time.Minute)
	v.SetDefault("blob.driver", "memory")
	v.SetDefault("blob.path", "")
	v.SetDefault("fetch.schemes", []string{})
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// loadSettings merges defaults, the optional settings file and LAKEFLOW_
// environment overrides. Bound flags take precedence over all three.
func loadSettings(v *viper.Viper, file string) (Settings, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	switch s.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if s.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", s.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", s.Store.Driver)
	}
	switch s.Blob.Driver {
	case "memory":
	case "sqlite":
		if s.Blob.Path == "" {
			return fmt.Errorf("blob.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", s.Blob.Driver)
	}
	for _, scheme := range s.Fetch.Schemes {
		switch scheme {
		case "http", "https", "file":
		default:
			return fmt.Errorf("fetch.schemes: unsupported scheme %q", scheme)
		}
	}
	if s.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive")
	}
	return nil
}

func newLogger(s LogSettings, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if s.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
