package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the minimal settings required to boot the Delphi engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Collab   CollabConfig   `yaml:"collab"`
	Logging  LoggingConfig  `yaml:"logging"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CollabConfig configures access to the collaboration platform that owns
// participant rosters and question banks.
type CollabConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	RosterPath    string        `yaml:"rosterPath"`
	QuestionsPath string        `yaml:"questionsPath"`
	NotifyPath    string        `yaml:"notifyPath"`
	Timeout       time.Duration `yaml:"timeout"`
	RosterTTL     time.Duration `yaml:"rosterTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RealtimeConfig controls live aggregate push behaviour.
type RealtimeConfig struct {
	DebounceWindow time.Duration `yaml:"debounceWindow"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// DefaultsConfig holds study parameters applied when a create request leaves
// them unset.
type DefaultsConfig struct {
	MaxRounds          int           `yaml:"maxRounds"`
	CVThreshold        float64       `yaml:"cvThreshold"`
	StabilityThreshold float64       `yaml:"stabilityThreshold"`
	MinQuorum          float64       `yaml:"minQuorum"`
	FeedbackMinCount   int           `yaml:"feedbackMinCount"`
	SessionDuration    time.Duration `yaml:"sessionDuration"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DELPHI_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file:delphi.db?_pragma=busy_timeout(5000)",
		},
		Collab: CollabConfig{
			RosterPath:    "/api/v1/studies/%s/participants",
			QuestionsPath: "/api/v1/studies/%s/questions",
			NotifyPath:    "/api/v1/studies/%s/events",
			Timeout:       5 * time.Second,
			RosterTTL:     2 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Realtime: RealtimeConfig{
			DebounceWindow: 750 * time.Millisecond,
			WriteTimeout:   5 * time.Second,
		},
		Defaults: DefaultsConfig{
			MaxRounds:          3,
			CVThreshold:        0.5,
			StabilityThreshold: 0.9,
			MinQuorum:          0.5,
			FeedbackMinCount:   3,
			SessionDuration:    30 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DELPHI_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("DELPHI_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("DELPHI_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DELPHI_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("DELPHI_COLLAB_BASE_URL"); v != "" {
		cfg.Collab.BaseURL = v
	}
	if v := os.Getenv("DELPHI_COLLAB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collab.Timeout = d
		}
	}
	if v := os.Getenv("DELPHI_COLLAB_ROSTER_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collab.RosterTTL = d
		}
	}
	if v := os.Getenv("DELPHI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DELPHI_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("DELPHI_REALTIME_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.DebounceWindow = d
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MaxRounds = n
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_CV_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CVThreshold = f
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_STABILITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.StabilityThreshold = f
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_MIN_QUORUM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.MinQuorum = f
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_FEEDBACK_MIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.FeedbackMinCount = n
		}
	}
	if v := os.Getenv("DELPHI_DEFAULT_SESSION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Defaults.SessionDuration = d
		}
	}
}

// Normalize fills zero-valued defaults so a partially specified config still
// yields a usable study parameter set.
func (d DefaultsConfig) Normalize() DefaultsConfig {
	out := d
	if out.MaxRounds == 0 {
		out.MaxRounds = 3
	}
	if out.CVThreshold <= 0 {
		out.CVThreshold = 0.5
	}
	if out.StabilityThreshold <= 0 {
		out.StabilityThreshold = 0.9
	}
	if out.MinQuorum < 0 {
		out.MinQuorum = 0
	}
	if out.FeedbackMinCount <= 0 {
		out.FeedbackMinCount = 3
	}
	if out.SessionDuration <= 0 {
		out.SessionDuration = 30 * time.Minute
	}
	return out
}
