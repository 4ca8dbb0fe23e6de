package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/newthinker/tradesim/internal/backtest"
	"github.com/newthinker/tradesim/internal/core"
	"github.com/spf13/viper"
)

type Config struct {
	Simulation SimulationConfig `mapstructure:"simulation"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Export     ExportConfig     `mapstructure:"export"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

type SimulationConfig struct {
	InitialCapital     float64 `mapstructure:"initial_capital"`
	SlippagePercent    float64 `mapstructure:"slippage_percent"`
	CommissionPerTrade float64 `mapstructure:"commission_per_trade"`
}

// RiskConfig holds the default exit rules. Zero disables a rule.
type RiskConfig struct {
	StopLossPercent     float64 `mapstructure:"stop_loss_percent"`
	TargetPercent       float64 `mapstructure:"target_percent"`
	TrailingStopPercent float64 `mapstructure:"trailing_stop_percent"`
}

type PlaybackConfig struct {
	SpeedMultiplier float64 `mapstructure:"speed_multiplier"`
	RealtimeMode    bool    `mapstructure:"realtime_mode"`
}

// ExportConfig selects where completed runs are archived
type ExportConfig struct {
	Type string   `mapstructure:"type"` // "localfs" or "s3"
	Path string   `mapstructure:"path"` // For localfs
	S3   S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	APIKey      string `mapstructure:"api_key"`
	JobTTLHours int    `mapstructure:"job_ttl_hours"`
	MaxJobs     int    `mapstructure:"max_jobs"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads configuration from file on top of Defaults. A .env file next to
// the config, or in the working directory, is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads the first env file that exists. Variables already set in
// the process environment win.
func loadDotEnv(candidates ...string) error {
	seen := make(map[string]bool)
	for _, path := range candidates {
		if seen[path] {
			continue
		}
		seen[path] = true

		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Simulation: SimulationConfig{
			InitialCapital:     100000,
			SlippagePercent:    0.05,
			CommissionPerTrade: 20,
		},
		Playback: PlaybackConfig{
			SpeedMultiplier: 1.0,
		},
		Export: ExportConfig{
			Type: "localfs",
			Path: "./exports",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			JobTTLHours: 1,
			MaxJobs:     100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxJobs < 0 || c.Server.JobTTLHours < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("max_jobs and job_ttl_hours cannot be negative"))
	}

	if c.Simulation.InitialCapital <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("initial_capital must be positive, got %f", c.Simulation.InitialCapital))
	}
	if c.Simulation.SlippagePercent < 0 || c.Simulation.CommissionPerTrade < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("slippage_percent and commission_per_trade cannot be negative"))
	}

	for name, pct := range map[string]float64{
		"stop_loss_percent":     c.Risk.StopLossPercent,
		"target_percent":        c.Risk.TargetPercent,
		"trailing_stop_percent": c.Risk.TrailingStopPercent,
	} {
		if pct < 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("%s cannot be negative, got %f", name, pct))
		}
	}

	if s := c.Playback.SpeedMultiplier; s != 0 && backtest.ClampSpeed(s) != s {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("speed_multiplier must be between 0.1 and 10, got %f", s))
	}

	switch c.Export.Type {
	case "", "localfs":
	case "s3":
		if c.Export.S3.Bucket == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("s3 bucket required when export type is s3"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown export type %q", c.Export.Type))
	}

	return nil
}

// BacktestOptions converts the simulation, risk and playback sections into
// simulator options
func (c *Config) BacktestOptions() backtest.Options {
	return backtest.Options{
		InitialCapital: c.Simulation.InitialCapital,
		Execution: backtest.ExecutionConfig{
			SlippagePercent: c.Simulation.SlippagePercent,
			Commission:      c.Simulation.CommissionPerTrade,
		},
		Risk: backtest.RiskParams{
			StopLossPercent:     c.Risk.StopLossPercent,
			TargetPercent:       c.Risk.TargetPercent,
			TrailingStopPercent: c.Risk.TrailingStopPercent,
		},
		SpeedMultiplier: c.Playback.SpeedMultiplier,
		Realtime:        c.Playback.RealtimeMode,
	}
}
