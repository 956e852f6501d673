// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Generate  GenerateConfig  `mapstructure:"generate"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Export    ExportConfig    `mapstructure:"export"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RunConfig controls batch execution.
type RunConfig struct {
	// Concurrency is the worker count and the identity pool size.
	Concurrency  int           `mapstructure:"concurrency"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// IdentityConfig governs the ledger and pool.
type IdentityConfig struct {
	LedgerPath          string        `mapstructure:"ledger_path"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	MaxRotationAttempts int           `mapstructure:"max_rotation_attempts"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
}

// RotationConfig selects and configures the rotation backend.
type RotationConfig struct {
	// Mode is "static" or "tor".
	Mode            string        `mapstructure:"mode"`
	Addresses       []string      `mapstructure:"addresses"`
	ProxyURLs       []string      `mapstructure:"proxy_urls"`
	ControlAddr     string        `mapstructure:"control_addr"`
	ControlPassword string        `mapstructure:"control_password"`
	SocksHost       string        `mapstructure:"socks_host"`
	SocksBasePort   int           `mapstructure:"socks_base_port"`
	EchoURL         string        `mapstructure:"echo_url"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
}

// FetchConfig configures the content fetcher.
type FetchConfig struct {
	UserAgent  string        `mapstructure:"user_agent"`
	Timeout    time.Duration `mapstructure:"timeout"`
	PerHostRPS float64       `mapstructure:"per_host_rps"`
	Burst      int           `mapstructure:"burst"`
}

// GenerateConfig configures the completion client.
type GenerateConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	PrimaryPrompt   string        `mapstructure:"primary_prompt"`
	SecondaryPrompt string        `mapstructure:"secondary_prompt"`
}

// ArtifactsConfig selects the artifact store backend.
type ArtifactsConfig struct {
	// Backend is "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// ExportConfig configures the derived-artifact renderer.
type ExportConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Binary    string        `mapstructure:"binary"`
	ExtraArgs []string      `mapstructure:"extra_args"`
	OutputExt string        `mapstructure:"output_ext"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RetryConfig controls the retry interval and budget.
type RetryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// MaxAttempts turns a transient failure permanent once exceeded.
	// Zero means unbounded.
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LogConfig locates the outcome log.
type LogConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PublishConfig controls outcome publishing.
type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIGESTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.concurrency", 3)
	v.SetDefault("run.stage_timeout", "5m")
	v.SetDefault("identity.ledger_path", "data/identity_ledger.json")
	v.SetDefault("identity.cooldown", "1h")
	v.SetDefault("identity.max_rotation_attempts", 10)
	v.SetDefault("identity.acquire_timeout", "30s")
	v.SetDefault("identity.stale_after", "1h")
	v.SetDefault("rotation.mode", "static")
	v.SetDefault("rotation.addresses", []string{"direct"})
	v.SetDefault("rotation.socks_host", "127.0.0.1")
	v.SetDefault("rotation.settle_delay", "2s")
	v.SetDefault("fetch.user_agent", "digestry/0.1")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.per_host_rps", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("generate.timeout", "120s")
	v.SetDefault("generate.temperature", 0.7)
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.base_dir", "data/artifacts")
	v.SetDefault("export.enabled", false)
	v.SetDefault("export.binary", "pandoc")
	v.SetDefault("export.output_ext", ".pdf")
	v.SetDefault("export.timeout", "2m")
	v.SetDefault("retry.interval", "15m")
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.poll_interval", "15m")
	v.SetDefault("log.path", "data/job_log.jsonl")
	v.SetDefault("server.port", 8080)
	v.SetDefault("publish.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Identity.LedgerPath == "" {
		return fmt.Errorf("identity.ledger_path must be set")
	}
	if c.Log.Path == "" {
		return fmt.Errorf("log.path must be set")
	}
	switch c.Rotation.Mode {
	case "static":
		if len(c.Rotation.Addresses) == 0 {
			return fmt.Errorf("rotation.addresses must be set in static mode")
		}
	case "tor":
		if c.Rotation.ControlAddr == "" {
			return fmt.Errorf("rotation.control_addr must be set in tor mode")
		}
		if c.Rotation.SocksBasePort <= 0 {
			return fmt.Errorf("rotation.socks_base_port must be > 0 in tor mode")
		}
		if c.Rotation.EchoURL == "" {
			return fmt.Errorf("rotation.echo_url must be set in tor mode")
		}
	default:
		return fmt.Errorf("rotation.mode must be static or tor")
	}
	switch c.Artifacts.Backend {
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir must be set for local backend")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket must be set for gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be local or gcs")
	}
	if c.Export.Enabled && c.Export.Binary == "" {
		return fmt.Errorf("export.binary must be set when export is enabled")
	}
	if c.Publish.Enabled && (c.Publish.ProjectID == "" || c.Publish.Topic == "") {
		return fmt.Errorf("publish.project_id and publish.topic must be set when publishing is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
