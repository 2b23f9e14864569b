package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Whaleflow WhaleflowConfig `yaml:"whaleflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Feed      FeedConfig      `yaml:"feed"`
	Monitors  MonitorsConfig  `yaml:"monitors"`
	Summary   SummaryConfig   `yaml:"summary"`
	Sink      SinkConfig      `yaml:"sink"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type WhaleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	RawBuffer int `yaml:"raw_buffer"`
}

type FeedConfig struct {
	Binance ExchangeFeedConfig `yaml:"binance"`
	Bybit   ExchangeFeedConfig `yaml:"bybit"`
	Backoff BackoffConfig      `yaml:"backoff"`
}

type ExchangeFeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    bool          `yaml:"jitter"`
}

type MonitorsConfig struct {
	Trades       MonitorConfig `yaml:"trades"`
	Liquidations MonitorConfig `yaml:"liquidations"`
	Funding      FundingConfig `yaml:"funding"`
}

// MonitorConfig parameterizes one monitor profile. Breakpoints are USD
// notionals; a value exactly at a breakpoint classifies into the lower
// tier.
type MonitorConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Symbols        []string          `yaml:"symbols"`
	Breakpoints    BreakpointsConfig `yaml:"breakpoints"`
	FloorUSD       float64           `yaml:"floor_usd"`
	AlertFloorUSD  float64           `yaml:"alert_floor_usd"`
	BucketInterval time.Duration     `yaml:"bucket_interval"`
	DedupCapacity  int               `yaml:"dedup_capacity"`
}

type BreakpointsConfig struct {
	Notable float64 `yaml:"notable"`
	Large   float64 `yaml:"large"`
	Mega    float64 `yaml:"mega"`
}

type FundingConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
}

type SummaryConfig struct {
	Every int64 `yaml:"every"`
	TopK  int   `yaml:"top_k"`
}

type SinkConfig struct {
	Timezone    string        `yaml:"timezone"`
	EventsPath  string        `yaml:"events_path"`
	FundingPath string        `yaml:"funding_path"`
	Buffer      int           `yaml:"buffer"`
	Archive     ArchiveConfig `yaml:"archive"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LocalDir      string        `yaml:"local_dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// envRefRegexp matches ${VAR} references inside the raw yaml.
var envRefRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig reads, expands, parses and validates a configuration file.
// ${VAR} references resolve against the process environment before yaml
// parsing; unset variables expand to the empty string.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envRefRegexp.ReplaceAllStringFunc(string(data), func(ref string) string {
		name := envRefRegexp.FindStringSubmatch(ref)[1]
		return os.Getenv(name)
	})

	config := defaults()
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// standard AWS variables take precedence over file values
	if config.Sink.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sink.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sink.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sink.Archive.S3.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Channels: ChannelsConfig{RawBuffer: 1000},
		Feed: FeedConfig{
			Backoff: BackoffConfig{
				BaseDelay: time.Second,
				MaxDelay:  30 * time.Second,
				Jitter:    true,
			},
		},
		Monitors: MonitorsConfig{
			Trades: MonitorConfig{
				Breakpoints:    BreakpointsConfig{Notable: 15_000, Large: 50_000, Mega: 100_000},
				FloorUSD:       15_000,
				AlertFloorUSD:  15_000,
				BucketInterval: time.Second,
				DedupCapacity:  4096,
			},
			Liquidations: MonitorConfig{
				Breakpoints:    BreakpointsConfig{Notable: 25_000, Large: 100_000, Mega: 250_000},
				FloorUSD:       3_000,
				AlertFloorUSD:  3_000,
				BucketInterval: time.Second,
				DedupCapacity:  4096,
			},
			Funding: FundingConfig{Interval: 6 * time.Hour},
		},
		Summary: SummaryConfig{Every: 50, TopK: 5},
		Sink: SinkConfig{
			Timezone:   "UTC",
			EventsPath: "data/events.csv",
			Buffer:     256,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Whaleflow.Name == "" {
		return fmt.Errorf("whaleflow.name is required")
	}
	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if !cfg.Feed.Binance.Enabled && !cfg.Feed.Bybit.Enabled {
		return fmt.Errorf("at least one feed must be enabled")
	}
	if !cfg.Monitors.Trades.Enabled && !cfg.Monitors.Liquidations.Enabled && !cfg.Monitors.Funding.Enabled {
		return fmt.Errorf("at least one monitor must be enabled")
	}

	if err := validateMonitor("monitors.trades", cfg.Monitors.Trades, true); err != nil {
		return err
	}
	// binance liquidations arrive on a market-wide stream, so liquidation
	// monitors may run without a symbol list
	if err := validateMonitor("monitors.liquidations", cfg.Monitors.Liquidations, false); err != nil {
		return err
	}
	if cfg.Monitors.Funding.Enabled && len(cfg.Monitors.Funding.Symbols) == 0 {
		return fmt.Errorf("monitors.funding.symbols is required when the funding monitor is enabled")
	}

	if cfg.Sink.EventsPath == "" {
		return fmt.Errorf("sink.events_path is required")
	}
	if cfg.Monitors.Funding.Enabled && cfg.Sink.FundingPath == "" {
		return fmt.Errorf("sink.funding_path is required when the funding monitor is enabled")
	}
	if _, err := time.LoadLocation(cfg.Sink.Timezone); err != nil {
		return fmt.Errorf("sink.timezone %q is invalid: %w", cfg.Sink.Timezone, err)
	}

	if cfg.Sink.Archive.Enabled && cfg.Sink.Archive.LocalDir == "" && !cfg.Sink.Archive.S3.Enabled {
		return fmt.Errorf("sink.archive needs local_dir or s3 when enabled")
	}
	if cfg.Sink.Archive.S3.Enabled {
		if cfg.Sink.Archive.S3.Bucket == "" {
			return fmt.Errorf("sink.archive.s3.bucket is required when s3 is enabled")
		}
		if cfg.Sink.Archive.S3.Region == "" {
			return fmt.Errorf("sink.archive.s3.region is required when s3 is enabled")
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when cloudwatch is enabled")
	}

	return nil
}

func validateMonitor(name string, m MonitorConfig, requireSymbols bool) error {
	if !m.Enabled {
		return nil
	}
	if requireSymbols && len(m.Symbols) == 0 {
		return fmt.Errorf("%s.symbols is required when the monitor is enabled", name)
	}
	b := m.Breakpoints
	if b.Notable <= 0 || b.Large <= b.Notable || b.Mega <= b.Large {
		return fmt.Errorf("%s.breakpoints must be positive and ascending", name)
	}
	if m.FloorUSD < 0 || m.AlertFloorUSD < 0 {
		return fmt.Errorf("%s floors must not be negative", name)
	}
	return nil
}
