package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Polyflow  PolyflowConfig  `yaml:"polyflow"`
	Service   ServiceConfig   `yaml:"service"`
	Feed      FeedConfig      `yaml:"feed"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type PolyflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServiceConfig struct {
	// SnapshotInterval is the number of events between projection
	// snapshots; 0 disables snapshotting.
	SnapshotInterval uint64 `yaml:"snapshot_interval"`
}

type FeedConfig struct {
	URL                 string `yaml:"url"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds"`
}

// PingInterval converts the configured seconds into a duration.
func (f FeedConfig) PingInterval() time.Duration {
	return time.Duration(f.PingIntervalSeconds) * time.Second
}

type DiscoveryConfig struct {
	Enabled             bool   `yaml:"enabled"`
	GammaAPIBaseURL     string `yaml:"gamma_api_base_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MarketsPerPoll      int    `yaml:"markets_per_poll"`
	MaxTrackedMarkets   int    `yaml:"max_tracked_markets"`
}

// PollInterval converts the configured seconds into a duration.
func (d DiscoveryConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

type StorageConfig struct {
	// Backend selects the repository binding: memory, local or s3.
	Backend         string   `yaml:"backend"`
	DataDirectory   string   `yaml:"data_directory"`
	WriteBufferSize int      `yaml:"write_buffer_size"`
	Compression     string   `yaml:"compression"`
	S3              S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket           string `yaml:"bucket"`
	Prefix           string `yaml:"prefix"`
	Region           string `yaml:"region"`
	EndpointOverride string `yaml:"endpoint_override"`
	Scheme           string `yaml:"scheme"`
	PathStyle        bool   `yaml:"path_style"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

// LoadConfig reads the yaml configuration, expands ${ENV} references,
// applies environment overrides for credentials, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	config := Config{
		Service: ServiceConfig{SnapshotInterval: 10},
		Feed: FeedConfig{
			URL:                 "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			PingIntervalSeconds: 30,
		},
		Discovery: DiscoveryConfig{
			GammaAPIBaseURL:     "https://gamma-api.polymarket.com",
			PollIntervalSeconds: 60,
			MarketsPerPoll:      20,
			MaxTrackedMarkets:   100,
		},
		Storage: StorageConfig{
			Backend:         "local",
			DataDirectory:   "data",
			WriteBufferSize: 4096,
			Compression:     "snappy",
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.Backend == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory", "local", "s3":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "local" && cfg.Storage.DataDirectory == "" {
		return fmt.Errorf("local backend requires data_directory")
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3 backend requires a bucket")
	}
	if cfg.Storage.WriteBufferSize < 1 {
		return fmt.Errorf("write_buffer_size must be positive, got %d", cfg.Storage.WriteBufferSize)
	}
	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed url must not be empty")
	}
	if cfg.Discovery.Enabled {
		if cfg.Discovery.GammaAPIBaseURL == "" {
			return fmt.Errorf("discovery requires gamma_api_base_url")
		}
		if cfg.Discovery.MaxTrackedMarkets < 1 {
			return fmt.Errorf("max_tracked_markets must be positive")
		}
	}
	return nil
}
