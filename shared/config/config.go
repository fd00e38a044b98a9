package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	YouTube    YouTubeConfig    `yaml:"youtube"`
	AWS        AWSConfig        `yaml:"aws"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Email      EmailConfig      `yaml:"email"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	WorkDir    string           `yaml:"work_dir"`
	Schedule   string           `yaml:"schedule"`
}

type YouTubeConfig struct {
	Credentials        []CredentialConfig `yaml:"credentials"`
	RequestsPerSecond  float64            `yaml:"requests_per_second"`
	CallTimeoutSeconds int                `yaml:"call_timeout_seconds"`
	// Endpoint overrides the API base URL; empty means the public API
	Endpoint string `yaml:"endpoint"`
}

type CredentialConfig struct {
	DeveloperKey string `yaml:"developer_key"`
}

// DeveloperKeys returns the configured keys in pool order, skipping blanks
func (y *YouTubeConfig) DeveloperKeys() []string {
	keys := make([]string, 0, len(y.Credentials))
	for _, c := range y.Credentials {
		if k := strings.TrimSpace(c.DeveloperKey); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (y *YouTubeConfig) CallTimeout() time.Duration {
	return time.Duration(y.CallTimeoutSeconds) * time.Second
}

type AWSConfig struct {
	Region string `yaml:"region" env:"AWS_REGION"`
	// S3Admin receives query engine results
	S3Admin string `yaml:"s3-admin" env:"S3_ADMIN_BUCKET"`
	// S3Data receives harvested batches
	S3Data     string `yaml:"s3-data" env:"S3_DATA_BUCKET"`
	AthenaData string `yaml:"athena-data" env:"ATHENA_DATABASE"`
	Workgroup  string `yaml:"athena-workgroup"`
}

type StorageConfig struct {
	// Backend is "s3" (default) or "fs". With "fs" batches stay local and
	// tables are not registered in the catalog.
	Backend  string `yaml:"backend"`
	LocalDir string `yaml:"local_dir"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type EmailConfig struct {
	SMTPServer string `yaml:"smtp_server"`
	SMTPPort   int    `yaml:"smtp_port"`
	Username   string `yaml:"username" env:"EMAIL_USERNAME"`
	Password   string `yaml:"password" env:"EMAIL_PASSWORD"`
	FromEmail  string `yaml:"from_email"`
	ToEmail    string `yaml:"to_email"`
}

// Enabled reports whether failure alerts should be mailed
func (e *EmailConfig) Enabled() bool {
	return e.SMTPServer != "" && e.ToEmail != ""
}

type MonitoringConfig struct {
	HealthPort int `yaml:"health_port"`
}

// Fetcher reads a configuration blob from a remote location such as s3://bucket/key
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Load reads the configuration named by CONFIG_FILE (default config.yaml).
// Remote locations are read through fetch, which may be nil when only local
// files are expected.
func Load(ctx context.Context, fetch Fetcher) (*Config, error) {
	_ = godotenv.Load()

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(configFile, "s3://") {
		if fetch == nil {
			return nil, fmt.Errorf("no fetcher available for remote config %s", configFile)
		}
		data, err = fetch(ctx, configFile)
	} else {
		data, err = os.ReadFile(configFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies environment fallbacks and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.YouTube.DeveloperKeys()) == 0 {
		for _, key := range strings.Split(os.Getenv("YOUTUBE_DEVELOPER_KEYS"), ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.YouTube.Credentials = append(cfg.YouTube.Credentials, CredentialConfig{DeveloperKey: key})
			}
		}
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = os.Getenv("AWS_REGION")
	}
	if cfg.AWS.S3Admin == "" {
		cfg.AWS.S3Admin = os.Getenv("S3_ADMIN_BUCKET")
	}
	if cfg.AWS.S3Data == "" {
		cfg.AWS.S3Data = os.Getenv("S3_DATA_BUCKET")
	}
	if cfg.AWS.AthenaData == "" {
		cfg.AWS.AthenaData = os.Getenv("ATHENA_DATABASE")
	}
	if cfg.Email.Username == "" {
		cfg.Email.Username = os.Getenv("EMAIL_USERNAME")
	}
	if cfg.Email.Password == "" {
		cfg.Email.Password = os.Getenv("EMAIL_PASSWORD")
	}

	if cfg.YouTube.CallTimeoutSeconds == 0 {
		cfg.YouTube.CallTimeoutSeconds = 30
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.AWS.Workgroup == "" {
		cfg.AWS.Workgroup = "primary"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "data/objects"
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "data/ledger.db"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "tmp"
	}
	if cfg.Monitoring.HealthPort == 0 {
		cfg.Monitoring.HealthPort = 8080
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 0 3 * * *" // Daily at 3 AM
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.YouTube.DeveloperKeys()) == 0 {
		return fmt.Errorf("at least one YouTube developer key is required (set YOUTUBE_DEVELOPER_KEYS or youtube.credentials)")
	}
	if c.YouTube.RequestsPerSecond < 0 {
		return fmt.Errorf("youtube.requests_per_second must not be negative")
	}
	if c.YouTube.CallTimeoutSeconds < 0 {
		return fmt.Errorf("youtube.call_timeout_seconds must not be negative")
	}
	if c.AWS.S3Admin == "" {
		return fmt.Errorf("query result bucket is required (set S3_ADMIN_BUCKET or aws.s3-admin)")
	}
	if c.AWS.S3Data == "" {
		return fmt.Errorf("data bucket is required (set S3_DATA_BUCKET or aws.s3-data)")
	}
	if c.AWS.AthenaData == "" {
		return fmt.Errorf("Athena database is required (set ATHENA_DATABASE or aws.athena-data)")
	}
	switch c.Storage.Backend {
	case "s3", "fs":
	default:
		return fmt.Errorf("unknown storage backend %q (valid: s3, fs)", c.Storage.Backend)
	}
	if c.Email.Enabled() && c.Email.FromEmail == "" {
		return fmt.Errorf("email.from_email is required when alerts are enabled")
	}
	return nil
}
