// Package conf loads the server configuration.
package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"kestrel/internal/blobstorage"
)

// Environment variables that override secrets from the config file.
const (
	EnvJWTSecret   = "KESTREL_JWT_SECRET"
	EnvS3AccessKey = "KESTREL_S3_ACCESS_KEY"
	EnvS3SecretKey = "KESTREL_S3_SECRET_KEY"
)

// SearchPaths are tried in order when no config path is given.
var SearchPaths = []string{
	"/etc/kestrel/kestrel.yaml",
	"./config/kestrel.yaml",
	"./kestrel.yaml",
	"./kestrel.toml",
}

type Config struct {
	Server      ServerConfig       `yaml:"server" toml:"server"`
	Database    DatabaseConfig     `yaml:"database" toml:"database"`
	BlobStorage blobstorage.Config `yaml:"blob_storage" toml:"blob_storage"`
	Auth        AuthConfig         `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Delivery    DeliveryConfig     `yaml:"delivery" toml:"delivery"`
	SASL        SASLConfig         `yaml:"sasl" toml:"sasl"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" toml:"addr"`
	Workers        int           `yaml:"workers" toml:"workers"`
	QueueSize      int           `yaml:"queue_size" toml:"queue_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	Greeting       string        `yaml:"greeting" toml:"greeting"`
	MaxLiteralSize int64         `yaml:"max_literal_size" toml:"max_literal_size"`
	MaxLineLength  int           `yaml:"max_line_length" toml:"max_line_length"`
}

// DatabaseConfig points at the sqlite database. An empty path keeps all
// mail in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type AuthConfig struct {
	// Domain is appended to bare usernames sent to the remote server.
	Domain        string `yaml:"domain" toml:"domain"`
	AuthServerURL string `yaml:"auth_server_url" toml:"auth_server_url"`
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer     string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	// Users maps usernames to bcrypt hashes.
	Users map[string]string `yaml:"users" toml:"users"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DeliveryConfig controls the LMTP listener. It is off unless an address
// is set.
type DeliveryConfig struct {
	Addr           string        `yaml:"addr" toml:"addr"` // host:port, or a path for a unix socket
	Hostname       string        `yaml:"hostname" toml:"hostname"`
	MaxSize        int64         `yaml:"max_size" toml:"max_size"`
	MaxRecipients  int           `yaml:"max_recipients" toml:"max_recipients"`
	Timeout        time.Duration `yaml:"timeout" toml:"timeout"`
	Mailbox        string        `yaml:"mailbox" toml:"mailbox"`
	AllowedDomains []string      `yaml:"allowed_domains" toml:"allowed_domains"`
}

// SASLConfig enables the MTA authentication socket when Socket is set.
type SASLConfig struct {
	Socket string `yaml:"socket" toml:"socket"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:3143",
			Workers:        10,
			QueueSize:      100,
			IdleTimeout:    30 * time.Minute,
			Greeting:       "Kestrel IMAP server ready",
			MaxLiteralSize: 50 << 20,
			MaxLineLength:  64 << 10,
		},
		Auth: AuthConfig{
			JWTIssuer: "kestrel",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Delivery: DeliveryConfig{
			Hostname:      "localhost",
			MaxSize:       50 << 20,
			MaxRecipients: 100,
			Timeout:       5 * time.Minute,
			Mailbox:       "INBOX",
		},
	}
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr is required")
	case c.Server.Workers <= 0:
		return errors.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	case c.Server.QueueSize <= 0:
		return errors.Errorf("server.queue_size must be positive, got %d", c.Server.QueueSize)
	case c.Server.IdleTimeout <= 0:
		return errors.New("server.idle_timeout must be positive")
	case c.Server.MaxLiteralSize <= 0:
		return errors.New("server.max_literal_size must be positive")
	case c.Server.MaxLineLength < 1024:
		return errors.Errorf("server.max_line_length must be at least 1024, got %d", c.Server.MaxLineLength)
	case c.BlobStorage.Enabled && c.BlobStorage.Bucket == "":
		return errors.New("blob_storage.bucket is required when blob storage is enabled")
	}

	if c.Delivery.Addr != "" {
		switch {
		case c.Delivery.MaxSize <= 0:
			return errors.New("delivery.max_size must be positive")
		case c.Delivery.MaxRecipients <= 0:
			return errors.New("delivery.max_recipients must be positive")
		case c.Delivery.Timeout <= 0:
			return errors.New("delivery.timeout must be positive")
		case c.Delivery.Mailbox == "":
			return errors.New("delivery.mailbox is required")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "logfmt":
	default:
		return errors.Errorf("logging.format %q is not one of json, logfmt", c.Logging.Format)
	}
	return nil
}

// LoadConfig reads the file at path over the defaults, applies secrets from
// .env and the environment, and validates the result. With an empty path the
// SearchPaths are tried; finding none of them is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range SearchPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := decodeFile(filepath.Clean(path), cfg); err != nil {
			return nil, err
		}
	}

	if err := LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return errors.Wrapf(err, "parse toml config %s", path)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "parse yaml config %s", path)
		}
	}
	return nil
}

// LoadEnvFile exports the variables of a dotenv file that are not already
// set. A missing file is ignored.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		cfg.BlobStorage.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		cfg.BlobStorage.SecretKey = v
	}
}
