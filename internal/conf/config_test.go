package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Server.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Server.IdleTimeout)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "kestrel.yaml", `server:
  addr: 0.0.0.0:143
  workers: 4
  idle_timeout: 5m
database:
  path: /var/lib/kestrel/mail.db
auth:
  domain: example.com
  auth_server_url: https://auth.example.com
blob_storage:
  enabled: true
  bucket: mail
  endpoint: http://localhost:9000
logging:
  level: debug
delivery:
  addr: /run/kestrel/lmtp.sock
  allowed_domains: [example.com]
  timeout: 2m
sasl:
  socket: /var/spool/postfix/private/auth
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:143", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, 100, cfg.Server.QueueSize, "unset keys keep their defaults")
	assert.Equal(t, "/var/lib/kestrel/mail.db", cfg.Database.Path)
	assert.Equal(t, "example.com", cfg.Auth.Domain)
	assert.Equal(t, "https://auth.example.com", cfg.Auth.AuthServerURL)
	assert.True(t, cfg.BlobStorage.Enabled)
	assert.Equal(t, "mail", cfg.BlobStorage.Bucket)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/run/kestrel/lmtp.sock", cfg.Delivery.Addr)
	assert.Equal(t, []string{"example.com"}, cfg.Delivery.AllowedDomains)
	assert.Equal(t, 2*time.Minute, cfg.Delivery.Timeout)
	assert.Equal(t, "INBOX", cfg.Delivery.Mailbox)
	assert.Equal(t, "/var/spool/postfix/private/auth", cfg.SASL.Socket)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, "kestrel.toml", `
[server]
addr = "127.0.0.1:1143"
workers = 2
idle_timeout = "90s"

[logging]
format = "logfmt"

[auth.users]
alice = "$2a$10$abcdefghijklmnopqrstuv"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1143", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Server.Workers)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, "logfmt", cfg.Logging.Format)
	assert.Contains(t, cfg.Auth.Users, "alice")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [unclosed\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeFile(t, "kestrel.yaml", "server:\n  workers: -1\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.workers")
}

func TestLoadConfig_EnvironmentOverridesSecrets(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvS3AccessKey, "AKIA")
	t.Setenv(EnvS3SecretKey, "shh")
	path := writeFile(t, "kestrel.yaml", "auth:\n  jwt_secret: from-file\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "AKIA", cfg.BlobStorage.AccessKey)
	assert.Equal(t, "shh", cfg.BlobStorage.SecretKey)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "KESTREL_TEST_VALUE=dotenv\n")
	t.Setenv("KESTREL_TEST_VALUE", "")
	os.Unsetenv("KESTREL_TEST_VALUE")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "dotenv", os.Getenv("KESTREL_TEST_VALUE"))

	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no addr", func(c *Config) { c.Server.Addr = "" }},
		{"no queue", func(c *Config) { c.Server.QueueSize = 0 }},
		{"short lines", func(c *Config) { c.Server.MaxLineLength = 10 }},
		{"bucket", func(c *Config) { c.BlobStorage.Enabled = true }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
		{"delivery size", func(c *Config) { c.Delivery.Addr = "127.0.0.1:24"; c.Delivery.MaxSize = 0 }},
		{"delivery mailbox", func(c *Config) { c.Delivery.Addr = "127.0.0.1:24"; c.Delivery.Mailbox = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
