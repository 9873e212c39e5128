package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Zero(t, cfg.Server.WriteTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "audit-workers", cfg.NATS.QueueGroup)
	assert.Equal(t, "audit.events.>", cfg.NATS.Subjects.Events)
	assert.Equal(t, "audit.notify.>", cfg.NATS.Subjects.Notify)
	assert.Equal(t, "AUDIT", cfg.NATS.JetStream.Stream)
	assert.Equal(t, 7*24*time.Hour, cfg.NATS.JetStream.MaxAge)
	assert.Equal(t, repository.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "file://migrations", cfg.Storage.Postgres.Migrations)
	assert.Equal(t, int32(25), cfg.Storage.Postgres.MaxConns)
	assert.True(t, cfg.FileMirror.Enabled)
	assert.Equal(t, 32, cfg.Notifications.BufferSize)
	assert.Equal(t, "audit.notifications", cfg.Notifications.Relay.Subject)
	assert.Equal(t, 10*time.Second, cfg.Redis.FlushInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Nil(t, cfg.ForwardRules())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  cors_origins: ["https://console.example.com"]
nats:
  url: nats://bus:4222
  jetstream:
    enabled: true
  forward:
    - from: audit.events.iam
      to: bank.audit.iam
    - from: audit.events.*
      to: bank.audit.all
storage:
  backend: Postgres
  postgres:
    url: postgres://u:p@db:5432/audit
auth:
  jwt_secret: s3cret
  allowed_scopes: [audit.read]
filemirror:
  path: /tmp/audit
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.NATS.JetStream.Enabled)
	assert.Equal(t, repository.BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, []string{"audit.read"}, cfg.Auth.AllowedScopes)
	assert.Equal(t, map[string]string{
		"audit.events.iam": "bank.audit.iam",
		"audit.events.*":   "bank.audit.all",
	}, cfg.ForwardRules())
	require.NoError(t, cfg.Validate())

	rc := cfg.RepositoryConfig()
	assert.Equal(t, "postgres://u:p@db:5432/audit", rc.Postgres.URL)
	assert.Equal(t, "file://migrations", rc.Postgres.Migrations)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUDIT_STORAGE_BACKEND", "opensearch")
	t.Setenv("AUDIT_STORAGE_OPENSEARCH_URL", "https://search:9200")
	t.Setenv("AUDIT_AUTH_JWT_SECRET", "from-env")
	t.Setenv("AUDIT_REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "storage:\n  backend: mongo\n"))
	require.NoError(t, err)

	assert.Equal(t, repository.BackendOpenSearch, cfg.Storage.Backend)
	assert.Equal(t, "https://search:9200", cfg.Storage.OpenSearch.URL)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: x\n"))
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"backend", func(c *Config) { c.Storage.Backend = "cassandra" }, `unknown storage.backend "cassandra"`},
		{"mongo uri", func(c *Config) { c.Storage.Backend = repository.BackendMongo; c.Storage.Mongo.URI = "" }, "storage.mongo.uri"},
		{"mirror path", func(c *Config) { c.FileMirror.Path = "" }, "filemirror.path"},
		{"buffer", func(c *Config) { c.Notifications.BufferSize = 1000 }, "buffer_size"},
		{"secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"forward", func(c *Config) { c.NATS.Forward = []ForwardRule{{From: "audit.events.iam"}} }, "nats.forward[0]"},
		{"redis", func(c *Config) { c.Redis.Enabled = true; c.Redis.URL = "" }, "redis.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("auth disabled needs no secret", func(t *testing.T) {
		cfg := valid(t)
		cfg.Auth.JWTSecret = ""
		cfg.Auth.Disabled = true
		assert.NoError(t, cfg.Validate())
	})
}
