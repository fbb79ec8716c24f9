// ABOUTME: Tests for configuration loading
// ABOUTME: Covers YAML parsing, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: /var/lib/parley/parley.db
auth:
  jwt_secret: super-secret
  token_ttl: 12h
uploads:
  dir: /var/lib/parley/uploads
  max_bytes: 5242880
logging:
  level: debug
  format: json
metrics:
  enabled: true
  path: /metrics
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/parley/parley.db", cfg.Database.Path)
	assert.Equal(t, "super-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, int64(5242880), cfg.Uploads.MaxBytes)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: parley.db
auth:
  jwt_secret: super-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenTTL, cfg.Auth.TokenTTL)
	assert.Equal(t, "uploads", cfg.Uploads.Dir)
	assert.Equal(t, int64(DefaultUploadMaxBytes), cfg.Uploads.MaxBytes)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PARLEY_TEST_SECRET", "from-env")
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: parley.db
auth:
  jwt_secret: ${PARLEY_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing http_addr",
			"database:\n  path: db\nauth:\n  jwt_secret: s\n",
			"http_addr",
		},
		{
			"missing database path",
			"server:\n  http_addr: ':8080'\nauth:\n  jwt_secret: s\n",
			"database.path",
		},
		{
			"missing jwt secret",
			"server:\n  http_addr: ':8080'\ndatabase:\n  path: db\n",
			"jwt_secret",
		},
		{
			"bad token ttl",
			"server:\n  http_addr: ':8080'\ndatabase:\n  path: db\nauth:\n  jwt_secret: s\n  token_ttl: tomorrow\n",
			"token_ttl",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
