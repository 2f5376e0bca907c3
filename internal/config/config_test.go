package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "underwrite.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 3, cfg.Store.RetryAttempts)
	assert.Equal(t, 50, cfg.Store.RetryBackoffMs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 20.0, cfg.Server.RateLimitRPS, 0.001)
	assert.Equal(t, 40, cfg.Server.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Empty(t, cfg.Policy.Posture)
	assert.Equal(t, "default", cfg.Engine.OrgID)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentDeals)
	assert.Equal(t, "djb2", cfg.Engine.HashAlgorithm)
	assert.True(t, cfg.Engine.Persist)
	assert.Equal(t, 1024, cfg.Engine.MemoSize)
	assert.InDelta(t, 0.007, cfg.Closing.Rates.DeedStamps.Default, 1e-9)
	assert.InDelta(t, 0.0105, cfg.Closing.Rates.DeedStamps.MiamiDadeOther, 1e-9)
	assert.InDelta(t, 5.75, cfg.Closing.Rates.Title.TierOnePerK, 1e-9)
	assert.InDelta(t, 8.50, cfg.Closing.Rates.Recording.AdditionalPage, 1e-9)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/underwrite
log:
  level: debug
  format: console
policy:
  path: policy.yaml
  posture: conservative
engine:
  hash_algorithm: sha256
closing:
  rates:
    note_stamps: 0.004
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "policy.yaml", cfg.Policy.Path)
	assert.Equal(t, "conservative", cfg.Policy.Posture)
	assert.Equal(t, "sha256", cfg.Engine.HashAlgorithm)
	assert.InDelta(t, 0.004, cfg.Closing.Rates.NoteStamps, 1e-9)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.002, cfg.Closing.Rates.Intangible, 1e-9)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("UNDERWRITE_STORE_DRIVER", "postgres")
	t.Setenv("UNDERWRITE_LOG_LEVEL", "warn")
	t.Setenv("UNDERWRITE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "underwrite.db"
	cfg.Server.Port = 8080
	cfg.Server.RateLimitRPS = 20
	cfg.Server.RateLimitBurst = 40
	cfg.Engine.MaxConcurrentDeals = 8
	cfg.Engine.HashAlgorithm = "djb2"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		mode    string
		wantErr []string
	}{
		{name: "compute defaults", mode: "compute"},
		{name: "store defaults", mode: "store"},
		{name: "serve defaults", mode: "serve"},
		{
			name:   "compute ignores store",
			mode:   "compute",
			mutate: func(c *Config) { c.Store.DatabaseURL = "" },
		},
		{
			name:    "store requires url",
			mode:    "store",
			mutate:  func(c *Config) { c.Store.DatabaseURL = "" },
			wantErr: []string{"store.database_url is required"},
		},
		{
			name:    "negative retry attempts",
			mode:    "store",
			mutate:  func(c *Config) { c.Store.RetryAttempts = -1 },
			wantErr: []string{"store.retry_attempts must be >= 0"},
		},
		{
			name:    "unknown driver",
			mode:    "store",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: []string{"store.driver must be postgres or sqlite"},
		},
		{
			name: "serve port and limits",
			mode: "serve",
			mutate: func(c *Config) {
				c.Server.Port = 0
				c.Server.RateLimitRPS = 0
				c.Server.RateLimitBurst = 0
			},
			wantErr: []string{"server.port must be > 0", "rate_limit_rps", "rate_limit_burst"},
		},
		{
			name:    "concurrency bounds",
			mode:    "compute",
			mutate:  func(c *Config) { c.Engine.MaxConcurrentDeals = 65 },
			wantErr: []string{"max_concurrent_deals must be between 1 and 64"},
		},
		{
			name:    "hash algorithm",
			mode:    "compute",
			mutate:  func(c *Config) { c.Engine.HashAlgorithm = "md5" },
			wantErr: []string{"hash_algorithm"},
		},
		{
			name:    "unknown mode",
			mode:    "bogus",
			wantErr: []string{"unknown mode"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
