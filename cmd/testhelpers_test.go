package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/underwrite-cli/internal/config"
	"github.com/sells-group/underwrite-cli/internal/cost"
)

// useConfig swaps the package config for the duration of the test.
func useConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "runs.db")
	c.Engine.OrgID = "org-1"
	c.Engine.MaxConcurrentDeals = 4
	c.Engine.HashAlgorithm = "djb2"
	c.Engine.Persist = true
	c.Closing.Rates = cost.DefaultRates()
	return c
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const testPolicyYAML = `
policy:
  version: "2025.10"
  default_posture: base
  postures:
    base:
      tokens:
        default_cash_close_add_days: 35
        mao_aiv_cap_pct: 0.8
    conservative:
      tokens:
        default_cash_close_add_days: 35
        mao_aiv_cap_pct: 0.7
`
