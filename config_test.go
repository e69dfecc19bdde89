package keyalloc_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ka "github.com/ineyio/keyalloc"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyalloc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KEYALLOC_TEST_DSN", "postgres://u:p@db/keys")

	path := writeConfig(t, `
store:
  driver: postgres
  dsn: ${KEYALLOC_TEST_DSN}
ceilings:
  requests: 60
  tokens: 1000000
services:
  openai:
    requests: 500
throttle:
  min_interval: 30s
  policy: block
backoff:
  mode: exponential
  base: 30s
  max: 10m
`)

	cfg, err := ka.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db/keys", cfg.Store.DSN)
	assert.Equal(t, "keyalloc_", cfg.Store.TablePrefix)
	assert.Equal(t, 30*time.Second, cfg.Throttle.MinInterval)
	assert.Equal(t, ka.ThrottleBlock, cfg.Throttle.Policy)
	assert.Equal(t, ka.BackoffExponential, cfg.Backoff.Mode)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 0.9, cfg.Notify.WarnRatio)
	assert.Equal(t, 2*time.Second, cfg.Notify.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Equal(t, ka.Ceilings{Requests: 500, Tokens: 1_000_000}, cfg.CeilingsFor("openai"))
	assert.Equal(t, ka.Ceilings{Requests: 60, Tokens: 1_000_000}, cfg.CeilingsFor("gemini"))
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := ka.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ka.ErrConfiguration)

	_, err = ka.LoadConfig(writeConfig(t, "ceilings: [1, 2"))
	require.ErrorIs(t, err, ka.ErrConfiguration)

	_, err = ka.LoadConfig(writeConfig(t, "ceilings:\n  requests: 10\n"))
	require.ErrorIs(t, err, ka.ErrConfiguration)
	assert.Contains(t, err.Error(), "ceilings.tokens")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() ka.Config {
		return ka.Config{Ceilings: ka.Ceilings{Requests: 60, Tokens: 1000}}.WithDefaults()
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*ka.Config)
		msg    string
	}{
		{"missing request ceiling", func(c *ka.Config) { c.Ceilings.Requests = 0 }, "ceilings.requests"},
		{"negative service ceiling", func(c *ka.Config) { c.Services = map[string]ka.Ceilings{"x": {Requests: -1}} }, "services[x]"},
		{"unknown policy", func(c *ka.Config) { c.Policy = "cheapest" }, "policy"},
		{"unknown store", func(c *ka.Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without dsn", func(c *ka.Config) { c.Store.Driver = "sqlite" }, "store.dsn"},
		{"redis without addr", func(c *ka.Config) { c.Cache.Driver = "redis" }, "cache.addr"},
		{"unknown cache", func(c *ka.Config) { c.Cache.Driver = "memcached" }, "cache.driver"},
		{"negative interval", func(c *ka.Config) { c.Throttle.MinInterval = -time.Second }, "min_interval"},
		{"unknown throttle", func(c *ka.Config) { c.Throttle.Policy = "wait" }, "throttle.policy"},
		{"unknown backoff", func(c *ka.Config) { c.Backoff.Mode = "linear" }, "backoff.mode"},
		{"max below base", func(c *ka.Config) {
			c.Backoff = ka.BackoffConfig{Mode: ka.BackoffExponential, Base: time.Minute, Max: time.Second}
		}, "backoff.max"},
		{"warn ratio", func(c *ka.Config) { c.Notify.WarnRatio = 1.5 }, "warn_ratio"},
		{"negative webhook timeout", func(c *ka.Config) { c.Notify.Timeout = -time.Second }, "notify.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ka.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestBackoff_Duration(t *testing.T) {
	fixed := ka.BackoffConfig{Mode: ka.BackoffFixed, Base: time.Minute, Max: time.Hour}
	assert.Equal(t, time.Minute, fixed.Duration(0))
	assert.Equal(t, time.Minute, fixed.Duration(7))

	exp := ka.BackoffConfig{Mode: ka.BackoffExponential, Base: time.Minute, Max: 10 * time.Minute}
	assert.Equal(t, time.Minute, exp.Duration(0))
	assert.Equal(t, 2*time.Minute, exp.Duration(1))
	assert.Equal(t, 8*time.Minute, exp.Duration(3))
	assert.Equal(t, 10*time.Minute, exp.Duration(4))
	assert.Equal(t, 10*time.Minute, exp.Duration(1000))
}
