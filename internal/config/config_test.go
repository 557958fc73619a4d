package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := NewManager().Load()
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Concurrency)
	assert.Equal(t, 0, cfg.ConcurrencyLimit())
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.TargetTimeout)
	assert.Equal(t, time.Duration(0), cfg.TransferTimeout)
	assert.Equal(t, "streamed", cfg.Output)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestEnvironmentOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("GLUE_OUTPUT", "json")
	t.Setenv("GLUE_LOG_LEVEL", "debug")

	cfg, err := NewManager().Load()
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Output)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestBindFlagsPrecedence(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("GLUE_OUTPUT", "buffered")

	flags := pflag.NewFlagSet("glue", pflag.ContinueOnError)
	flags.String("output", "streamed", "")
	flags.Int("retries", 3, "")
	flags.Duration("target-timeout", 60*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--output=json", "--retries=5"}))

	m := NewManager()
	require.NoError(t, m.BindFlags(flags))

	cfg, err := m.Load()
	require.NoError(t, err)

	// Explicitly set flags win over the environment.
	assert.Equal(t, "json", cfg.Output)
	assert.Equal(t, 5, cfg.Retries)
	// Unset flags fall through to the defaults.
	assert.Equal(t, 60*time.Second, cfg.TargetTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	m := NewManager()

	valid := Config{
		Concurrency:     "10",
		Retries:         3,
		RetryBaseDelay:  time.Second,
		RetryMultiplier: 2.0,
		RetryMaxDelay:   30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		TargetTimeout:   time.Minute,
		Output:          "streamed",
		LogLevel:        "info",
		LogFormat:       "text",
	}
	require.NoError(t, m.Validate(&valid))

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non-numeric concurrency", func(c *Config) { c.Concurrency = "many" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = "0" }},
		{"zero retries", func(c *Config) { c.Retries = 0 }},
		{"multiplier below one", func(c *Config) { c.RetryMultiplier = 0.5 }},
		{"max delay below base", func(c *Config) { c.RetryMaxDelay = time.Millisecond }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"zero target timeout", func(c *Config) { c.TargetTimeout = 0 }},
		{"unknown output", func(c *Config) { c.Output = "xml" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "logfmt" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, m.Validate(&cfg))
		})
	}
}

func TestConcurrencyLimit(t *testing.T) {
	assert.Equal(t, 0, (&Config{Concurrency: "auto"}).ConcurrencyLimit())
	assert.Equal(t, 25, (&Config{Concurrency: "25"}).ConcurrencyLimit())
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir, which is unavailable before Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restoring working directory: %v", err)
		}
	})
}
