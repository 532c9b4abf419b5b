package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("KAIGRAPH_DATA", "/var/lib/kaigraph")
	t.Setenv("KAIGRAPH_PER_OWNER_LIMIT", "8")
	t.Setenv("KAIGRAPH_DEBOUNCE_INTERVAL", "250ms")
	t.Setenv("KAIGRAPH_BADGER_IN_MEMORY", "true")
	t.Setenv("KAIGRAPH_MAX_ACTIVE_OWNERS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, "/var/lib/kaigraph", cfg.DataDir)
	assert.Equal(t, 8, cfg.PerOwnerLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceInterval)
	assert.True(t, cfg.BadgerInMemory)
	assert.Equal(t, 0, cfg.MaxActiveOwners, "invalid values fall back to the default")
	assert.Equal(t, filepath.Join("/var/lib/kaigraph", "kaigraph.db"), cfg.SQLitePath())
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kaigraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_format: json
nats_url: nats://localhost:4222
per_owner_limit: 2
rebase_poll: 5s
`), 0o644))

	cfg := FromEnv()
	cfg.DataDir = "/data"
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 2, cfg.PerOwnerLimit)
	assert.Equal(t, 5*time.Second, cfg.RebasePoll)
	assert.Equal(t, "/data", cfg.DataDir, "keys absent from the file are kept")

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"no data dir", func(c *Config) { c.DataDir = "" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"zero owner limit", func(c *Config) { c.PerOwnerLimit = 0 }, false},
		{"negative owners", func(c *Config) { c.MaxActiveOwners = -1 }, false},
		{"zero poll", func(c *Config) { c.RebasePoll = 0 }, false},
		{"short lease", func(c *Config) {
			c.NATSURL = "nats://x"
			c.LeaseTTL = time.Millisecond
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
