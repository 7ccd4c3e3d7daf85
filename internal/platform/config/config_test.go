package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, 80.0, cfg.Consensus.QuorumThreshold)
		assert.Equal(t, 2*time.Second, cfg.Consensus.SourceTimeout)
		assert.Equal(t, BackendMemory, cfg.History.Backend)
		assert.False(t, cfg.Kafka.Enabled())
	})

	t.Run("file overrides defaults and expands env", func(t *testing.T) {
		t.Setenv("TEST_PG_PASSWORD", "s3cret")
		path := writeConfig(t, `
consensus:
  quorum_threshold: 66.5
  source_timeout: 750ms
history:
  backend: postgres
  postgres_dsn: postgres://oracle:${TEST_PG_PASSWORD}@db/oracle
kafka:
  brokers: [broker-1:9092, broker-2:9092]
sources:
  - id: indexer-a
    chain: ethereum
    url: https://indexer-a.example.org
    api_key: ${TEST_PG_PASSWORD}
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 66.5, cfg.Consensus.QuorumThreshold)
		assert.Equal(t, 750*time.Millisecond, cfg.Consensus.SourceTimeout)
		assert.Equal(t, 16, cfg.Consensus.MaxParallel, "unset fields keep defaults")
		assert.Equal(t, "postgres://oracle:s3cret@db/oracle", cfg.History.PostgresDSN)
		assert.True(t, cfg.Kafka.Enabled())
		require.Len(t, cfg.Sources, 1)
		assert.Equal(t, "s3cret", cfg.Sources[0].APIKey)
	})

	t.Run("environment wins over the file", func(t *testing.T) {
		t.Setenv("ORACLE_CONSENSUS_QUORUM_THRESHOLD", "90")
		t.Setenv("ORACLE_EVIDENCE_KEYS", "k1:0123456789abcdef,k2:fedcba9876543210")
		t.Setenv("ORACLE_EVIDENCE_ACTIVE_KEY", "k2")
		path := writeConfig(t, "consensus:\n  quorum_threshold: 70\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 90.0, cfg.Consensus.QuorumThreshold)
		assert.Equal(t, "fedcba9876543210", cfg.Evidence.Keys["k2"])
		assert.Equal(t, "k2", cfg.Evidence.ActiveKey)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quorum above 100", func(c *Config) { c.Consensus.QuorumThreshold = 101 }},
		{"no responders", func(c *Config) { c.Consensus.MinResponders = 0 }},
		{"unknown backend", func(c *Config) { c.History.Backend = "sqlite" }},
		{"bolt without path", func(c *Config) { c.History.Backend = BackendBolt }},
		{"postgres without dsn", func(c *Config) { c.History.Backend = BackendPostgres }},
		{"redis locker without url", func(c *Config) { c.Encumbrance.Locker = LockerRedis }},
		{"active key not configured", func(c *Config) {
			c.Evidence.Keys = map[string]string{"k1": "0123456789abcdef"}
			c.Evidence.ActiveKey = "k9"
		}},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"source without url", func(c *Config) { c.Sources = []Source{{ID: "a", Chain: "ethereum"}} }},
		{"duplicate source", func(c *Config) {
			src := Source{ID: "a", Chain: "ethereum", URL: "https://indexer.example.org"}
			c.Sources = []Source{src, src}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
