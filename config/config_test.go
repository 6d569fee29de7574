package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/zula-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, messaging.UnknownService, cfg.Service.Name)
	assert.Equal(t, messaging.DefaultTopologyOptions(), cfg.Topology())
	assert.Equal(t, LedgerNone, cfg.Ledger.Driver)
	assert.Equal(t, -1, cfg.Broker.MaxReconnects)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("empty filename returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "zula.yaml")
		data := `
service:
  name: Billing
queue:
  prefix: ""
broker:
  url: memory://
  confirm: true
  confirm_timeout: 2s
ledger:
  driver: badger
  badger_in_memory: true
log:
  level: debug
  format: json
provision:
  message_types: [OrderCreated, PaymentReceived]
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "Billing", cfg.Service.Name)
		assert.Empty(t, cfg.Topology().QueuePrefix)
		assert.True(t, cfg.Queue.AutoCreate)
		assert.Equal(t, "memory://", cfg.Broker.URL)
		assert.Equal(t, 2*time.Second, cfg.Broker.ConfirmTimeout)
		assert.Equal(t, LedgerBadger, cfg.Ledger.Driver)
		assert.Equal(t, []string{"OrderCreated", "PaymentReceived"}, cfg.Provision.MessageTypes)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service: [unclosed"), 0o644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty service", func(c *Config) { c.Service.Name = " " }, "service.name"},
		{"empty url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"negative prefetch", func(c *Config) { c.Broker.Prefetch = -1 }, "broker.prefetch"},
		{"zero pool", func(c *Config) { c.Broker.ChannelPoolSize = 0 }, "channel_pool_size"},
		{"confirm without timeout", func(c *Config) {
			c.Broker.Confirm = true
			c.Broker.ConfirmTimeout = 0
		}, "confirm_timeout"},
		{"breaker without threshold", func(c *Config) {
			c.Broker.Breaker.Enabled = true
			c.Broker.Breaker.FailureThreshold = 0
		}, "failure_threshold"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "sqlite" }, "ledger.driver"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Driver = LedgerPostgres }, "ledger.dsn"},
		{"mysql without dsn", func(c *Config) { c.Ledger.Driver = LedgerMySQL }, "ledger.dsn"},
		{"badger without dir", func(c *Config) { c.Ledger.Driver = LedgerBadger }, "badger_dir"},
		{"unknown serializer", func(c *Config) { c.Serializer = "avro" }, "serializer"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"blank provision type", func(c *Config) { c.Provision.MessageTypes = []string{"A", ""} }, "provision.message_types[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	cfg := Default()
	cfg.Service.Name = "inventory"
	cfg.Ledger.Driver = LedgerMemory
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	t.Run("json at warn", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

		logger.Info("hidden")
		logger.Warn("shown", "queue", "zula.billing.ordercreated")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `"msg":"shown"`)
		assert.Contains(t, out, `"queue":"zula.billing.ordercreated"`)
	})

	t.Run("text at debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: "debug", Format: "text"}, &buf)

		logger.Debug("declared exchange")
		assert.Contains(t, buf.String(), "msg=\"declared exchange\"")
	})
}
