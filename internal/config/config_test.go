package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8004", cfg.Port)
	assert.Equal(t, "notification-service-group", cfg.KafkaConsumerGroup)
	assert.Equal(t, []string{"appointment-events", "user-events", "payment-events"}, cfg.Topics())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)
	assert.Equal(t, 3, cfg.AppendMaxAttempts)
	assert.Equal(t, "healthcare-notifications", cfg.DynamoDBTable)
	assert.Equal(t, "@every 30s", cfg.OverflowReplaySchedule)
	assert.Equal(t, 0, cfg.OverflowDegradedThreshold)
	assert.False(t, cfg.SMSEnabled)
	assert.Equal(t, "Healthcare System", cfg.FromName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092")
	t.Setenv("MAX_IN_FLIGHT", "4")
	t.Setenv("SHUTDOWN_GRACE", "3s")
	t.Setenv("AUDIT_SINK", "dynamodb")
	t.Setenv("KAFKA_FROM_OLDEST", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 4, cfg.MaxInFlight)
	assert.Equal(t, 3*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "dynamodb", cfg.AuditSink)
	assert.True(t, cfg.KafkaFromOldest)
}

func TestLoad_ConfigFileUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
BATCH_SIZE: 25
RECIPIENT_DOMAIN: clinic.example
SEND_TIMEOUT: 2s
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port, "environment wins over the file")
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, "clinic.example", cfg.RecipientDomain)
	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("BATCH_SIZE", "lots")
	t.Setenv("SEND_TIMEOUT", "10")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
	assert.Contains(t, err.Error(), "SEND_TIMEOUT")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			EventLog:     "memory",
			AuditSink:    "memory",
			KafkaTopics:  "user-events",
			MaxInFlight:  1,
			OverflowPath: "overflow.db",
		}
	}
	require.NoError(t, base().Validate())

	c := base()
	c.EventLog = "rabbit"
	assert.Error(t, c.Validate())

	c = base()
	c.AuditSink = "postgres"
	assert.Error(t, c.Validate())

	c = base()
	c.EventLog = "kafka"
	assert.Error(t, c.Validate())

	c = base()
	c.MaxInFlight = 0
	assert.Error(t, c.Validate())
}
