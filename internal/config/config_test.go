package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYAMLDefaultsAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	yaml := `
service:
  name: order-service
broker:
  host: kafka.internal
  port: 9092
  queue:
    host: pg.internal
    port: 5432
    database: broker
    user: broker
    records: 10
    retry: 5
pool:
  maxsize: 5
  recycle: 3600
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("BROKER_QUEUE_RECORDS", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "order-service", cfg.Service.Name)
	assert.Equal(t, 25, cfg.Broker.Queue.Records, "env override should win over the YAML value")
	assert.Equal(t, 5, cfg.Broker.Queue.Retry, "YAML value should survive where no env var is set")
}

func TestValidateRejectsMissingServiceName(t *testing.T) {
	cfg := &Config{
		Broker: BrokerConfig{Queue: QueueConfig{Records: 10, Retry: 5}},
		Pool:   PoolConfig{MaxSize: 5},
	}
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsNonPositiveBatchSize(t *testing.T) {
	cfg := &Config{
		Service: ServiceConfig{Name: "order-service"},
		Broker:  BrokerConfig{Queue: QueueConfig{Records: 0, Retry: 5}},
		Pool:    PoolConfig{MaxSize: 5},
	}
	assert.Error(t, cfg.validate())
}
