package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  topic: "licenseflow.events"
redis:
  host: "localhost"
  port: 6379
printing:
  central_hub_location_code: "HUB"
  max_retries: 2
api:
  http_addr: ":8080"
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "licenseflow.events", cfg.Kafka.Topic)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.True(t, cfg.Redis.Enabled())
	require.Equal(t, ":8080", cfg.API.HTTPAddr)
	require.Equal(t, "HUB", cfg.Printing.CentralHubLocationCode)
	require.Equal(t, 2, cfg.Printing.MaxRetries)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
}

func TestLoadConfig_Defaults(t *testing.T) {
	p := writeConfig(t, `
database:
  host: "db"
  name: "licenseflow"
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Printing.MaxRetries)
	require.Equal(t, 50, cfg.Printing.DefaultPriority)
	require.Equal(t, BrokerKafka, cfg.Broker.Driver)
	require.Equal(t, "fake", cfg.Courier.Mode)
	require.Equal(t, 5432, cfg.Database.Port)
	require.False(t, cfg.Redis.Enabled())
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	p := writeConfig(t, `
database:
  host: "db"
  name: "licenseflow"
printing:
  max_retries: 2
`)
	t.Setenv("LICENSEFLOW_PRINTING_MAX_RETRIES", "5")
	t.Setenv("LICENSEFLOW_PRINTING_CENTRAL_HUB_LOCATION_CODE", "CENTRAL")
	t.Setenv("LICENSEFLOW_BROKER_DRIVER", "memory")
	t.Setenv("LICENSEFLOW_DATABASE_NAME", "other")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Printing.MaxRetries)
	require.Equal(t, "CENTRAL", cfg.Printing.CentralHubLocationCode)
	require.Equal(t, BrokerMemory, cfg.Broker.Driver)
	require.Equal(t, "other", cfg.Database.DBName)
}

func TestLoadConfig_Invalid(t *testing.T) {
	p := writeConfig(t, `
database:
  host: "db"
  name: "licenseflow"
broker:
  driver: "rabbit"
`)
	_, err := LoadConfig(p)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_CarrierRateLimits(t *testing.T) {
	p := writeConfig(t, `
database:
  host: "db"
  name: "licenseflow"
worker:
  check_carrier_rate_limits:
    dhl: 30
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"dhl": 30}, cfg.Worker.CheckCarrierRateLimits)

	t.Setenv("LICENSEFLOW_WORKER_CHECK_CARRIER_RATE_LIMITS", "ems:60,dhl:10")
	cfg, err = LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"ems": 60, "dhl": 10}, cfg.Worker.CheckCarrierRateLimits)
}
