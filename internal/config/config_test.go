package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://dispatch@localhost/dispatch")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "nats", cfg.EventSink)
	assert.Equal(t, time.Hour, cfg.JWTTTL)
	assert.Equal(t, 10*time.Minute, cfg.WeatherValidity)
	assert.Equal(t, 30*time.Second, cfg.TelemetryTimeout)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)

	dc := cfg.Dispatch()
	assert.Equal(t, 0.2, dc.Energy.Margin)
	assert.Equal(t, 15.0, dc.CruiseSpeedMPS)
	assert.Equal(t, "@every 2s", cfg.Schedules().Pass)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("BATTERY_MARGIN", "0.35")
	t.Setenv("TELEMETRY_TIMEOUT", "45s")
	t.Setenv("EVENT_SINK", "KAFKA")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WEATHER_MAX_WIND_MPS", "8")
	t.Setenv("ARRIVAL_RADIUS_M", "50")
	t.Setenv("STALL_WINDOW", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.EventSink)
	assert.Equal(t, 0.35, cfg.Dispatch().Energy.Margin)
	assert.Equal(t, 45*time.Second, cfg.Dispatch().TelemetryTimeout)
	assert.Equal(t, 8.0, cfg.Weather().Policy.MaxWindMPS)
	assert.Equal(t, 50.0, cfg.Dispatch().ArrivalRadiusM)
	assert.Equal(t, 90*time.Second, cfg.Dispatch().StallWindow)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("JWT_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_url: postgres://from-file\nhttp_addr: \":9999\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-file", cfg.DatabaseURL)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("JWT_SECRET", "")
	_, err = Load("")
	assert.ErrorContains(t, err, "JWT_SECRET")

	_, err = LoadWorker("")
	assert.NoError(t, err)

	t.Setenv("CHARGE_THRESHOLD", "96")
	_, err = LoadWorker("")
	assert.ErrorContains(t, err, "CHARGE_THRESHOLD")
	t.Setenv("CHARGE_THRESHOLD", "")

	t.Setenv("EVENT_SINK", "carrier-pigeon")
	_, err = LoadWorker("")
	assert.ErrorContains(t, err, "EVENT_SINK")

	t.Setenv("EVENT_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "")
	_, err = LoadWorker("")
	assert.ErrorContains(t, err, "KAFKA_BROKERS")
}
