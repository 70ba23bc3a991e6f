package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.StaleAfter)
	assert.Equal(t, 48, cfg.Cache.MaxSnapshots)
	assert.Contains(t, cfg.Sources, "starlink")
	assert.Equal(t, 1500.0, cfg.D2.Thresh1Km)
	assert.Equal(t, 1200.0, cfg.D2.Thresh2Km)
	assert.Equal(t, 50.0, cfg.D2.HysteresisKm)
	assert.Equal(t, 320*time.Millisecond, cfg.D2.TimeToTrigger)
	assert.Equal(t, 100*time.Millisecond, cfg.Refine.Precision)
	assert.Equal(t, 10, cfg.Refine.MaxIterations)
	assert.Equal(t, 5*time.Second, cfg.Scan.Step)
	assert.Equal(t, 10, cfg.Stream.MaxPerIP)
	assert.Equal(t, 30*time.Second, cfg.Stream.Keepalive)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stderr", cfg.Tracing.Output)
	assert.Empty(t, cfg.Scan.Pairs)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.yaml")
	content := `
log:
  level: debug
store:
  backend: sqlite
  path: /var/lib/tracker/blobs.db
cache:
  ttl: 12h
d2:
  thresh1_km: 900
  time_to_trigger: 640ms
scan:
  pairs:
    - constellation: starlink
      serving: 44713
      target: 44714
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.StaleAfter, "unset keys keep defaults")
	assert.Equal(t, 900.0, cfg.D2Thresholds().Thresh1)
	assert.Equal(t, 640*time.Millisecond, cfg.D2Thresholds().TimeToTrigger)
	require.Len(t, cfg.Scan.Pairs, 1)
	assert.Equal(t, PairConfig{Constellation: "starlink", Serving: 44713, Target: 44714}, cfg.Scan.Pairs[0])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_CACHE_TTL", "6h")
	t.Setenv("TRACKER_STORE_BACKEND", "memory")
	t.Setenv("TRACKER_REFINE_MAX_ITERATIONS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.Elements().TTL)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 7, cfg.RefineConfig().MaxIterations)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/tracker.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"backend", map[string]string{"TRACKER_STORE_BACKEND": "s3"}, "store.backend"},
		{"negative hysteresis", map[string]string{"TRACKER_D2_HYSTERESIS_KM": "-1"}, "hysteresis"},
		{"zero precision", map[string]string{"TRACKER_REFINE_PRECISION": "0s"}, "precision"},
		{"log level", map[string]string{"TRACKER_LOG_LEVEL": "loud"}, "log.level"},
		{"latitude", map[string]string{"TRACKER_SCAN_OBSERVER_LAT": "91"}, "observer_lat"},
		{"stream buffer", map[string]string{"TRACKER_STREAM_BUFFER": "0"}, "stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_Pairs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Scan.Pairs = []PairConfig{{Constellation: "starlink", Serving: 1, Target: 1}}
	assert.Error(t, cfg.Validate())

	cfg.Scan.Pairs = []PairConfig{{Constellation: "starlink", Serving: 1, Target: 2}}
	assert.NoError(t, cfg.Validate())
}
