// Package config loads service settings from defaults, an optional JSON or
// YAML file and TRACKER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/star/handover/internal/d2"
	"github.com/star/handover/internal/elements"
	"github.com/star/handover/internal/refine"
)

// EnvPrefix is prepended to every environment override, e.g. TRACKER_CACHE_TTL.
const EnvPrefix = "TRACKER"

// Config is the typed service configuration.
type Config struct {
	Log     LogConfig         `mapstructure:"log"`
	HTTP    HTTPConfig        `mapstructure:"http"`
	Store   StoreConfig       `mapstructure:"store"`
	Cache   CacheConfig       `mapstructure:"cache"`
	Sources map[string]string `mapstructure:"sources"` // constellation -> TLE URL
	Refresh RefreshConfig     `mapstructure:"refresh"`
	D2      D2Config          `mapstructure:"d2"`
	Refine  RefineConfig      `mapstructure:"refine"`
	Scan    ScanConfig        `mapstructure:"scan"`
	Stream  StreamConfig      `mapstructure:"stream"`
	Tracing TracingConfig     `mapstructure:"tracing"`
}

// LogConfig sets the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HTTPConfig is the health and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig selects the blob store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // file, sqlite or memory
	Path    string `mapstructure:"path"`
}

// CacheConfig mirrors elements.Config.
type CacheConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	MaxSnapshots int           `mapstructure:"max_snapshots"`
}

// RefreshConfig controls the ingest loop.
type RefreshConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ParseWorkers int           `mapstructure:"parse_workers"`
}

// D2Config holds event thresholds in kilometres.
type D2Config struct {
	Thresh1Km     float64       `mapstructure:"thresh1_km"`
	Thresh2Km     float64       `mapstructure:"thresh2_km"`
	HysteresisKm  float64       `mapstructure:"hysteresis_km"`
	TimeToTrigger time.Duration `mapstructure:"time_to_trigger"`
}

// RefineConfig bounds trigger-instant refinement.
type RefineConfig struct {
	Precision     time.Duration `mapstructure:"precision"`
	MaxIterations int           `mapstructure:"max_iterations"`
}

// ScanConfig drives the handover monitor.
type ScanConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Horizon     time.Duration `mapstructure:"horizon"`
	Step        time.Duration `mapstructure:"step"`
	Concurrency int           `mapstructure:"concurrency"`
	ObserverLat float64       `mapstructure:"observer_lat"`
	ObserverLon float64       `mapstructure:"observer_lon"`
	ObserverAlt float64       `mapstructure:"observer_alt_m"`
	Pairs       []PairConfig  `mapstructure:"pairs"`
}

// PairConfig names one serving/target pair within a constellation.
type PairConfig struct {
	Constellation string `mapstructure:"constellation"`
	Serving       int    `mapstructure:"serving"`
	Target        int    `mapstructure:"target"`
}

// StreamConfig bounds the SSE event stream.
type StreamConfig struct {
	MaxPerIP  int           `mapstructure:"max_per_ip"`
	MaxTotal  int           `mapstructure:"max_total"`
	Keepalive time.Duration `mapstructure:"keepalive"`
	Buffer    int           `mapstructure:"buffer"`
}

// TracingConfig toggles the span exporter. Output is "stderr", "stdout"
// or a file path; stdout is shared with the JSON log stream.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Output      string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "./data/elements")

	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.stale_after", "24h")
	v.SetDefault("cache.max_snapshots", 48)

	v.SetDefault("sources", map[string]string{
		"starlink": "https://celestrak.org/NORAD/elements/gp.php?GROUP=starlink&FORMAT=tle",
		"oneweb":   "https://celestrak.org/NORAD/elements/gp.php?GROUP=oneweb&FORMAT=tle",
	})
	v.SetDefault("refresh.interval", "2h")
	v.SetDefault("refresh.parse_workers", 4)

	v.SetDefault("d2.thresh1_km", 1500.0)
	v.SetDefault("d2.thresh2_km", 1200.0)
	v.SetDefault("d2.hysteresis_km", 50.0)
	v.SetDefault("d2.time_to_trigger", "320ms")

	v.SetDefault("refine.precision", "100ms")
	v.SetDefault("refine.max_iterations", 10)

	v.SetDefault("scan.interval", "1m")
	v.SetDefault("scan.horizon", "10m")
	v.SetDefault("scan.step", "5s")
	v.SetDefault("scan.concurrency", 8)
	v.SetDefault("scan.observer_lat", 24.9441)
	v.SetDefault("scan.observer_lon", 121.3714)
	v.SetDefault("scan.observer_alt_m", 50.0)
	v.SetDefault("scan.pairs", []map[string]any{})

	v.SetDefault("stream.max_per_ip", 10)
	v.SetDefault("stream.max_total", 1000)
	v.SetDefault("stream.keepalive", "30s")
	v.SetDefault("stream.buffer", 64)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "handover-tracker")
	v.SetDefault("tracing.output", "stderr")
}

// Load builds a Config. path may be empty, in which case only defaults and
// environment variables apply. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of file, sqlite, memory", c.Store.Backend))
	}
	if c.Cache.TTL <= 0 || c.Cache.StaleAfter <= 0 {
		errs = append(errs, errors.New("cache.ttl and cache.stale_after must be positive"))
	}
	if c.Cache.MaxSnapshots < 0 {
		errs = append(errs, errors.New("cache.max_snapshots must not be negative"))
	}
	for name, url := range c.Sources {
		if name == "" || strings.Contains(name, "/") || url == "" {
			errs = append(errs, fmt.Errorf("invalid source %q = %q", name, url))
		}
	}
	if c.Refresh.Interval <= 0 {
		errs = append(errs, errors.New("refresh.interval must be positive"))
	}
	if err := c.D2Thresholds().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RefineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.Step <= 0 || c.Scan.Horizon <= 0 || c.Scan.Interval <= 0 {
		errs = append(errs, errors.New("scan.step, scan.horizon and scan.interval must be positive"))
	}
	if c.Scan.ObserverLat < -90 || c.Scan.ObserverLat > 90 {
		errs = append(errs, fmt.Errorf("scan.observer_lat %v outside [-90, 90]", c.Scan.ObserverLat))
	}
	if c.Stream.MaxPerIP < 1 || c.Stream.MaxTotal < 1 || c.Stream.Buffer < 1 || c.Stream.Keepalive <= 0 {
		errs = append(errs, errors.New("stream limits, buffer and keepalive must be positive"))
	}
	for i, p := range c.Scan.Pairs {
		if p.Constellation == "" || p.Serving <= 0 || p.Target <= 0 || p.Serving == p.Target {
			errs = append(errs, fmt.Errorf("scan.pairs[%d] is invalid: %+v", i, p))
		}
	}

	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// Elements returns the element cache settings.
func (c Config) Elements() elements.Config {
	return elements.Config{
		TTL:          c.Cache.TTL,
		StaleAfter:   c.Cache.StaleAfter,
		MaxSnapshots: c.Cache.MaxSnapshots,
	}
}

// D2Thresholds returns the evaluator configuration.
func (c Config) D2Thresholds() d2.Config {
	return d2.Config{
		Thresh1:       c.D2.Thresh1Km,
		Thresh2:       c.D2.Thresh2Km,
		Hysteresis:    c.D2.HysteresisKm,
		TimeToTrigger: c.D2.TimeToTrigger,
	}
}

// RefineConfig returns the refinement bounds.
func (c Config) RefineConfig() refine.Config {
	return refine.Config{
		TargetPrecision: c.Refine.Precision,
		MaxIterations:   c.Refine.MaxIterations,
	}
}
