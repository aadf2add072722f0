// Package config implements App Lifecycle's configuration loading (spec
// §4.9, §3 "Configuration", §6 "Environment variables"): every option is
// env-var driven, loaded once at startup, validated, and treated as
// immutable for the process lifetime. It generalizes the teacher's
// functional-option pattern (graph.Option/graph.Options in
// graph/options.go) from in-process engine tuning to whole-process
// configuration gathered from the environment rather than from Go call
// sites.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database holds the `database` section of spec §3 Configuration.
type Database struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSL      bool
	PoolSize int
}

// Transport holds the `transport` section.
type Transport struct {
	Driver string
	Host   string
	Port   int
	Stream string
	Group  string
}

// BlobStore holds the `blobStore` section.
type BlobStore struct {
	Endpoint    string
	Credentials string
	Bucket      string
	PathStyle   bool
}

// Observability holds the `observability` section.
type Observability struct {
	Enabled          bool
	ServiceName      string
	ExporterEndpoint string
	SampleRate       float64
}

// Policy holds the `policy` section.
type Policy struct {
	Enabled    bool
	BundlePath string
}

// Logging holds the `logging` section.
type Logging struct {
	Level  string
	Pretty bool
}

// Runtime holds the `runtime` section (spec §3's perNodeTimeoutMs /
// wholeRunTimeoutMs / checkpointEveryNSteps / maxRetriesPerNode /
// replayPayloadSizeThresholdBytes, mirrored by graph.Options).
type Runtime struct {
	PerNodeTimeout                  time.Duration
	WholeRunTimeout                 time.Duration
	CheckpointEveryNSteps           int
	MaxRetriesPerNode               int
	ReplayPayloadSizeThresholdBytes int
}

// Config is the complete, validated, immutable process configuration
// (spec §3 "Configuration lifecycle: loaded at startup, validated, and
// treated as immutable during the process lifetime").
type Config struct {
	Database      Database
	Transport     Transport
	BlobStore     BlobStore
	Observability Observability
	Policy        Policy
	Logging       Logging
	Runtime       Runtime
}

// envError is one field's loading/validation failure, accumulated so a
// single Load reports every problem at once rather than failing on the
// first one.
type envError struct {
	field  string
	detail string
}

func (e envError) String() string {
	return fmt.Sprintf("%s: %s", e.field, e.detail)
}

// ConfigError is CONFIG_INVALID (spec §7 "Lifecycle errors"): startup
// must not proceed past a misconfigured value.
type ConfigError struct {
	Errors []string
}

func (e *ConfigError) Error() string {
	return "CONFIG_INVALID: " + strings.Join(e.Errors, "; ")
}

// Load reads every recognized environment variable (spec §6), applies
// defaults for anything unset, and validates the result. Unknown
// variables are ignored by construction — Load only ever reads the
// names it's documented to read.
func Load() (*Config, error) {
	var errs []envError
	cfg := &Config{
		Database: Database{
			Host:     getString("ELG_DATABASE_HOST", "localhost"),
			Port:     getInt("ELG_DATABASE_PORT", 5432, &errs),
			Name:     getString("ELG_DATABASE_NAME", "elg"),
			User:     getString("ELG_DATABASE_USER", ""),
			Password: getString("ELG_DATABASE_PASSWORD", ""),
			SSL:      getBool("ELG_DATABASE_SSL", false, &errs),
			PoolSize: getInt("ELG_DATABASE_POOL_SIZE", 10, &errs),
		},
		Transport: Transport{
			Driver: getString("ELG_TRANSPORT_DRIVER", "log"),
			Host:   getString("ELG_TRANSPORT_HOST", "localhost"),
			Port:   getInt("ELG_TRANSPORT_PORT", 6379, &errs),
			Stream: getString("ELG_TRANSPORT_STREAM", "qa.default.default.default.events"),
			Group:  getString("ELG_TRANSPORT_GROUP", "default"),
		},
		BlobStore: BlobStore{
			Endpoint:    getString("ELG_BLOBSTORE_ENDPOINT", ""),
			Credentials: getString("ELG_BLOBSTORE_CREDENTIALS", ""),
			Bucket:      getString("ELG_BLOBSTORE_BUCKET", "elg-artifacts"),
			PathStyle:   getBool("ELG_BLOBSTORE_PATH_STYLE", false, &errs),
		},
		Observability: Observability{
			Enabled:          getBool("ELG_OBSERVABILITY_ENABLED", false, &errs),
			ServiceName:      getString("ELG_OBSERVABILITY_SERVICE_NAME", "elg"),
			ExporterEndpoint: getString("ELG_OBSERVABILITY_EXPORTER_ENDPOINT", ""),
			SampleRate:       getFloat("ELG_OBSERVABILITY_SAMPLE_RATE", 1.0, &errs),
		},
		Policy: Policy{
			Enabled:    getBool("ELG_POLICY_ENABLED", false, &errs),
			BundlePath: getString("ELG_POLICY_BUNDLE_PATH", ""),
		},
		Logging: Logging{
			Level:  getString("ELG_LOGGING_LEVEL", "info"),
			Pretty: getBool("ELG_LOGGING_PRETTY", false, &errs),
		},
		Runtime: Runtime{
			PerNodeTimeout:                  getDuration("ELG_RUNTIME_PER_NODE_TIMEOUT_MS", 30*time.Second, &errs),
			WholeRunTimeout:                 getDuration("ELG_RUNTIME_WHOLE_RUN_TIMEOUT_MS", 10*time.Minute, &errs),
			CheckpointEveryNSteps:           getInt("ELG_RUNTIME_CHECKPOINT_EVERY_N_STEPS", 1, &errs),
			MaxRetriesPerNode:               getInt("ELG_RUNTIME_MAX_RETRIES_PER_NODE", 1, &errs),
			ReplayPayloadSizeThresholdBytes: getInt("ELG_RUNTIME_REPLAY_PAYLOAD_SIZE_THRESHOLD_BYTES", 256*1024, &errs),
		},
	}

	validate(cfg, &errs)

	if len(errs) > 0 {
		out := make([]string, len(errs))
		for i, e := range errs {
			out[i] = e.String()
		}
		return nil, &ConfigError{Errors: out}
	}
	return cfg, nil
}

func validate(cfg *Config, errs *[]envError) {
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		*errs = append(*errs, envError{"database.port", "must be in 1-65535"})
	}
	if cfg.Database.PoolSize < 1 {
		*errs = append(*errs, envError{"database.poolSize", "must be >= 1"})
	}
	if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
		*errs = append(*errs, envError{"transport.port", "must be in 1-65535"})
	}
	switch cfg.Transport.Driver {
	case "log", "redis":
	default:
		*errs = append(*errs, envError{"transport.driver", fmt.Sprintf("unrecognized driver %q (want log or redis)", cfg.Transport.Driver)})
	}
	if cfg.Observability.Enabled && cfg.Observability.ExporterEndpoint == "" {
		*errs = append(*errs, envError{"observability.exporterEndpoint", "required when observability.enabled is true"})
	}
	if cfg.Observability.SampleRate < 0 || cfg.Observability.SampleRate > 1 {
		*errs = append(*errs, envError{"observability.sampleRate", "must be in 0.0-1.0"})
	}
	if cfg.Policy.Enabled && cfg.Policy.BundlePath == "" {
		*errs = append(*errs, envError{"policy.bundlePath", "required when policy.enabled is true"})
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		*errs = append(*errs, envError{"logging.level", fmt.Sprintf("unrecognized level %q", cfg.Logging.Level)})
	}
	if cfg.Runtime.PerNodeTimeout <= 0 {
		*errs = append(*errs, envError{"runtime.perNodeTimeoutMs", "must be > 0"})
	}
	if cfg.Runtime.CheckpointEveryNSteps < 1 {
		*errs = append(*errs, envError{"runtime.checkpointEveryNSteps", "must be >= 1"})
	}
	if cfg.Runtime.MaxRetriesPerNode < 1 {
		*errs = append(*errs, envError{"runtime.maxRetriesPerNode", "must be >= 1"})
	}
	if cfg.Runtime.ReplayPayloadSizeThresholdBytes < 0 {
		*errs = append(*errs, envError{"runtime.replayPayloadSizeThresholdBytes", "must be >= 0"})
	}
}

// Redacted returns a copy of cfg with secret-like fields blanked out
// (spec §3 "Secret-like fields are redacted in all logs"), safe to pass
// to an Emitter or log line.
func (c *Config) Redacted() Config {
	redacted := *c
	if redacted.Database.Password != "" {
		redacted.Database.Password = "[REDACTED]"
	}
	if redacted.BlobStore.Credentials != "" {
		redacted.BlobStore.Credentials = "[REDACTED]"
	}
	return redacted
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]envError) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, envError{key, fmt.Sprintf("not an integer: %q", v)})
		return def
	}
	return n
}

func getFloat(key string, def float64, errs *[]envError) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, envError{key, fmt.Sprintf("not a number: %q", v)})
		return def
	}
	return f
}

func getBool(key string, def bool, errs *[]envError) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, envError{key, fmt.Sprintf("not a boolean: %q", v)})
		return def
	}
	return b
}

func getDuration(key string, def time.Duration, errs *[]envError) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, envError{key, fmt.Sprintf("not an integer (milliseconds): %q", v)})
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
