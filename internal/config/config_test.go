package config_test

import (
	"os"
	"testing"

	"github.com/cmoelg/engine/internal/config"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsApplyWithNoEnvSet(t *testing.T) {
	clearEnv(t, "ELG_DATABASE_PORT", "ELG_RUNTIME_MAX_RETRIES_PER_NODE", "ELG_LOGGING_LEVEL")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Port != 5432 {
		t.Fatalf("expected default database port 5432, got %d", cfg.Database.Port)
	}
	if cfg.Runtime.MaxRetriesPerNode != 1 {
		t.Fatalf("expected default maxRetriesPerNode 1, got %d", cfg.Runtime.MaxRetriesPerNode)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level info, got %q", cfg.Logging.Level)
	}
	if cfg.Transport.Driver != "log" {
		t.Fatalf("expected default transport driver log, got %q", cfg.Transport.Driver)
	}
}

func TestLoad_UnrecognizedTransportDriver_FailsValidation(t *testing.T) {
	clearEnv(t, "ELG_DATABASE_PORT", "ELG_TRANSPORT_DRIVER")
	os.Setenv("ELG_TRANSPORT_DRIVER", "kafka")
	t.Cleanup(func() { os.Unsetenv("ELG_TRANSPORT_DRIVER") })

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected CONFIG_INVALID for unrecognized transport driver")
	}
	if _, ok := err.(*config.ConfigError); !ok {
		t.Fatalf("expected *config.ConfigError, got %T", err)
	}
}

func TestLoad_InvalidPort_FailsWithConfigInvalid(t *testing.T) {
	clearEnv(t, "ELG_DATABASE_PORT")
	os.Setenv("ELG_DATABASE_PORT", "999999")
	defer os.Unsetenv("ELG_DATABASE_PORT")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
	cfgErr, ok := err.(*config.ConfigError)
	if !ok {
		t.Fatalf("expected *config.ConfigError, got %T", err)
	}
	if len(cfgErr.Errors) == 0 {
		t.Fatal("expected at least one recorded validation error")
	}
}

func TestLoad_NonIntegerPort_FailsWithConfigInvalid(t *testing.T) {
	clearEnv(t, "ELG_DATABASE_PORT")
	os.Setenv("ELG_DATABASE_PORT", "not-a-number")
	defer os.Unsetenv("ELG_DATABASE_PORT")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected an error for a non-integer port")
	}
}

func TestLoad_PolicyEnabledWithoutBundlePath_FailsWithConfigInvalid(t *testing.T) {
	clearEnv(t, "ELG_POLICY_ENABLED", "ELG_POLICY_BUNDLE_PATH")
	os.Setenv("ELG_POLICY_ENABLED", "true")
	defer os.Unsetenv("ELG_POLICY_ENABLED")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected an error when policy is enabled without a bundle path")
	}
}

func TestRedacted_BlanksSecretFields(t *testing.T) {
	clearEnv(t, "ELG_DATABASE_PASSWORD", "ELG_BLOBSTORE_CREDENTIALS")
	os.Setenv("ELG_DATABASE_PASSWORD", "hunter2")
	os.Setenv("ELG_BLOBSTORE_CREDENTIALS", "secret-key")
	defer os.Unsetenv("ELG_DATABASE_PASSWORD")
	defer os.Unsetenv("ELG_BLOBSTORE_CREDENTIALS")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	redacted := cfg.Redacted()
	if redacted.Database.Password == "hunter2" {
		t.Fatal("expected database password to be redacted")
	}
	if redacted.BlobStore.Credentials == "secret-key" {
		t.Fatal("expected blob store credentials to be redacted")
	}
	if cfg.Database.Password != "hunter2" {
		t.Fatal("Redacted should not mutate the original Config")
	}
}

func TestLoad_UnknownEnvVar_Ignored(t *testing.T) {
	os.Setenv("ELG_TOTALLY_UNRECOGNIZED_OPTION", "whatever")
	defer os.Unsetenv("ELG_TOTALLY_UNRECOGNIZED_OPTION")

	if _, err := config.Load(); err != nil {
		t.Fatalf("Load should ignore unknown variables, got: %v", err)
	}
}
