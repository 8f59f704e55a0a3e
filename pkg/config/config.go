// Copyright 2025 Certen Protocol

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an issuer or vendor process. Both
// binaries load the same flat struct from environment variables; each only
// reads the fields relevant to its role.
type Config struct {
	// Role distinguishes which set of fields below actually matter;
	// cmd/issuerd and cmd/vendord each set it explicitly rather than
	// relying on an environment variable, so a misconfigured deployment
	// fails to compile/start rather than silently behaving as the wrong role.
	Role string

	// Server configuration
	ListenAddr string

	// Database configuration
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// StoreBackend selects "postgres" (production) or "dev" (single-process,
	// cometbft-db-backed, for local development and tests without Postgres).
	StoreBackend string
	DevStorePath string

	// Key material. Both issuer and vendor hold one ECDSA P-256 signing key;
	// PEM-encoded, loaded from a file path rather than inlined in the
	// environment so key rotation doesn't require redeploying config.
	PrivateKeyPath string

	// Peer endpoints
	IssuerBaseURL string
	VendorBaseURL string

	// HTTP client tuning for pkg/issuerclient
	IssuerClientTimeout time.Duration

	// CORS / misc service configuration
	CORSOrigins []string
	LogLevel    string

	// DefaultUnitValue is loaded from DEFAULT_UNIT_VALUE (or the overlay's
	// default_unit_value); no service reads it, and open-channel requests
	// always carry their own unit_value.
	DefaultUnitValue int64
}

// Load reads configuration from environment variables. Unlike the original
// validator config this module does not require network/chain settings —
// only the atomic store, the process's signing key, and peer URLs matter
// for the settlement protocol.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0:8080"),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		StoreBackend: getEnv("STORE_BACKEND", "postgres"),
		DevStorePath: getEnv("DEV_STORE_PATH", "./data"),

		PrivateKeyPath: getEnv("PRIVATE_KEY_PATH", ""),

		IssuerBaseURL: getEnv("ISSUER_BASE_URL", ""),
		VendorBaseURL: getEnv("VENDOR_BASE_URL", ""),

		IssuerClientTimeout: getEnvDuration("ISSUER_CLIENT_TIMEOUT", 10*time.Second),

		CORSOrigins: splitAndTrim(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DefaultUnitValue: getEnvInt64("DEFAULT_UNIT_VALUE", 1),
	}
	return cfg, nil
}

// overlay is the YAML shape accepted by -config; every field is a pointer so
// an absent key leaves the environment-derived default untouched. The file
// is layered on top: a key present in the overlay always wins over the
// corresponding environment variable.
type overlay struct {
	ListenAddr          *string   `yaml:"listen_addr"`
	DatabaseURL         *string   `yaml:"database_url"`
	DBMaxOpenConns      *int      `yaml:"db_max_open_conns"`
	DBMaxIdleConns      *int      `yaml:"db_max_idle_conns"`
	DBConnMaxLifetime   *string   `yaml:"db_conn_max_lifetime"`
	StoreBackend        *string   `yaml:"store_backend"`
	DevStorePath        *string   `yaml:"dev_store_path"`
	PrivateKeyPath      *string   `yaml:"private_key_path"`
	IssuerBaseURL       *string   `yaml:"issuer_base_url"`
	VendorBaseURL       *string   `yaml:"vendor_base_url"`
	IssuerClientTimeout *string   `yaml:"issuer_client_timeout"`
	CORSOrigins         *[]string `yaml:"cors_origins"`
	LogLevel            *string   `yaml:"log_level"`
	DefaultUnitValue    *int64    `yaml:"default_unit_value"`
}

// LoadWithFile calls Load and, if path is non-empty, layers a YAML overlay
// read from it on top of the environment-derived defaults.
func LoadWithFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.applyOverlay(ov); err != nil {
		return nil, fmt.Errorf("config: apply %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyOverlay(ov overlay) error {
	if ov.ListenAddr != nil {
		c.ListenAddr = *ov.ListenAddr
	}
	if ov.DatabaseURL != nil {
		c.DatabaseURL = *ov.DatabaseURL
	}
	if ov.DBMaxOpenConns != nil {
		c.DBMaxOpenConns = *ov.DBMaxOpenConns
	}
	if ov.DBMaxIdleConns != nil {
		c.DBMaxIdleConns = *ov.DBMaxIdleConns
	}
	if ov.DBConnMaxLifetime != nil {
		d, err := time.ParseDuration(*ov.DBConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("db_conn_max_lifetime: %w", err)
		}
		c.DBConnMaxLifetime = d
	}
	if ov.StoreBackend != nil {
		c.StoreBackend = *ov.StoreBackend
	}
	if ov.DevStorePath != nil {
		c.DevStorePath = *ov.DevStorePath
	}
	if ov.PrivateKeyPath != nil {
		c.PrivateKeyPath = *ov.PrivateKeyPath
	}
	if ov.IssuerBaseURL != nil {
		c.IssuerBaseURL = *ov.IssuerBaseURL
	}
	if ov.VendorBaseURL != nil {
		c.VendorBaseURL = *ov.VendorBaseURL
	}
	if ov.IssuerClientTimeout != nil {
		d, err := time.ParseDuration(*ov.IssuerClientTimeout)
		if err != nil {
			return fmt.Errorf("issuer_client_timeout: %w", err)
		}
		c.IssuerClientTimeout = d
	}
	if ov.CORSOrigins != nil {
		c.CORSOrigins = *ov.CORSOrigins
	}
	if ov.LogLevel != nil {
		c.LogLevel = *ov.LogLevel
	}
	if ov.DefaultUnitValue != nil {
		c.DefaultUnitValue = *ov.DefaultUnitValue
	}
	return nil
}

// Validate checks that the fields required for the given role are present.
func (c *Config) Validate() error {
	var errs []string

	if c.PrivateKeyPath == "" {
		errs = append(errs, "PRIVATE_KEY_PATH is required but not set")
	}

	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case "dev":
		if c.DevStorePath == "" {
			errs = append(errs, "DEV_STORE_PATH is required when STORE_BACKEND=dev")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND must be \"postgres\" or \"dev\", got %q", c.StoreBackend))
	}

	if c.Role == "vendor" && c.IssuerBaseURL == "" {
		errs = append(errs, "ISSUER_BASE_URL is required for the vendor role")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
