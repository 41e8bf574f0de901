// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xbridge-proxy/xbridge/internal/cache"
	"github.com/xbridge-proxy/xbridge/internal/probe"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Cache
	CachePath    string
	DisableCache bool

	// Probing
	TestURL          string
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	UserAgent        string

	// Geo lookups
	GeoToken string
	MMDBPath string

	// Sources
	SourceFetchTimeout time.Duration
	MaxProxies         int

	// Selection
	Country string

	// Scheduling; empty disables periodic retesting.
	RetestSchedule string

	// Engine binary override; empty falls back to PATH discovery.
	XrayPath string

	LogLevel string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid value at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Cache ---
	cfg.CachePath = envStr("XBRIDGE_CACHE_PATH", cache.DefaultPath)
	cfg.DisableCache = envBool("XBRIDGE_DISABLE_CACHE", false, &errs)

	// --- Probing ---
	cfg.TestURL = strings.TrimSpace(envStr("XBRIDGE_TEST_URL", probe.DefaultTestURL))
	cfg.ProbeTimeout = envDuration("XBRIDGE_PROBE_TIMEOUT", 10*time.Second, &errs)
	cfg.ProbeConcurrency = envInt("XBRIDGE_PROBE_CONCURRENCY", 4, &errs)
	cfg.UserAgent = envStr("XBRIDGE_USER_AGENT", "xbridge/1.0")

	// --- Geo lookups ---
	cfg.GeoToken = strings.TrimSpace(envStr("XBRIDGE_GEO_TOKEN", ""))
	cfg.MMDBPath = strings.TrimSpace(envStr("XBRIDGE_MMDB_PATH", ""))

	// --- Sources ---
	cfg.SourceFetchTimeout = envDuration("XBRIDGE_SOURCE_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.MaxProxies = envInt("XBRIDGE_MAX_PROXIES", 0, &errs)

	// --- Selection ---
	cfg.Country = strings.TrimSpace(envStr("XBRIDGE_COUNTRY", ""))

	// --- Scheduling ---
	cfg.RetestSchedule = strings.TrimSpace(envStr("XBRIDGE_RETEST_SCHEDULE", ""))

	// --- Engine ---
	cfg.XrayPath = envStr("XRAY_PATH", "")

	cfg.LogLevel = envStr("XBRIDGE_LOG_LEVEL", "info")

	// --- Validation ---
	if cfg.TestURL == "" {
		errs = append(errs, "XBRIDGE_TEST_URL must not be empty")
	}
	validatePositive("XBRIDGE_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	if cfg.ProbeTimeout <= 0 {
		errs = append(errs, "XBRIDGE_PROBE_TIMEOUT must be positive")
	}
	if cfg.SourceFetchTimeout <= 0 {
		errs = append(errs, "XBRIDGE_SOURCE_FETCH_TIMEOUT must be positive")
	}
	if cfg.MaxProxies < 0 {
		errs = append(errs, fmt.Sprintf("XBRIDGE_MAX_PROXIES must not be negative, got %d", cfg.MaxProxies))
	}
	if cfg.RetestSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RetestSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("XBRIDGE_RETEST_SCHEDULE: invalid cron expression %q: %v", cfg.RetestSchedule, err))
		}
	}
	if cfg.XrayPath != "" {
		if _, err := os.Stat(cfg.XrayPath); err != nil {
			errs = append(errs, fmt.Sprintf("XRAY_PATH: %v", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
