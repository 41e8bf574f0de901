package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	t.Setenv("XRAY_PATH", "")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "CachePath", cfg.CachePath, "proxy_cache.json")
	assertEqual(t, "DisableCache", cfg.DisableCache, false)
	assertEqual(t, "TestURL", cfg.TestURL, "http://httpbin.org/ip")
	assertEqual(t, "ProbeTimeout", cfg.ProbeTimeout, 10*time.Second)
	assertEqual(t, "ProbeConcurrency", cfg.ProbeConcurrency, 4)
	assertEqual(t, "UserAgent", cfg.UserAgent, "xbridge/1.0")
	assertEqual(t, "GeoToken", cfg.GeoToken, "")
	assertEqual(t, "MMDBPath", cfg.MMDBPath, "")
	assertEqual(t, "SourceFetchTimeout", cfg.SourceFetchTimeout, 30*time.Second)
	assertEqual(t, "MaxProxies", cfg.MaxProxies, 0)
	assertEqual(t, "Country", cfg.Country, "")
	assertEqual(t, "RetestSchedule", cfg.RetestSchedule, "")
	assertEqual(t, "LogLevel", cfg.LogLevel, "info")
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "xray")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	setEnvs(t, map[string]string{
		"XBRIDGE_CACHE_PATH":           "/tmp/alt_cache.json",
		"XBRIDGE_DISABLE_CACHE":        "true",
		"XBRIDGE_TEST_URL":             "https://example.com/ip",
		"XBRIDGE_PROBE_TIMEOUT":        "30s",
		"XBRIDGE_PROBE_CONCURRENCY":    "16",
		"XBRIDGE_USER_AGENT":           "probe/2",
		"XBRIDGE_GEO_TOKEN":            " tok ",
		"XBRIDGE_SOURCE_FETCH_TIMEOUT": "1m",
		"XBRIDGE_MAX_PROXIES":          "50",
		"XBRIDGE_COUNTRY":              "US",
		"XBRIDGE_RETEST_SCHEDULE":      "*/30 * * * *",
		"XRAY_PATH":                    bin,
		"XBRIDGE_LOG_LEVEL":            "debug",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "CachePath", cfg.CachePath, "/tmp/alt_cache.json")
	assertEqual(t, "DisableCache", cfg.DisableCache, true)
	assertEqual(t, "TestURL", cfg.TestURL, "https://example.com/ip")
	assertEqual(t, "ProbeTimeout", cfg.ProbeTimeout, 30*time.Second)
	assertEqual(t, "ProbeConcurrency", cfg.ProbeConcurrency, 16)
	assertEqual(t, "UserAgent", cfg.UserAgent, "probe/2")
	assertEqual(t, "GeoToken", cfg.GeoToken, "tok")
	assertEqual(t, "SourceFetchTimeout", cfg.SourceFetchTimeout, time.Minute)
	assertEqual(t, "MaxProxies", cfg.MaxProxies, 50)
	assertEqual(t, "Country", cfg.Country, "US")
	assertEqual(t, "RetestSchedule", cfg.RetestSchedule, "*/30 * * * *")
	assertEqual(t, "XrayPath", cfg.XrayPath, bin)
	assertEqual(t, "LogLevel", cfg.LogLevel, "debug")
}

func TestLoadEnvConfig_CollectsAllErrors(t *testing.T) {
	setEnvs(t, map[string]string{
		"XBRIDGE_PROBE_CONCURRENCY": "0",
		"XBRIDGE_PROBE_TIMEOUT":     "not-a-duration",
		"XBRIDGE_MAX_PROXIES":       "-3",
		"XBRIDGE_RETEST_SCHEDULE":   "not a cron",
		"XRAY_PATH":                 "/no/such/binary",
	})

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), "XBRIDGE_PROBE_CONCURRENCY")
	assertContains(t, err.Error(), "XBRIDGE_PROBE_TIMEOUT: invalid duration")
	assertContains(t, err.Error(), "XBRIDGE_MAX_PROXIES")
	assertContains(t, err.Error(), "XBRIDGE_RETEST_SCHEDULE: invalid cron expression")
	assertContains(t, err.Error(), "XRAY_PATH")
}

func TestLoadEnvConfig_InvalidBool(t *testing.T) {
	setEnvs(t, map[string]string{"XBRIDGE_DISABLE_CACHE": "maybe"})

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), `XBRIDGE_DISABLE_CACHE: invalid boolean "maybe"`)
}

func TestLoadEnvConfig_EmptyTestURL(t *testing.T) {
	setEnvs(t, map[string]string{"XBRIDGE_TEST_URL": "   "})

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), "XBRIDGE_TEST_URL must not be empty")
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
