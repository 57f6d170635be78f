// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir  string
	CacheDir string

	// Network
	ListenAddress string
	Port          int

	// API
	APIMaxBodyBytes int

	// Keys / auth
	SecretKey  string
	AdminToken string

	// Probing
	ProbeConcurrency int

	// Sources
	SourcesFile string

	// GeoIP
	GeoIPUpdateSchedule string
	GeoIPReleaseAPI     string
	GeoIPDBFilename     string
	GeolocationAPIURL   string

	// Retention sweep
	SweepSchedule string

	// Shutdown
	ShutdownTimeout time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("VIGIL_DATA_DIR", "/var/lib/vigil")
	cfg.CacheDir = envStr("VIGIL_CACHE_DIR", "/var/cache/vigil")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("VIGIL_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("VIGIL_PORT", 2266, &errs)
	cfg.APIMaxBodyBytes = envInt("VIGIL_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Keys / auth (must be defined; empty disables the feature) ---
	secretKey, hasSecretKey := os.LookupEnv("VIGIL_SECRET_KEY")
	adminToken, hasAdminToken := os.LookupEnv("VIGIL_ADMIN_TOKEN")
	cfg.SecretKey = strings.TrimSpace(secretKey)
	cfg.AdminToken = adminToken

	// --- Probing ---
	cfg.ProbeConcurrency = envInt("VIGIL_PROBE_CONCURRENCY", 8, &errs)

	// --- Sources ---
	cfg.SourcesFile = envStr("VIGIL_SOURCES_FILE", "/etc/vigil/sources.yaml")

	// --- GeoIP ---
	cfg.GeoIPUpdateSchedule = envStr("VIGIL_GEOIP_UPDATE_SCHEDULE", "0 5 * * 1")
	cfg.GeoIPReleaseAPI = envStr("VIGIL_GEOIP_RELEASE_API",
		"https://api.github.com/repos/P3TERX/GeoLite.mmdb/releases/latest")
	cfg.GeoIPDBFilename = envStr("VIGIL_GEOIP_DB_FILENAME", "GeoLite2-Country.mmdb")
	cfg.GeolocationAPIURL = envStr("VIGIL_GEOLOCATION_API_URL", "http://ip-api.com/json")

	// --- Retention sweep ---
	cfg.SweepSchedule = envStr("VIGIL_SWEEP_SCHEDULE", "0 4 * * *")

	// --- Shutdown ---
	cfg.ShutdownTimeout = envDuration("VIGIL_SHUTDOWN_TIMEOUT", 10*time.Second, &errs)

	// --- Validation ---
	if !hasSecretKey {
		errs = append(errs, "VIGIL_SECRET_KEY must be defined (empty disables publishing)")
	} else if cfg.SecretKey != "" && !isPlausibleSecretKey(cfg.SecretKey) {
		errs = append(errs, "VIGIL_SECRET_KEY must be 64 hex characters or bech32 starting with nsec1")
	}
	if !hasAdminToken {
		errs = append(errs, "VIGIL_ADMIN_TOKEN must be defined (empty disables API auth)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "VIGIL_LISTEN_ADDRESS must not be empty")
	}

	validatePort("VIGIL_PORT", cfg.Port, &errs)
	validatePositive("VIGIL_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("VIGIL_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)

	if _, err := cron.ParseStandard(cfg.GeoIPUpdateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("VIGIL_GEOIP_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPUpdateSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("VIGIL_SWEEP_SCHEDULE: invalid cron expression %q: %v", cfg.SweepSchedule, err))
	}
	if cfg.GeoIPDBFilename == "" {
		errs = append(errs, "VIGIL_GEOIP_DB_FILENAME must not be empty")
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, "VIGIL_SHUTDOWN_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// isPlausibleSecretKey is a shape check only; full decoding happens when
// the publisher is constructed.
func isPlausibleSecretKey(s string) bool {
	if strings.HasPrefix(s, "nsec1") {
		return true
	}
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
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

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
