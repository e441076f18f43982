// Package config loads the rule engine's process configuration once at
// startup from environment variables (spec §6). The resulting Config
// value is never mutated after construction (Design Note: "Global
// mutable state for the CLI/config").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration snapshot.
type Config struct {
	ServiceMode string

	MongoURI string
	MongoDB  string

	VaultURL       string
	VaultToken     string
	VaultMountPath string

	BlobEndpoint  string
	BlobRegion    string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string

	RedisURL string

	ListenAddr string

	LicenseManagerURL string
	SecretMasterKey   string

	DefectDojoURL    string
	DefectDojoAPIKey string

	LogLevel             string
	ExecutorLogLevel      string
	ExecutorLogsFilename  string

	SIEMPayloadSizeLimit int64
	MetricsExpirationDays int

	RecommendationsBucket string

	AllowSimultaneousPerTenant bool

	WorkerBrokerURL string

	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string

	SystemUserPassword string

	AdmissionTimeout   time.Duration
	WorkerWallClock    time.Duration
	SlotTTL            time.Duration
	CancelGrace        time.Duration
	SchedulerTick      time.Duration
	BatchWindow        time.Duration
}

// Load builds a Config from the environment, applying spec-mandated
// defaults for anything unset. SYSTEM_USER_PASSWORD is required on
// first init and Load returns an error if it is missing.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceMode: GetEnv("SERVICE_MODE", "api"),

		MongoURI: GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  GetEnv("MONGO_DATABASE", "rule_engine"),

		VaultURL:       GetEnv("VAULT_URL", ""),
		VaultToken:     GetEnv("VAULT_TOKEN", ""),
		VaultMountPath: GetEnv("VAULT_MOUNT_PATH", "secret"),

		BlobEndpoint:  GetEnv("BLOB_STORE_ENDPOINT", ""),
		BlobRegion:    GetEnv("BLOB_STORE_REGION", "us-east-1"),
		BlobAccessKey: GetEnv("BLOB_STORE_ACCESS_KEY", ""),
		BlobSecretKey: GetEnv("BLOB_STORE_SECRET_KEY", ""),
		BlobBucket:    GetEnv("BLOB_STORE_BUCKET", "rule-engine"),

		RedisURL: GetEnv("REDIS_URL", "redis://localhost:6379/0"),

		ListenAddr: GetEnv("LISTEN_ADDR", ":8080"),

		LicenseManagerURL: GetEnv("LICENSE_MANAGER_URL", ""),
		SecretMasterKey:   GetEnv("SECRET_MASTER_KEY", ""),

		DefectDojoURL:    GetEnv("DEFECT_DOJO_URL", ""),
		DefectDojoAPIKey: GetEnv("DEFECT_DOJO_API_KEY", ""),

		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		ExecutorLogLevel:     GetEnv("EXECUTOR_LOG_LEVEL", "info"),
		ExecutorLogsFilename: GetEnv("EXECUTOR_LOGS_FILENAME", ""),

		MetricsExpirationDays: GetEnvInt("METRICS_EXPIRATION_DAYS", 90),

		RecommendationsBucket: GetEnv("RECOMMENDATIONS_BUCKET", ""),

		AllowSimultaneousPerTenant: GetEnvBool("ALLOW_SIMULTANEOUS_JOBS_FOR_ONE_TENANT", false),

		WorkerBrokerURL: GetEnv("CELERY_BROKER_URL", GetEnv("WORKER_BROKER_URL", "")),

		HTTPProxy:  GetEnv("HTTP_PROXY", ""),
		HTTPSProxy: GetEnv("HTTPS_PROXY", ""),
		NoProxy:    GetEnv("NO_PROXY", ""),

		SystemUserPassword: GetEnv("SYSTEM_USER_PASSWORD", ""),

		AdmissionTimeout: ParseDurationOrDefault(GetEnv("ADMISSION_TIMEOUT", ""), 10*time.Second),
		WorkerWallClock:  ParseDurationOrDefault(GetEnv("WORKER_WALL_CLOCK_TIMEOUT", ""), 2*time.Hour),
		SlotTTL:          ParseDurationOrDefault(GetEnv("TENANT_SLOT_TTL", ""), 3*time.Hour),
		CancelGrace:      ParseDurationOrDefault(GetEnv("CANCEL_GRACE", ""), 30*time.Second),
		SchedulerTick:    ParseDurationOrDefault(GetEnv("SCHEDULER_TICK", ""), 60*time.Second),
		BatchWindow:      ParseDurationOrDefault(GetEnv("BATCH_RESULT_WINDOW", ""), 5*time.Minute),
	}

	if sizeRaw := GetEnv("SIEM_PAYLOAD_SIZE_LIMIT", "10MB"); sizeRaw != "" {
		size, err := ParseByteSize(sizeRaw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid SIEM_PAYLOAD_SIZE_LIMIT %q: %w", sizeRaw, err)
		}
		cfg.SIEMPayloadSizeLimit = size
	}

	if strings.TrimSpace(cfg.SystemUserPassword) == "" && isFirstInit() {
		return nil, fmt.Errorf("config: SYSTEM_USER_PASSWORD is required at first init")
	}

	return cfg, nil
}

func isFirstInit() bool {
	return GetEnvBool("FIRST_INIT", false)
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable. Accepts
// "true"/"1"/"yes"/"y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	return ParseBoolOrDefault(val, defaultValue)
}

// GetEnvInt retrieves an integer environment variable, falling back to
// defaultValue if unset or invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// SplitAndTrimCSV splits a comma-separated env value, trimming and
// dropping empty entries.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ParseByteSize parses a size string like "10MB"/"1GiB" into bytes.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		token      string
		multiplier int64
	}
	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024}, {"gb", 1024 * 1024 * 1024}, {"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024}, {"mb", 1024 * 1024}, {"m", 1024 * 1024},
		{"kib", 1024}, {"kb", 1024}, {"k", 1024},
		{"b", 1},
	}
	for _, s := range suffixes {
		if !strings.HasSuffix(value, s.token) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, s.token))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		return parsed * s.multiplier, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// ParseDurationOrDefault parses a duration string, falling back to def
// when raw is empty or invalid.
func ParseDurationOrDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return def
}

// ParseBoolOrDefault parses a boolean string, accepting
// "true"/"1"/"yes"/"y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}
