// Package config loads the engine's process configuration from the
// environment, matching the env-driven shape used throughout the teacher
// services (POLICY_DIR, RATE_LIMIT_CAPACITY, etc.) but consolidated into
// one struct since the whole engine is one process here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every knob named in SPEC_FULL.md §9.
type Config struct {
	HTTPAddr string

	HLLDefaultBits int
	HLLMaxBits     int

	OIDCIssuer         string
	OIDCAudienceIngest string
	JWKSURL            string
	JWKSLocalDir       string
	JWKSPositiveTTL    time.Duration
	JWKSNegativeTTL    time.Duration
	AcceptedEventNames []string

	MaxBlobBytes   int64
	SandboxFuel    uint64
	SandboxTimeout time.Duration

	StoreBackend string // "badger" | "bbolt"
	StorePath    string

	RateLimitCapacity int
	RateLimitRefill   int
	RateLimitInterval time.Duration

	CircuitWindow           time.Duration
	CircuitBuckets          int
	CircuitMinSamples       int
	CircuitFailureRateOpen  float64
	CircuitHalfOpenAfter    time.Duration
	CircuitMaxHalfOpenProbe int
}

// Load reads configuration from the environment, applying the defaults
// documented in spec.md (bits default 12, max 20; 5s sandbox deadline;
// 10^8 fuel; 10min/1min JWKS TTLs).
func Load() Config {
	return Config{
		HTTPAddr: getEnv("BAYES_HTTP_ADDR", ":8080"),

		HLLDefaultBits: intFromEnv("HLL_DEFAULT_BITS", 12),
		HLLMaxBits:     intFromEnv("HLL_MAX_BITS", 20),

		OIDCIssuer:         getEnv("OIDC_ISSUER", ""),
		OIDCAudienceIngest: getEnv("OIDC_AUDIENCE_INGEST", "bayes-engine-ingest"),
		JWKSURL:            getEnv("JWKS_URL", ""),
		JWKSLocalDir:       getEnv("JWKS_LOCAL_DIR", ""),
		JWKSPositiveTTL:    durationFromEnv("JWKS_POSITIVE_TTL", 10*time.Minute),
		JWKSNegativeTTL:    durationFromEnv("JWKS_NEGATIVE_TTL", 1*time.Minute),
		AcceptedEventNames: listFromEnv("ACCEPTED_EVENT_NAMES", []string{"push", "workflow_dispatch"}),

		MaxBlobBytes:   int64(intFromEnv("MAX_BLOB_BYTES", 8<<20)),
		SandboxFuel:    uint64(intFromEnv("SANDBOX_FUEL", 100_000_000)),
		SandboxTimeout: durationFromEnv("SANDBOX_TIMEOUT", 5*time.Second),

		StoreBackend: getEnv("STORE_BACKEND", "badger"),
		StorePath:    getEnv("STORE_PATH", "./data/bayes-engine"),

		RateLimitCapacity: intFromEnv("RATE_LIMIT_CAPACITY", 200),
		RateLimitRefill:   intFromEnv("RATE_LIMIT_REFILL", 200),
		RateLimitInterval: durationFromEnv("RATE_LIMIT_INTERVAL", time.Minute),

		CircuitWindow:           durationFromEnv("CIRCUIT_WINDOW", 30*time.Second),
		CircuitBuckets:          intFromEnv("CIRCUIT_BUCKETS", 6),
		CircuitMinSamples:       intFromEnv("CIRCUIT_MIN_SAMPLES", 5),
		CircuitFailureRateOpen:  floatFromEnv("CIRCUIT_FAILURE_RATE_OPEN", 0.5),
		CircuitHalfOpenAfter:    durationFromEnv("CIRCUIT_HALF_OPEN_AFTER", 10*time.Second),
		CircuitMaxHalfOpenProbe: intFromEnv("CIRCUIT_MAX_HALF_OPEN_PROBES", 3),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func floatFromEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func listFromEnv(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
