// package config provides the environment-backed configuration loader
// used by the service bootstrap (cmd/certcore/main.go).
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the runtime config values used by main.go.
type Config struct {
	DatabaseURL string // DATABASE_URL (empty runs in-memory stores)
	ListenAddr  string // LISTEN_ADDR (default :8080)

	JWTSecret     string // JWT_SECRET
	DevAllowLocal bool   // DEV_ALLOW_LOCAL (header-based auth for local dev)

	CertPrefix           string  // CERT_PREFIX (default GACP)
	CCPDefinitionsFile   string  // CCP_DEFINITIONS_FILE (empty uses built-in defaults)
	PassingThreshold     float64 // PASSING_THRESHOLD (default 80)
	CorrectiveActionDays int     // CORRECTIVE_ACTION_DAYS (default 90)
	CertValidityDays     int     // CERT_VALIDITY_DAYS (default 1095)
	RenewalWindowDays    int     // RENEWAL_WINDOW_DAYS (default 90)
	SweepIntervalSeconds int     // SWEEP_INTERVAL_SECONDS (default 300)

	// Audit streaming. Both Kafka and S3 settings must be present for the
	// streamer to start.
	KafkaBrokers []string // KAFKA_BROKERS (comma separated)
	KafkaTopic   string   // KAFKA_TOPIC
	S3Bucket     string   // S3_BUCKET
	S3Prefix     string   // S3_PREFIX
}

// LoadFromEnv reads config values from environment variables and returns
// a Config pointer.
func LoadFromEnv() *Config {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ListenAddr:         os.Getenv("LISTEN_ADDR"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CertPrefix:         os.Getenv("CERT_PREFIX"),
		CCPDefinitionsFile: os.Getenv("CCP_DEFINITIONS_FILE"),
		KafkaTopic:         os.Getenv("KAFKA_TOPIC"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Prefix:           os.Getenv("S3_PREFIX"),
	}

	// sensible defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.CertPrefix == "" {
		cfg.CertPrefix = "GACP"
	}
	cfg.PassingThreshold = envFloat("PASSING_THRESHOLD", 80)
	cfg.CorrectiveActionDays = envInt("CORRECTIVE_ACTION_DAYS", 90)
	cfg.CertValidityDays = envInt("CERT_VALIDITY_DAYS", 3*365)
	cfg.RenewalWindowDays = envInt("RENEWAL_WINDOW_DAYS", 90)
	cfg.SweepIntervalSeconds = envInt("SWEEP_INTERVAL_SECONDS", 300)

	if v := os.Getenv("DEV_ALLOW_LOCAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevAllowLocal = b
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	return cfg
}

// StreamingEnabled reports whether enough config is present to run the
// audit streamer.
func (c *Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != "" && c.S3Bucket != ""
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}
