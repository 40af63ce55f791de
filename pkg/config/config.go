// Package config loads VectorNode server configuration from the environment
// and the optional YAML rules profile.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vectornode/vectornode/pkg/artifacts"
)

// Config holds server configuration.
type Config struct {
	Environment string
	Port        string
	HealthPort  string
	LogLevel    string
	LogFormat   string

	// DatabaseURL is empty in lite mode; the store then opens SQLite under DataDir.
	DatabaseURL string
	DataDir     string

	AuthSecret string
	QRSecret   string
	RedisURL   string

	Artifacts artifacts.Config

	KafkaBrokers string
	KafkaTopic   string

	OTLPEndpoint string
	OTLPInsecure bool

	RulesPath       string
	DisputeDeadline time.Duration

	CORSOrigins       []string
	RateLimitRPS      int
	RateLimitBurst    int
	ActorRPM          int
	ScanRPM           int
	UploadConcurrency int
	IdempotencyTTL    time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := env("DATA_DIR", "data")
	return &Config{
		Environment: env("ENVIRONMENT", "development"),
		Port:        env("PORT", "8080"),
		HealthPort:  env("HEALTH_PORT", "8081"),
		LogLevel:    strings.ToUpper(env("LOG_LEVEL", "INFO")),
		LogFormat:   strings.ToLower(env("LOG_FORMAT", "text")),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     dataDir,

		AuthSecret: os.Getenv("AUTH_SECRET"),
		QRSecret:   os.Getenv("QR_SECRET"),
		RedisURL:   os.Getenv("REDIS_URL"),

		Artifacts: artifacts.Config{
			Type:       artifacts.StoreType(strings.ToLower(os.Getenv("ARTIFACT_STORAGE_TYPE"))),
			DataDir:    dataDir,
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},

		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   env("KAFKA_TOPIC", "vectornode.events"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",

		RulesPath:       os.Getenv("RULES_PATH"),
		DisputeDeadline: time.Duration(envInt("DISPUTE_DEADLINE_HOURS", 48)) * time.Hour,

		CORSOrigins:       envList("CORS_ORIGINS", "http://localhost:3000"),
		RateLimitRPS:      envInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 40),
		ActorRPM:          envInt("ACTOR_RPM", 300),
		ScanRPM:           envInt("SCAN_RPM", 60),
		UploadConcurrency: envInt("UPLOAD_CONCURRENCY", 4),
		IdempotencyTTL:    time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Validate rejects configurations that are unsafe outside development.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDevelopment() {
		if c.AuthSecret == "" {
			errs = append(errs, errors.New("AUTH_SECRET is required outside development"))
		}
		if c.QRSecret == "" {
			errs = append(errs, errors.New("QR_SECRET is required outside development"))
		}
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be at least 32 bytes"))
	}
	if c.DisputeDeadline <= 0 {
		errs = append(errs, errors.New("DISPUTE_DEADLINE_HOURS must be positive"))
	}
	if c.UploadConcurrency < 1 {
		errs = append(errs, errors.New("UPLOAD_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

func envList(key, def string) []string {
	var out []string
	for _, part := range strings.Split(env(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
