package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	StorageDir   string
	SslCertPath  string
	AIAPIKey     string
	EmbedModel   string
	GenModel     string
	ChatModel    string
	Port         string
	JWTSecret    string
	CorsOrigins  []string
	Debug        bool
	Ingest       IngestConfig
}

// LoadConfig loads the environment variables (and the optional ingest YAML file) and returns config.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "pagewise-docs"),
		StorageDir:   getEnv("STORAGE_DIR", "./uploads"),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AIAPIKey:     getEnv("GEMINI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "gemini-embedding-001"),
		GenModel:     getEnv("GEN_MODEL", "gemini-2.5-flash"),
		ChatModel:    getEnv("CHAT_MODEL", "gemini-2.5-flash"),
		Port:         getEnv("PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		CorsOrigins:  getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),
		Debug:        getEnvBool("DEBUG", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL not set")
	}

	if path := getEnv("INGEST_CONFIG_FILE", ""); path != "" {
		ing, err := LoadIngestConfig(path)
		if err != nil {
			return nil, err
		}
		cfg.Ingest = *ing
	}
	applyIngestEnv(&cfg.Ingest)
	ApplyIngestDefaults(&cfg.Ingest)

	if err := cfg.Ingest.Validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}
	return cfg, nil
}

// UseS3 reports whether uploads go to S3 rather than the local storage directory.
func (c *Config) UseS3() bool {
	return c.AwsAccessKey != "" && c.AwsSecretKey != ""
}

func applyIngestEnv(ing *IngestConfig) {
	ing.PagesPerGroup = getEnvInt("PAGES_PER_GROUP", ing.PagesPerGroup)
	ing.ExtractConcurrency = getEnvInt("EXTRACT_CONCURRENCY", ing.ExtractConcurrency)
	ing.EmbedBatchSize = getEnvInt("EMBED_BATCH_SIZE", ing.EmbedBatchSize)
	ing.EmbedDim = getEnvInt("EMBED_DIM", ing.EmbedDim)
	ing.CallAttempts = getEnvInt("CALL_ATTEMPTS", ing.CallAttempts)
	ing.PipelineAttempts = getEnvInt("PIPELINE_ATTEMPTS", ing.PipelineAttempts)
	ing.PipelineRetryDelay = getEnvDuration("PIPELINE_RETRY_DELAY", ing.PipelineRetryDelay)
	ing.MaxConcurrentRuns = getEnvInt("MAX_CONCURRENT_RUNS", ing.MaxConcurrentRuns)
	ing.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", ing.QueueSize)
	ing.RecoverInterval = getEnvDuration("INGEST_RECOVER_INTERVAL", ing.RecoverInterval)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
