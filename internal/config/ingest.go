package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IngestConfig tunes the ingestion pipeline.
//
// PagesPerGroup:      pages sent to the vision model per extraction call.
// ExtractConcurrency: extraction calls in flight per document run.
// EmbedBatchSize:     chunks embedded per embedding request.
// EmbedDim:           expected embedding dimensionality; must match the chunk vector column.
// CallAttempts:       attempts per model call (inner retry).
// PipelineAttempts:   attempts per pipeline run (outer retry).
// PipelineRetryDelay: wait between pipeline attempts.
// MaxConcurrentRuns:  process-wide cap on documents ingesting at once.
// QueueSize:          buffered ingestion jobs; Enqueue on a full queue leaves the job to the sweep.
// RecoverInterval:    how often unfinished documents that are neither queued nor running are re-queued.
type IngestConfig struct {
	PagesPerGroup      int           `yaml:"pages_per_group"`
	ExtractConcurrency int           `yaml:"extract_concurrency"`
	EmbedBatchSize     int           `yaml:"embed_batch_size"`
	EmbedDim           int           `yaml:"embed_dim"`
	CallAttempts       int           `yaml:"call_attempts"`
	PipelineAttempts   int           `yaml:"pipeline_attempts"`
	PipelineRetryDelay time.Duration `yaml:"pipeline_retry_delay"`
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs"`
	QueueSize          int           `yaml:"queue_size"`
	RecoverInterval    time.Duration `yaml:"recover_interval"`
}

// LoadIngestConfig reads an ingest YAML file and applies defaults.
func LoadIngestConfig(path string) (*IngestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingest config: %w", err)
	}

	var cfg IngestConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse ingest config: %w", err)
	}

	ApplyIngestDefaults(&cfg)
	return &cfg, nil
}

// ApplyIngestDefaults sets default values for any zero values in cfg.
func ApplyIngestDefaults(cfg *IngestConfig) {
	if cfg.PagesPerGroup == 0 {
		cfg.PagesPerGroup = 5
	}
	if cfg.ExtractConcurrency == 0 {
		cfg.ExtractConcurrency = 20
	}
	if cfg.EmbedBatchSize == 0 {
		cfg.EmbedBatchSize = 100
	}
	if cfg.EmbedDim == 0 {
		cfg.EmbedDim = 768
	}
	if cfg.CallAttempts == 0 {
		cfg.CallAttempts = 10
	}
	if cfg.PipelineAttempts == 0 {
		cfg.PipelineAttempts = 3
	}
	if cfg.PipelineRetryDelay == 0 {
		cfg.PipelineRetryDelay = 5 * time.Second
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 5
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.RecoverInterval == 0 {
		cfg.RecoverInterval = 30 * time.Second
	}
}

// Validate rejects negative or otherwise unusable settings.
func (c *IngestConfig) Validate() error {
	var errs []error
	check := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	check("pages_per_group", c.PagesPerGroup)
	check("extract_concurrency", c.ExtractConcurrency)
	check("embed_batch_size", c.EmbedBatchSize)
	check("embed_dim", c.EmbedDim)
	check("call_attempts", c.CallAttempts)
	check("pipeline_attempts", c.PipelineAttempts)
	check("max_concurrent_runs", c.MaxConcurrentRuns)
	check("queue_size", c.QueueSize)
	if c.PipelineRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("pipeline_retry_delay must not be negative"))
	}
	if c.RecoverInterval <= 0 {
		errs = append(errs, fmt.Errorf("recover_interval must be positive"))
	}
	return errors.Join(errs...)
}
