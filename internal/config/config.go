// Package config loads and validates extraction configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

// Registry backends.
const (
	BackendHub    = "hub"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Dataset  DatasetConfig  `mapstructure:"dataset"`
	Result   ResultConfig   `mapstructure:"result"`
	Filter   FilterConfig   `mapstructure:"filter"`
	Run      RunConfig      `mapstructure:"run"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Hub      HubConfig      `mapstructure:"hub"`
	Registry RegistryConfig `mapstructure:"registry"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	DB       DBConfig       `mapstructure:"db"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatasetConfig names the source dataset.
type DatasetConfig struct {
	Identity string `mapstructure:"identity"`
	Revision string `mapstructure:"revision"`
}

// ResultConfig names the published dataset. Revision is the branch the result
// is read from and committed to; it is independent of the source revision.
type ResultConfig struct {
	Identity   string `mapstructure:"identity"`
	Revision   string `mapstructure:"revision"`
	Visibility string `mapstructure:"visibility"`
}

// FilterConfig holds the fixed row predicates.
type FilterConfig struct {
	TargetLanguage string `mapstructure:"target_language"`
	DomainPattern  string `mapstructure:"domain_pattern"`
	NewsPath       string `mapstructure:"news_path"`
}

// RunConfig governs subset selection and shard parallelism.
type RunConfig struct {
	// SubsetLimit caps the number of subsets considered; zero means all.
	SubsetLimit  int      `mapstructure:"subset_limit"`
	ReverseOrder bool     `mapstructure:"reverse_order"`
	Concurrency  int      `mapstructure:"concurrency"`
	Subsets      []string `mapstructure:"subsets"`
	// KeepCache leaves published subsets in the cache instead of evicting them.
	KeepCache bool `mapstructure:"keep_cache"`
}

// CacheConfig sets where filtered shards are cached.
type CacheConfig struct {
	Root      string `mapstructure:"root"`
	BatchSize int    `mapstructure:"batch_size"`
}

// CatalogConfig controls partition resolution.
type CatalogConfig struct {
	ExcludePartitions []string `mapstructure:"exclude_partitions"`
}

// HubConfig configures the dataset hub client.
type HubConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// RegistryConfig selects where subsets are published.
type RegistryConfig struct {
	Backend string    `mapstructure:"backend"`
	GCS     GCSConfig `mapstructure:"gcs"`
}

// GCSConfig locates the bucket used by the gcs backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the run ledger database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig enables span export when Endpoint is set.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP traces URL, e.g. http://localhost:4318/v1/traces.
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FWNEWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("hub.token", "FWNEWS_HUB_TOKEN", "HF_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind hub token: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataset.identity", "HuggingFaceFW/fineweb")
	v.SetDefault("dataset.revision", "main")
	v.SetDefault("result.identity", "")
	v.SetDefault("result.revision", "main")
	v.SetDefault("result.visibility", string(extract.VisibilityPublic))
	v.SetDefault("filter.target_language", "en")
	v.SetDefault("filter.domain_pattern", `(^|\.)bbc\.(co\.uk|com)$`)
	v.SetDefault("filter.news_path", "/news/")
	v.SetDefault("run.subset_limit", 0)
	v.SetDefault("run.reverse_order", false)
	v.SetDefault("run.concurrency", 1)
	v.SetDefault("run.subsets", []string{})
	v.SetDefault("run.keep_cache", false)
	v.SetDefault("cache.root", filepath.Join(os.TempDir(), "fineweb-news"))
	v.SetDefault("cache.batch_size", 1024)
	v.SetDefault("catalog.exclude_partitions", []string{"default"})
	v.SetDefault("hub.endpoint", "https://huggingface.co")
	v.SetDefault("hub.timeout_seconds", 60)
	v.SetDefault("hub.max_retries", 3)
	v.SetDefault("registry.backend", BackendHub)
	v.SetDefault("registry.gcs.bucket", "")
	v.SetDefault("registry.gcs.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dataset.Identity) == "" {
		return fmt.Errorf("dataset.identity is required")
	}
	if c.Result.Identity != "" && c.Result.Identity == c.Dataset.Identity {
		return fmt.Errorf("result.identity must differ from dataset.identity")
	}
	switch extract.Visibility(c.Result.Visibility) {
	case extract.VisibilityPublic, extract.VisibilityPrivate:
	default:
		return fmt.Errorf("result.visibility must be %q or %q", extract.VisibilityPublic, extract.VisibilityPrivate)
	}
	if strings.TrimSpace(c.Result.Revision) == "" {
		return fmt.Errorf("result.revision is required")
	}
	if c.Filter.TargetLanguage == "" {
		return fmt.Errorf("filter.target_language is required")
	}
	if _, err := regexp.Compile(c.Filter.DomainPattern); err != nil {
		return fmt.Errorf("filter.domain_pattern: %w", err)
	}
	if c.Filter.NewsPath == "" {
		return fmt.Errorf("filter.news_path is required")
	}
	if c.Run.SubsetLimit < 0 {
		return fmt.Errorf("run.subset_limit must be >= 0")
	}
	if c.Run.Concurrency <= 0 {
		return fmt.Errorf("run.concurrency must be > 0")
	}
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if c.Cache.BatchSize <= 0 {
		return fmt.Errorf("cache.batch_size must be > 0")
	}
	if c.Hub.TimeoutSeconds <= 0 {
		return fmt.Errorf("hub.timeout_seconds must be > 0")
	}
	if c.Hub.MaxRetries < 0 {
		return fmt.Errorf("hub.max_retries must be >= 0")
	}
	backends := []string{BackendHub, BackendGCS, BackendMemory}
	if !slices.Contains(backends, c.Registry.Backend) {
		return fmt.Errorf("registry.backend must be one of %s", strings.Join(backends, ", "))
	}
	if c.Registry.Backend == BackendGCS && c.Registry.GCS.Bucket == "" {
		return fmt.Errorf("registry.gcs.bucket must be set when registry.backend is gcs")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Tracing.Endpoint != "" {
		u, err := url.Parse(c.Tracing.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("tracing.endpoint must be an http(s) URL, got %q", c.Tracing.Endpoint)
		}
	}
	return nil
}

// ValidateRun adds the requirements of a publishing run.
func (c Config) ValidateRun() error {
	if strings.TrimSpace(c.Result.Identity) == "" {
		return fmt.Errorf("result.identity is required to publish")
	}
	return nil
}

// HubTimeout converts the hub timeout to a duration.
func (c Config) HubTimeout() time.Duration {
	return time.Duration(c.Hub.TimeoutSeconds) * time.Second
}

// Visibility returns the typed publish visibility.
func (c Config) Visibility() extract.Visibility {
	return extract.Visibility(c.Result.Visibility)
}
