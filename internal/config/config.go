package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ingestion pipeline.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	GCP        GCPConfig        `mapstructure:"gcp"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Source     SourceConfig     `mapstructure:"source"`
	Insights   InsightsConfig   `mapstructure:"insights"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig points at the Postgres instance holding invoices and vectors.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig is optional. An empty address disables cross-process locks.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// GCPConfig carries the project and the service account material.
// Credentials are resolved in order: inline JSON, base64 JSON, file path,
// application default credentials.
type GCPConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	Region             string `mapstructure:"region"`
	StorageBucket      string `mapstructure:"storage_bucket"`
	CredentialsJSON    string `mapstructure:"credentials_json"`
	CredentialsBase64  string `mapstructure:"credentials_base64"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	RequireCredentials bool   `mapstructure:"require_credentials"`
}

type ExtractionConfig struct {
	FastModel           string        `mapstructure:"fast_model"`
	StrongModel         string        `mapstructure:"strong_model"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	RawTextCap          int           `mapstructure:"raw_text_cap"`
	ExemplarURL         string        `mapstructure:"exemplar_url"`
	MaxConcurrentCalls  int64         `mapstructure:"max_concurrent_calls"`
}

type EmbeddingConfig struct {
	Model         string `mapstructure:"model"`
	Dimensions    int    `mapstructure:"dimensions"`
	MinTextLength int    `mapstructure:"min_text_length"`
	FullDocCap    int    `mapstructure:"full_doc_cap"`
	CorrectionCap int    `mapstructure:"correction_cap"`
}

type ProcessingConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// Retry budgets for object storage and plain HTTP(S) downloads.
	StorageFetchRetries int `mapstructure:"storage_fetch_retries"`
	HTTPFetchRetries    int `mapstructure:"http_fetch_retries"`
	FetchBackoff time.Duration `mapstructure:"fetch_backoff"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Pacing       time.Duration `mapstructure:"pacing"`
	Concurrency  int           `mapstructure:"concurrency"`
	ValidatePDF  bool          `mapstructure:"validate_pdf"`
	Lookback     time.Duration `mapstructure:"lookback"`
}

// SourceConfig addresses the Metabase instance fronting the main app replica.
type SourceConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	DatabaseID int           `mapstructure:"database_id"`
	Dataset    string        `mapstructure:"dataset"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether the source system is configured.
func (s SourceConfig) Enabled() bool {
	return s.URL != "" && s.APIKey != ""
}

type InsightsConfig struct {
	WorkflowID       string `mapstructure:"workflow_id"`
	WorkflowLocation string `mapstructure:"workflow_location"`
	Window           string `mapstructure:"window"`
}

type CheckpointConfig struct {
	Backend    string `mapstructure:"backend"`
	Collection string `mapstructure:"collection"`
}

type ScheduleConfig struct {
	Cron        string `mapstructure:"cron"`
	Timezone    string `mapstructure:"timezone"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// MaxIndexedDimensions is the largest vector pgvector can build an HNSW or
// IVFFlat index over.
const MaxIndexedDimensions = 2000

// legacyEnv maps keys onto the variable names the service was deployed with.
var legacyEnv = map[string][]string{
	"database.url":             {"DATABASE_URL"},
	"redis.address":            {"REDIS_ADDR"},
	"gcp.project_id":           {"GOOGLE_CLOUD_PROJECT"},
	"gcp.storage_bucket":       {"STORAGE_BUCKET"},
	"gcp.credentials_json":     {"FIREBASE_SERVICE_ACCOUNT_KEY"},
	"gcp.credentials_base64":   {"SERVICE_ACCOUNT_JSON_BASE64"},
	"gcp.credentials_file":     {"FIREBASE_SERVICE_ACCOUNT_KEY_PATH"},
	"source.url":               {"METABASE_URL"},
	"source.api_key":           {"METABASE_API_KEY"},
	"embedding.model":          {"GEMINI_EMBEDDING_MODEL"},
	"embedding.dimensions":     {"GEMINI_EMBEDDING_DIMENSIONS"},
	"processing.batch_size":    {"INSIGHTS_BATCH_SIZE"},
	"processing.max_retries":   {"INSIGHTS_MAX_RETRIES"},
	"processing.storage_fetch_retries": {"INSIGHTS_PDF_FETCH_RETRIES"},
	"processing.http_fetch_retries":    {"INSIGHTS_PDF_FETCH_RETRIES"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 15*time.Minute)

	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.region", "us-central1")
	v.SetDefault("gcp.storage_bucket", "serviceupios.appspot.com")
	v.SetDefault("gcp.credentials_json", "")
	v.SetDefault("gcp.credentials_base64", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.require_credentials", false)

	v.SetDefault("extraction.fast_model", "gemini-2.5-flash")
	v.SetDefault("extraction.strong_model", "gemini-2.5-pro")
	v.SetDefault("extraction.timeout", 120*time.Second)
	v.SetDefault("extraction.confidence_threshold", 0.6)
	v.SetDefault("extraction.raw_text_cap", 8000)
	v.SetDefault("extraction.exemplar_url", "")
	v.SetDefault("extraction.max_concurrent_calls", 4)

	v.SetDefault("embedding.model", "gemini-embedding-001")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.min_text_length", 20)
	v.SetDefault("embedding.full_doc_cap", 8000)
	v.SetDefault("embedding.correction_cap", 4000)

	v.SetDefault("processing.batch_size", 10)
	v.SetDefault("processing.max_retries", 3)
	v.SetDefault("processing.retry_backoff", 2*time.Second)
	v.SetDefault("processing.storage_fetch_retries", 2)
	v.SetDefault("processing.http_fetch_retries", 3)
	v.SetDefault("processing.fetch_backoff", time.Second)
	v.SetDefault("processing.fetch_timeout", 30*time.Second)
	v.SetDefault("processing.pacing", time.Second)
	v.SetDefault("processing.concurrency", 1)
	v.SetDefault("processing.validate_pdf", true)
	v.SetDefault("processing.lookback", 48*time.Hour)

	v.SetDefault("source.url", "")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.database_id", 2)
	v.SetDefault("source.dataset", "stitch__serviceup__prod_us")
	v.SetDefault("source.timeout", 120*time.Second)

	v.SetDefault("insights.workflow_id", "")
	v.SetDefault("insights.workflow_location", "us-central1")
	v.SetDefault("insights.window", "90d")

	v.SetDefault("checkpoint.backend", "postgres")
	v.SetDefault("checkpoint.collection", "pipeline_state")

	v.SetDefault("schedule.cron", "0 23 * * *")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("schedule.metrics_addr", ":9090")
}

// Load reads configuration from an optional file and the environment.
// Environment variables use the INSIGHTS_ prefix with dots replaced by
// underscores, e.g. INSIGHTS_PROCESSING_BATCH_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INSIGHTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		args := append([]string{key, "INSIGHTS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Processing.BatchSize <= 0 {
		errs = append(errs, errors.New("processing.batch_size must be positive"))
	}
	if c.Processing.MaxRetries < 0 || c.Processing.StorageFetchRetries < 0 || c.Processing.HTTPFetchRetries < 0 {
		errs = append(errs, errors.New("retry budgets cannot be negative"))
	}
	if c.Processing.Concurrency <= 0 {
		errs = append(errs, errors.New("processing.concurrency must be positive"))
	}
	if c.Extraction.ConfidenceThreshold < 0 || c.Extraction.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("extraction.confidence_threshold must be within [0,1]"))
	}
	if c.Embedding.Dimensions <= 0 || c.Embedding.Dimensions > MaxIndexedDimensions {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be within [1,%d]", MaxIndexedDimensions))
	}
	switch c.Checkpoint.Backend {
	case "postgres", "firestore":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend))
	}
	if c.Checkpoint.Backend == "firestore" && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("gcp.project_id is required for the firestore checkpoint backend"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
