package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/logger"
	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// DedupMode selects how records with the same fingerprint are combined.
type DedupMode string

const (
	// DedupLastWrite emits the newest version and suppresses unchanged repeats.
	DedupLastWrite DedupMode = "last-write"
	// DedupMerge folds repeats into an accumulator with MergeFunction.
	DedupMerge DedupMode = "merge"
)

// MergeFunction combines numeric non-identity fields under DedupMerge.
type MergeFunction string

const (
	MergeSum MergeFunction = "sum"
	MergeMin MergeFunction = "min"
	MergeMax MergeFunction = "max"
)

// Source modes.
const (
	SourceModeFind  = "find"
	SourceModeWatch = "watch"
)

// Config is the single configuration value of a pipeline. It is built once
// by Load and passed by pointer into every constructor; nothing mutates it
// afterwards.
type Config struct {
	// Name identifies the pipeline; it keys the checkpoint record.
	Name string `mapstructure:"name" yaml:"name" json:"name"`

	BatchSize       int `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	QueueCapacity   int `mapstructure:"queue_capacity" yaml:"queue_capacity" json:"queue_capacity"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms" json:"flush_interval_ms"`
	MaxRetries      int `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	BackoffBaseMs   int `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMs    int `mapstructure:"backoff_max_ms" yaml:"backoff_max_ms" json:"backoff_max_ms"`
	PushTimeoutMs   int `mapstructure:"push_timeout_ms" yaml:"push_timeout_ms" json:"push_timeout_ms"`
	PopTimeoutMs    int `mapstructure:"pop_timeout_ms" yaml:"pop_timeout_ms" json:"pop_timeout_ms"`
	CommitTimeoutMs int `mapstructure:"commit_timeout_ms" yaml:"commit_timeout_ms" json:"commit_timeout_ms"`
	ReadTimeoutMs   int `mapstructure:"read_timeout_ms" yaml:"read_timeout_ms" json:"read_timeout_ms"`

	DedupMode       DedupMode     `mapstructure:"dedup_mode" yaml:"dedup_mode" json:"dedup_mode"`
	MergeFunction   MergeFunction `mapstructure:"merge_function" yaml:"merge_function" json:"merge_function"`
	DedupMaxEntries int           `mapstructure:"dedup_max_entries" yaml:"dedup_max_entries" json:"dedup_max_entries"`

	OnTypeMismatch schema.Policy       `mapstructure:"on_type_mismatch" yaml:"on_type_mismatch" json:"on_type_mismatch"`
	NestedPolicy   models.NestedPolicy `mapstructure:"nested_policy" yaml:"nested_policy" json:"nested_policy"`

	Source     SourceConfig     `mapstructure:"source" yaml:"source" json:"source"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink" json:"sink"`
	Schema     schema.Table     `mapstructure:"schema" yaml:"schema" json:"schema"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	Ngram      NgramConfig      `mapstructure:"ngram" yaml:"ngram" json:"ngram"`
	Log        logger.Config    `mapstructure:"log" yaml:"log" json:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// SourceConfig configures the MongoDB source.
type SourceConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri" json:"-"`
	Database   string `mapstructure:"database" yaml:"database" json:"database"`
	Collection string `mapstructure:"collection" yaml:"collection" json:"collection"`
	// Mode is "find" for a resumable snapshot scan or "watch" for a change stream.
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode"`
	// Filter is a MongoDB extended JSON query ANDed with the resume predicate.
	Filter string `mapstructure:"filter" yaml:"filter" json:"filter"`
	// ResumeKey must be unique and monotonic; find mode sorts and resumes on it.
	ResumeKey        string              `mapstructure:"resume_key" yaml:"resume_key" json:"resume_key"`
	FetchSize        int32               `mapstructure:"fetch_size" yaml:"fetch_size" json:"fetch_size"`
	ConnectTimeoutMs int                 `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	// SocketTimeoutMs bounds one network read, and one find cursor read.
	// It must exceed read_timeout_ms, the change stream's await time.
	SocketTimeoutMs  int                 `mapstructure:"socket_timeout_ms" yaml:"socket_timeout_ms" json:"socket_timeout_ms"`
	Fields           []models.Projection `mapstructure:"fields" yaml:"fields" json:"fields"`
	Exclude          []Exclusion         `mapstructure:"exclude" yaml:"exclude" json:"exclude"`
}

// Exclusion skips documents whose value at Path equals one of Values.
type Exclusion struct {
	Path   string        `mapstructure:"path" yaml:"path" json:"path"`
	Values []interface{} `mapstructure:"values" yaml:"values" json:"values"`
}

// SinkConfig configures the DuckDB sink.
type SinkConfig struct {
	// Path of the database file; empty opens an in-memory database.
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	// InsertChunk caps the rows of one INSERT statement.
	InsertChunk int  `mapstructure:"insert_chunk" yaml:"insert_chunk" json:"insert_chunk"`
	CreateTable bool `mapstructure:"create_table" yaml:"create_table" json:"create_table"`
}

// CheckpointConfig configures durable checkpoints.
type CheckpointConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	Bucket  string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
}

// NgramConfig configures n-gram expansion of a text field.
type NgramConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	TextField string `mapstructure:"text_field" yaml:"text_field" json:"text_field"`
	TimeField string `mapstructure:"time_field" yaml:"time_field" json:"time_field"`
	MaxWidth  int    `mapstructure:"max_width" yaml:"max_width" json:"max_width"`
	// Epoch is the "YYYY-MM" month counted as month 0.
	Epoch string `mapstructure:"epoch" yaml:"epoch" json:"epoch"`
	// MinCount is the total count an n-gram needs to appear in the
	// frequency view.
	MinCount int `mapstructure:"min_count" yaml:"min_count" json:"min_count"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Exporter   string  `mapstructure:"exporter" yaml:"exporter" json:"exporter"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

// New returns a configuration filled with defaults.
func New() *Config {
	return &Config{
		Name:            "duckbridge",
		BatchSize:       1000,
		QueueCapacity:   4,
		FlushIntervalMs: 1000,
		MaxRetries:      5,
		BackoffBaseMs:   100,
		BackoffMaxMs:    10000,
		PushTimeoutMs:   5000,
		PopTimeoutMs:    1000,
		CommitTimeoutMs: 30000,
		ReadTimeoutMs:   1000,
		DedupMode:       DedupLastWrite,
		MergeFunction:   MergeSum,
		OnTypeMismatch:  schema.PolicyNullAndLog,
		NestedPolicy:    models.NestedFlatten,
		Source: SourceConfig{
			URI:              "mongodb://localhost:27017",
			Mode:             SourceModeFind,
			ResumeKey:        "_id",
			FetchSize:        1000,
			ConnectTimeoutMs: 10000,
			SocketTimeoutMs:  30000,
		},
		Sink: SinkConfig{
			InsertChunk: 500,
			CreateTable: true,
		},
		Schema: schema.Table{
			VariantColumn: schema.DefaultVariantColumn,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Path:    "duckbridge.ckpt",
			Bucket:  "checkpoints",
		},
		Ngram: NgramConfig{
			MaxWidth: 5,
			Epoch:    "2017-01",
			MinCount: 20,
		},
		Log: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Metrics: MetricsConfig{
			Address: ":9108",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// FlushInterval is the idle-flush interval of an open batch.
func (c *Config) FlushInterval() time.Duration { return ms(c.FlushIntervalMs) }

// BackoffBase is the first retry delay.
func (c *Config) BackoffBase() time.Duration { return ms(c.BackoffBaseMs) }

// BackoffMax caps retry delays.
func (c *Config) BackoffMax() time.Duration { return ms(c.BackoffMaxMs) }

// PushTimeout bounds one blocking push into the channel.
func (c *Config) PushTimeout() time.Duration { return ms(c.PushTimeoutMs) }

// PopTimeout bounds one blocking pop from the channel.
func (c *Config) PopTimeout() time.Duration { return ms(c.PopTimeoutMs) }

// CommitTimeout bounds one batch transaction.
func (c *Config) CommitTimeout() time.Duration { return ms(c.CommitTimeoutMs) }

// SocketTimeout bounds one network read from the source.
func (c SourceConfig) SocketTimeout() time.Duration { return ms(c.SocketTimeoutMs) }

// ReadTimeout bounds one wait for the next source document.
func (c *Config) ReadTimeout() time.Duration { return ms(c.ReadTimeoutMs) }

// Validate checks the configuration for correctness and normalizes the
// target schema. It returns a config error describing the first problem.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"queue_capacity", c.QueueCapacity},
		{"flush_interval_ms", c.FlushIntervalMs},
		{"backoff_base_ms", c.BackoffBaseMs},
		{"backoff_max_ms", c.BackoffMaxMs},
		{"push_timeout_ms", c.PushTimeoutMs},
		{"pop_timeout_ms", c.PopTimeoutMs},
		{"commit_timeout_ms", c.CommitTimeoutMs},
		{"read_timeout_ms", c.ReadTimeoutMs},
		{"source.socket_timeout_ms", c.Source.SocketTimeoutMs},
		{"sink.insert_chunk", c.Sink.InsertChunk},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "name is required")
	}
	if c.MaxRetries < 0 {
		return errors.New(errors.ErrorTypeConfig, "max_retries cannot be negative")
	}
	if c.BackoffMaxMs < c.BackoffBaseMs {
		return errors.New(errors.ErrorTypeConfig, "backoff_max_ms must not be below backoff_base_ms")
	}

	switch c.DedupMode {
	case DedupLastWrite:
	case DedupMerge:
		if c.DedupMaxEntries > 0 {
			// a reset would land partial aggregates over complete ones
			return errors.New(errors.ErrorTypeConfig, "dedup_max_entries is only supported with dedup_mode last-write")
		}
		if c.Source.Mode == SourceModeWatch {
			return errors.New(errors.ErrorTypeConfig, "dedup_mode merge requires source.mode find")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown dedup_mode %q", c.DedupMode)
	}
	switch c.MergeFunction {
	case MergeSum, MergeMin, MergeMax:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown merge_function %q", c.MergeFunction)
	}
	if c.DedupMaxEntries < 0 {
		return errors.New(errors.ErrorTypeConfig, "dedup_max_entries cannot be negative")
	}

	if _, err := schema.ParsePolicy(string(c.OnTypeMismatch)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "on_type_mismatch")
	}
	switch c.NestedPolicy {
	case models.NestedFlatten, models.NestedBlob:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown nested_policy %q", c.NestedPolicy)
	}

	if c.Source.SocketTimeoutMs <= c.ReadTimeoutMs {
		return errors.New(errors.ErrorTypeConfig, "source.socket_timeout_ms must exceed read_timeout_ms")
	}

	switch c.Source.Mode {
	case SourceModeFind:
		if c.Source.ResumeKey == "" {
			return errors.New(errors.ErrorTypeConfig, "source.resume_key is required in find mode")
		}
	case SourceModeWatch:
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown source.mode %q", c.Source.Mode)
	}
	for i, p := range c.Source.Fields {
		if p.Name == "" || p.Path == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source.fields[%d] needs name and path", i)
		}
	}
	for i, ex := range c.Source.Exclude {
		if ex.Path == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source.exclude[%d] needs a path", i)
		}
	}

	if c.Checkpoint.Enabled && (c.Checkpoint.Path == "" || c.Checkpoint.Bucket == "") {
		return errors.New(errors.ErrorTypeConfig, "checkpoint.path and checkpoint.bucket are required")
	}

	if c.Ngram.Enabled {
		if c.Ngram.TextField == "" {
			return errors.New(errors.ErrorTypeConfig, "ngram.text_field is required")
		}
		if c.Ngram.MaxWidth <= 0 {
			return errors.New(errors.ErrorTypeConfig, "ngram.max_width must be positive")
		}
		if c.Ngram.MinCount <= 0 {
			return errors.New(errors.ErrorTypeConfig, "ngram.min_count must be positive")
		}
		if _, err := time.Parse("2006-01", c.Ngram.Epoch); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "ngram.epoch must be YYYY-MM")
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New(errors.ErrorTypeConfig, "tracing.sample_rate must be within [0, 1]")
	}

	if c.Ngram.Enabled && len(c.Schema.Columns) == 0 {
		// the n-gram table layout is supplied by the ngram package
		return nil
	}
	return c.Schema.Validate()
}

// String renders the tuning knobs for a startup log line.
func (c *Config) String() string {
	return fmt.Sprintf("name=%s batch_size=%d queue_capacity=%d flush_interval=%s dedup=%s on_type_mismatch=%s source=%s/%s.%s sink=%s.%s",
		c.Name, c.BatchSize, c.QueueCapacity, c.FlushInterval(), c.DedupMode, c.OnTypeMismatch,
		c.Source.Mode, c.Source.Database, c.Source.Collection, c.Sink.Path, c.Schema.Name)
}
