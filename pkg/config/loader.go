package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// EnvPrefix prefixes environment overrides: DUCKBRIDGE_BATCH_SIZE,
// DUCKBRIDGE_SOURCE_URI and so on.
const EnvPrefix = "DUCKBRIDGE"

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"name":              "name",
	"batch-size":        "batch_size",
	"queue-capacity":    "queue_capacity",
	"flush-interval-ms": "flush_interval_ms",
	"max-retries":       "max_retries",
	"backoff-base-ms":   "backoff_base_ms",
	"dedup-mode":        "dedup_mode",
	"on-type-mismatch":  "on_type_mismatch",
	"source-uri":        "source.uri",
	"sink-path":         "sink.path",
	"checkpoint-path":   "checkpoint.path",
	"log-level":         "log.level",
	"metrics-address":   "metrics.address",
}

// RegisterFlags defines the configuration flags on fs. Flags override the
// file and the environment only when set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	d := New()
	fs.String("name", d.Name, "pipeline name, keys the checkpoint")
	fs.Int("batch-size", d.BatchSize, "records per batch")
	fs.Int("queue-capacity", d.QueueCapacity, "sealed batches buffered between reader and writer")
	fs.Int("flush-interval-ms", d.FlushIntervalMs, "idle flush interval of an open batch")
	fs.Int("max-retries", d.MaxRetries, "retry budget for transient failures")
	fs.Int("backoff-base-ms", d.BackoffBaseMs, "first retry delay")
	fs.String("dedup-mode", string(d.DedupMode), "last-write or merge")
	fs.String("on-type-mismatch", string(d.OnTypeMismatch), "reject-batch, null-and-log or widen")
	fs.String("source-uri", "", "MongoDB connection string")
	fs.String("sink-path", d.Sink.Path, "DuckDB database file")
	fs.String("checkpoint-path", d.Checkpoint.Path, "checkpoint database file")
	fs.String("log-level", d.Log.Level, "log level")
	fs.String("metrics-address", d.Metrics.Address, "metrics listen address")
}

// Load resolves the configuration from defaults, the YAML file at path
// (optional), DUCKBRIDGE_* environment variables and explicitly set flags,
// in increasing priority. ${VAR} references in the file are substituted
// before parsing. The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(New())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to encode defaults")
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load defaults")
	}

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
		}
		content := substituteEnvVars(string(data))
		if err := v.MergeConfig(strings.NewReader(content)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			f := flags.Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind flag "+flag)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file")
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-fallback} uses fallback when the variable is unset or empty.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		ref := content[start+2 : end]
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		value := os.Getenv(name)
		if value == "" && hasFallback {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
