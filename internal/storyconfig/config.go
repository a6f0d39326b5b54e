// Package storyconfig loads the process-wide server configuration: the
// story-serving HTTP address, logging, the LLM provider to wire, the
// librarian sweep schedule, and the observability toggles named in this
// repo's data model. It follows the donor config package's loader idiom
// (YAML with $include and env-var expansion) trimmed to this server's own
// configuration surface.
package storyconfig

import (
	"time"
)

// Config is the top-level configuration document, one YAML (or JSON5) file
// read at process start.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Librarian LibrarianConfig `yaml:"librarian"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"` // json|text, default json
}

// LLMConfig selects and configures the generation pipeline's provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"`    // anthropic|openai|bedrock, matches a registered agent.LLMProvider
	Model     string `yaml:"model"`       // default model id, overridable per request
	APIKeyEnv string `yaml:"api_key_env"` // env var name holding the provider API key, unused by bedrock
	Region    string `yaml:"region"`      // AWS region, bedrock only; defaults to us-east-1
}

// LibrarianConfig configures the librarian scheduler's debounce and
// independent staleness sweep.
type LibrarianConfig struct {
	DebounceMs      int           `yaml:"debounce_ms"`
	SweepCron       string        `yaml:"sweep_cron"`
	StalenessWindow time.Duration `yaml:"staleness_window"`
}

// MetricsConfig toggles the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Defaults applied after loading when the document leaves a field unset.
const (
	DefaultAddr                = ":8080"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultLLMProvider         = "anthropic"
	DefaultLibrarianDebounceMs = 2000
)

// withDefaults fills in the zero-value fields this server needs to run
// without a fully-specified config document, mirroring the donor's
// pattern of defaulting optional sections rather than failing validation.
func (c *Config) withDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = DefaultLLMProvider
	}
	if c.Librarian.DebounceMs == 0 {
		c.Librarian.DebounceMs = DefaultLibrarianDebounceMs
	}
}
