// Package config loads sessiond settings from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/designs/sessiond/internal/policy"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendRedis    = "redis"
)

// Config is the complete sessiond configuration.
type Config struct {
	TTL          TTLConfig          `yaml:"ttl"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Cleanup      CleanupConfig      `yaml:"cleanup"`
	Policy       PolicyConfig       `yaml:"policy"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Conversation ConversationConfig `yaml:"conversation"`
	Files        FilesConfig        `yaml:"files"`
	Index        IndexConfig        `yaml:"index"`
}

// TTLConfig holds the idle timeouts per TTL class.
type TTLConfig struct {
	LongSeconds  int `yaml:"long_seconds"`
	ShortSeconds int `yaml:"short_seconds"`
}

// SweepConfig controls the background sweep.
type SweepConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	Concurrency     int     `yaml:"concurrency"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
}

// CleanupConfig controls resource reclamation.
type CleanupConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PolicyConfig selects the expiry classifier.
type PolicyConfig struct {
	// Expression is an expr-lang boolean that marks a response Short.
	// Empty selects the keyword classifier.
	Expression string `yaml:"expression"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
	// RequestsPerSecond limits requests per user. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ConversationConfig selects the conversation history backend.
type ConversationConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	MaxMessages int    `yaml:"max_messages"`
}

// FilesConfig selects the uploaded-file backend.
type FilesConfig struct {
	Backend  string `yaml:"backend"`
	Root     string `yaml:"root"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
}

// IndexConfig selects the search index backend.
type IndexConfig struct {
	Backend   string `yaml:"backend"`
	Root      string `yaml:"root"`
	RedisAddr string `yaml:"redis_addr"`
}

// Error reports a missing or invalid setting. It is fatal at startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TTL:          TTLConfig{LongSeconds: 3600, ShortSeconds: 300},
		Sweep:        SweepConfig{IntervalSeconds: 1800, Concurrency: 4},
		Cleanup:      CleanupConfig{TimeoutSeconds: 30},
		Server:       ServerConfig{Addr: ":8080", Burst: 20},
		Log:          LogConfig{Level: "info"},
		Conversation: ConversationConfig{Backend: BackendMemory, SQLitePath: "checkpoints.sqlite", MaxMessages: 50},
		Files:        FilesConfig{Backend: BackendLocal, Root: "user_files", S3Prefix: "users/"},
		Index:        IndexConfig{Backend: BackendLocal, Root: "chroma_db"},
	}
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &Error{Field: path, Reason: fmt.Sprintf("parsing YAML: %v", err)}
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envBindings maps each environment variable to its field.
var envBindings = []struct {
	env   string
	field func(c *Config) any
}{
	{"LONG_TTL_SECONDS", func(c *Config) any { return &c.TTL.LongSeconds }},
	{"SHORT_TTL_SECONDS", func(c *Config) any { return &c.TTL.ShortSeconds }},
	{"SWEEP_INTERVAL_SECONDS", func(c *Config) any { return &c.Sweep.IntervalSeconds }},
	{"SWEEP_CONCURRENCY", func(c *Config) any { return &c.Sweep.Concurrency }},
	{"SWEEP_RATE_PER_SECOND", func(c *Config) any { return &c.Sweep.RatePerSecond }},
	{"CLEANUP_TIMEOUT_SECONDS", func(c *Config) any { return &c.Cleanup.TimeoutSeconds }},
	{"EXPIRY_POLICY_EXPR", func(c *Config) any { return &c.Policy.Expression }},
	{"SESSIOND_ADDR", func(c *Config) any { return &c.Server.Addr }},
	{"SESSIOND_API_KEY", func(c *Config) any { return &c.Server.APIKey }},
	{"SESSIOND_RATE_LIMIT", func(c *Config) any { return &c.Server.RequestsPerSecond }},
	{"SESSIOND_RATE_BURST", func(c *Config) any { return &c.Server.Burst }},
	{"SESSIOND_LOG_LEVEL", func(c *Config) any { return &c.Log.Level }},
	{"CONVERSATION_BACKEND", func(c *Config) any { return &c.Conversation.Backend }},
	{"CONVERSATION_SQLITE_PATH", func(c *Config) any { return &c.Conversation.SQLitePath }},
	{"CONVERSATION_POSTGRES_URL", func(c *Config) any { return &c.Conversation.PostgresURL }},
	{"CONVERSATION_MAX_MESSAGES", func(c *Config) any { return &c.Conversation.MaxMessages }},
	{"FILES_BACKEND", func(c *Config) any { return &c.Files.Backend }},
	{"FILES_ROOT", func(c *Config) any { return &c.Files.Root }},
	{"FILES_S3_BUCKET", func(c *Config) any { return &c.Files.S3Bucket }},
	{"FILES_S3_PREFIX", func(c *Config) any { return &c.Files.S3Prefix }},
	{"INDEX_BACKEND", func(c *Config) any { return &c.Index.Backend }},
	{"INDEX_ROOT", func(c *Config) any { return &c.Index.Root }},
	{"INDEX_REDIS_ADDR", func(c *Config) any { return &c.Index.RedisAddr }},
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		val, ok := lookup(b.env)
		if !ok {
			continue
		}
		switch p := b.field(c).(type) {
		case *string:
			*p = val
		case *int:
			n, err := strconv.Atoi(val)
			if err != nil {
				return &Error{Field: b.env, Reason: fmt.Sprintf("cannot convert %q to int", val)}
			}
			*p = n
		case *float64:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return &Error{Field: b.env, Reason: fmt.Sprintf("cannot convert %q to float", val)}
			}
			*p = f
		}
	}
	return nil
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Validate checks every setting and returns the first problem as *Error.
func (c *Config) Validate() error {
	positive := []struct {
		field   string
		v       int
		seconds bool
	}{
		{"ttl.long_seconds", c.TTL.LongSeconds, true},
		{"ttl.short_seconds", c.TTL.ShortSeconds, true},
		{"sweep.interval_seconds", c.Sweep.IntervalSeconds, true},
		{"sweep.concurrency", c.Sweep.Concurrency, false},
		{"cleanup.timeout_seconds", c.Cleanup.TimeoutSeconds, true},
		{"conversation.max_messages", c.Conversation.MaxMessages, false},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &Error{Field: p.field, Reason: fmt.Sprintf("must be positive, got %d", p.v)}
		}
		if p.seconds && int64(p.v) > maxSeconds {
			return &Error{Field: p.field, Reason: fmt.Sprintf("must not exceed %d, got %d", maxSeconds, p.v)}
		}
	}
	if c.TTL.ShortSeconds > c.TTL.LongSeconds {
		return &Error{Field: "ttl.short_seconds", Reason: "must not exceed ttl.long_seconds"}
	}
	if c.Sweep.RatePerSecond < 0 {
		return &Error{Field: "sweep.rate_per_second", Reason: "must not be negative"}
	}
	if c.Server.RequestsPerSecond < 0 {
		return &Error{Field: "server.requests_per_second", Reason: "must not be negative"}
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst <= 0 {
		return &Error{Field: "server.burst", Reason: "must be positive when a rate limit is set"}
	}
	if c.Server.Addr == "" {
		return &Error{Field: "server.addr", Reason: "is required"}
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		return &Error{Field: "log.level", Reason: err.Error()}
	}
	if c.Policy.Expression != "" {
		if _, err := policy.CompileExpr(c.Policy.Expression); err != nil {
			return &Error{Field: "policy.expression", Reason: err.Error()}
		}
	}

	switch c.Conversation.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Conversation.SQLitePath == "" {
			return &Error{Field: "conversation.sqlite_path", Reason: "is required for the sqlite backend"}
		}
	case BackendPostgres:
		if c.Conversation.PostgresURL == "" {
			return &Error{Field: "conversation.postgres_url", Reason: "is required for the postgres backend"}
		}
	default:
		return &Error{Field: "conversation.backend", Reason: fmt.Sprintf("unknown backend %q", c.Conversation.Backend)}
	}

	switch c.Files.Backend {
	case BackendLocal:
		if c.Files.Root == "" {
			return &Error{Field: "files.root", Reason: "is required for the local backend"}
		}
	case BackendS3:
		if c.Files.S3Bucket == "" {
			return &Error{Field: "files.s3_bucket", Reason: "is required for the s3 backend"}
		}
	default:
		return &Error{Field: "files.backend", Reason: fmt.Sprintf("unknown backend %q", c.Files.Backend)}
	}

	switch c.Index.Backend {
	case BackendLocal:
		if c.Index.Root == "" {
			return &Error{Field: "index.root", Reason: "is required for the local backend"}
		}
	case BackendRedis:
		if c.Index.RedisAddr == "" {
			return &Error{Field: "index.redis_addr", Reason: "is required for the redis backend"}
		}
	default:
		return &Error{Field: "index.backend", Reason: fmt.Sprintf("unknown backend %q", c.Index.Backend)}
	}
	return nil
}

// TTLs returns the idle timeouts as durations.
func (c *Config) TTLs() policy.TTLs {
	return policy.TTLs{
		Short: time.Duration(c.TTL.ShortSeconds) * time.Second,
		Long:  time.Duration(c.TTL.LongSeconds) * time.Second,
	}
}

// SweepInterval returns the time between sweeps.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// CleanupTimeout returns the per-collaborator cleanup timeout.
func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Cleanup.TimeoutSeconds) * time.Second
}

// Classifier builds the configured expiry classifier.
func (c *Config) Classifier() (policy.Classifier, error) {
	if c.Policy.Expression == "" {
		return policy.NewKeywords(), nil
	}
	e, err := policy.CompileExpr(c.Policy.Expression)
	if err != nil {
		return nil, &Error{Field: "policy.expression", Reason: err.Error()}
	}
	return e, nil
}

// Secrets returns the configured values that must never be logged.
func (c *Config) Secrets() []string {
	var out []string
	if c.Server.APIKey != "" {
		out = append(out, c.Server.APIKey)
	}
	if u, err := url.Parse(c.Conversation.PostgresURL); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			out = append(out, pw)
		}
	}
	return out
}

// Masked returns a copy of c that is safe to print: the API key and the
// password in the postgres URL are replaced.
func (c *Config) Masked() *Config {
	m := *c
	if m.Server.APIKey != "" {
		m.Server.APIKey = "***"
	}
	if u, err := url.Parse(m.Conversation.PostgresURL); err == nil && u.User != nil {
		m.Conversation.PostgresURL = u.Redacted()
	}
	return &m
}
