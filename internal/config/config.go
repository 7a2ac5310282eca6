// Package config loads the process configuration once at start-up.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lawgraph/ingest/internal/storage"
	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/logger"
)

// Graph backends.
const (
	BackendNeo4j    = "neo4j"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is immutable for the duration of a run: Load it, apply flag
// overrides, Validate it, then pass it by value.
type Config struct {
	Backend        string
	GraphURI       string
	GraphUser      string
	GraphPassword  string
	GraphDatabase  string
	MaxPoolSize    int
	CallTimeout    time.Duration
	DatabaseURL    string

	Workers              int
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	UnreachableThreshold time.Duration
	ShutdownGrace        time.Duration
	ResolveCache         bool

	LogLevel  string
	LogDir    string
	ReportDir string

	RedisURL string

	RabbitHost     string
	RabbitPort     string
	RabbitUser     string
	RabbitPassword string

	S3                 storage.S3Params
	ReportBucketPrefix string
}

// Load reads the environment. Malformed numbers and durations are reported;
// missing values fall back to defaults.
func Load() (Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		n, err := util.GetEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	durVar := func(key string, def time.Duration) time.Duration {
		d, err := util.GetEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	cfg := Config{
		Backend:       strings.ToLower(util.GetEnvString("GRAPH_BACKEND", BackendNeo4j)),
		GraphURI:      util.GetEnvString("GRAPH_URI", "neo4j://localhost:7687"),
		GraphUser:     util.GetEnvString("GRAPH_USER", "neo4j"),
		GraphPassword: util.GetEnv("GRAPH_PASSWORD"),
		GraphDatabase: util.GetEnv("GRAPH_DATABASE"),
		MaxPoolSize:   intVar("GRAPH_MAX_POOL_SIZE", 16),
		CallTimeout:   durVar("GRAPH_CALL_TIMEOUT", 15*time.Second),
		DatabaseURL:   util.GetEnv("DATABASE_URL"),

		Workers:              intVar("WORKERS", 4),
		MaxAttempts:          intVar("MAX_ATTEMPTS", 5),
		RetryBaseDelay:       durVar("RETRY_BASE_DELAY", 200*time.Millisecond),
		RetryMaxDelay:        durVar("RETRY_MAX_DELAY", 10*time.Second),
		UnreachableThreshold: durVar("UNREACHABLE_THRESHOLD", 2*time.Minute),
		ShutdownGrace:        durVar("SHUTDOWN_GRACE", 30*time.Second),
		ResolveCache:         util.GetEnvBool("RESOLVE_CACHE", true),

		LogLevel:  util.GetEnvString("LOG_LEVEL", "info"),
		LogDir:    util.GetEnvString("LOG_DIR", "logs"),
		ReportDir: util.GetEnvString("REPORT_DIR", "."),

		RedisURL: util.GetEnv("REDIS_URL"),

		RabbitHost:     util.GetEnv("RABBITMQ_HOST"),
		RabbitPort:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		RabbitUser:     util.GetEnvString("RABBITMQ_USER", "guest"),
		RabbitPassword: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),

		S3:                 storage.S3ParamsFromEnv(),
		ReportBucketPrefix: util.GetEnvString("REPORT_BUCKET_PREFIX", "reports"),
	}
	return cfg, errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendNeo4j:
		if c.GraphURI == "" {
			errs = append(errs, errors.New("GRAPH_URI is required for the neo4j backend"))
		} else if u, err := url.Parse(c.GraphURI); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("GRAPH_URI %q is not a valid uri", c.GraphURI))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown graph backend %q (want neo4j, postgres or memory)", c.Backend))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxPoolSize < 1 {
		errs = append(errs, fmt.Errorf("GRAPH_MAX_POOL_SIZE must be at least 1, got %d", c.MaxPoolSize))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("GRAPH_CALL_TIMEOUT must be positive"))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be at least RETRY_BASE_DELAY"))
	}
	if c.UnreachableThreshold <= 0 {
		errs = append(errs, errors.New("UNREACHABLE_THRESHOLD must be positive"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_GRACE must be positive"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Backoff is the per-record retry schedule.
func (c Config) Backoff() util.Backoff {
	return util.Backoff{MaxTries: c.MaxAttempts, BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}
}

// Level returns the parsed log level. Call Validate first.
func (c Config) Level() logger.Level {
	l, _ := logger.ParseLevel(c.LogLevel)
	return l
}

// RabbitConfigured reports whether the remediation queue is enabled.
func (c Config) RabbitConfigured() bool {
	return c.RabbitHost != ""
}

// RabbitURL builds the amqp connection url.
func (c Config) RabbitURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitUser, c.RabbitPassword),
		Host:   c.RabbitHost + ":" + c.RabbitPort,
		Path:   "/",
	}
	return u.String()
}

// Redacted lists the settings worth logging. Credentials are left out.
func (c Config) Redacted() []any {
	return []any{
		"backend", c.Backend,
		"graph_uri", redactURL(c.GraphURI),
		"workers", c.Workers,
		"max_pool_size", c.MaxPoolSize,
		"call_timeout", c.CallTimeout,
		"max_attempts", c.MaxAttempts,
		"unreachable_threshold", c.UnreachableThreshold,
		"redis", c.RedisURL != "",
		"rabbitmq", c.RabbitConfigured(),
		"s3", c.S3.Configured(),
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User(u.User.Username())
	return u.String()
}
