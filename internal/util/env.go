package util

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/lawgraph/ingest/pkg/logger"
)

func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

func GetEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}

func GetEnvString(key string, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}

	return value
}

// GetEnvInt reads an integer. Malformed values are reported so configuration
// errors surface at start-up.
func GetEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &EnvError{Key: key, Value: value, Err: err}
	}
	return n, nil
}

// GetEnvDuration reads a Go duration such as "15s" or "2m".
func GetEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &EnvError{Key: key, Value: value, Err: err}
	}
	return d, nil
}

func GetEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	if value == "true" || value == "false" {
		return value == "true"
	}

	return defaultValue
}

// EnvError reports a malformed environment variable.
type EnvError struct {
	Key   string
	Value string
	Err   error
}

func (e *EnvError) Error() string {
	return "invalid " + e.Key + "=" + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *EnvError) Unwrap() error {
	return e.Err
}
