package file

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/logger/console"
)

// FileLogger writes the human-readable run log in logfmt.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	logger *log.Logger
	path   string
}

// FileLoggerParams contains configuration for creating a FileLogger.
type FileLoggerParams struct {
	Dir   string
	Level logger.Level
	Now   time.Time
}

// NewFileLogger creates <Dir>/<timestamp>_load.log, creating Dir if needed.
func NewFileLogger(params FileLoggerParams) (*FileLogger, error) {
	dir := params.Dir
	if dir == "" {
		dir = "logs"
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, now.Format("2006-01-02T15-04-05")+"_load.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	l := log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.LogfmtFormatter,
		Level:           console.CharmLevel(params.Level),
	})
	return &FileLogger{f: f, logger: l, path: path}, nil
}

// Path returns the location of the run log.
func (l *FileLogger) Path() string {
	return l.path
}

func (l *FileLogger) Log(message string, keyvals ...any) {
	l.logger.Print(message, keyvals...)
}

func (l *FileLogger) Info(message string, keyvals ...any) {
	l.logger.Info(message, keyvals...)
}

func (l *FileLogger) Warn(message string, keyvals ...any) {
	l.logger.Warn(message, keyvals...)
}

func (l *FileLogger) Error(message string, keyvals ...any) {
	l.logger.Error(message, keyvals...)
}

func (l *FileLogger) Debug(message string, keyvals ...any) {
	l.logger.Debug(message, keyvals...)
}

// Fatal writes a message at FATAL level, syncs the file and terminates the program.
func (l *FileLogger) Fatal(message string, keyvals ...any) {
	l.logger.Error(message, keyvals...)
	_ = l.Close()
	os.Exit(1)
}

// Close syncs and closes the underlying file. It is safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	_ = l.f.Sync()
	err := l.f.Close()
	l.f = nil
	return err
}
