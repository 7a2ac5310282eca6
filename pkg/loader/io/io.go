package io

import (
	"context"
	"fmt"
	stdio "io"
	"os"
	"strings"
)

// FileFeedLoader opens feeds from the local filesystem. "-" reads stdin.
type FileFeedLoader struct {
	stdin stdio.Reader
}

// NewFileFeedLoader creates a new filesystem-based feed loader.
func NewFileFeedLoader() *FileFeedLoader {
	return &FileFeedLoader{stdin: os.Stdin}
}

func (l *FileFeedLoader) Open(_ context.Context, uri string) (stdio.ReadCloser, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == "-" {
		return stdio.NopCloser(l.stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}
