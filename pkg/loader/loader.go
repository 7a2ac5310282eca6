// Package loader opens feed inputs and splits them into lines.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// Line is one raw feed line. Number is 1-based and counts blank lines too, so
// it matches what an editor shows.
type Line struct {
	Number int
	Data   []byte
}

// FeedLoader opens an input by URI. Implementations may read from disk,
// cloud storage, or other sources.
type FeedLoader interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Mux dispatches Open by URI scheme. The empty scheme handles plain paths.
type Mux map[string]FeedLoader

// Scheme returns the scheme of uri, or "" for a plain path.
func Scheme(uri string) string {
	if i := strings.Index(uri, "://"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	return ""
}

func (m Mux) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	scheme := Scheme(uri)
	l, ok := m[scheme]
	if !ok || l == nil {
		return nil, fmt.Errorf("no loader for scheme %q", scheme)
	}
	return l.Open(ctx, uri)
}

// Lines yields the non-blank lines of r. Lines may be arbitrarily long. A read
// error is yielded once and ends the sequence.
func Lines(r io.Reader) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		n := 0
		for {
			data, err := br.ReadBytes('\n')
			if len(data) > 0 {
				n++
				trimmed := bytes.TrimSpace(data)
				if n == 1 {
					trimmed = bytes.TrimPrefix(trimmed, []byte("\xef\xbb\xbf"))
				}
				if len(trimmed) > 0 {
					if !yield(Line{Number: n, Data: trimmed}, nil) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Line{Number: n + 1}, fmt.Errorf("read line %d: %w", n+1, err))
				}
				return
			}
		}
	}
}
