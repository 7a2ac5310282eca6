package loader

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func collect(t *testing.T, r io.Reader) ([]Line, error) {
	t.Helper()
	var out []Line
	for l, err := range Lines(r) {
		if err != nil {
			return out, err
		}
		out = append(out, l)
	}
	return out, nil
}

func TestLines_NumbersAndBlankLines(t *testing.T) {
	in := "\xef\xbb\xbf{\"a\":1}\n\n   \r\n{\"b\":2}\r\n{\"c\":3}"
	lines, err := collect(t, strings.NewReader(in))
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	want := []Line{{1, []byte(`{"a":1}`)}, {4, []byte(`{"b":2}`)}, {5, []byte(`{"c":3}`)}}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i := range want {
		if lines[i].Number != want[i].Number || string(lines[i].Data) != string(want[i].Data) {
			t.Fatalf("line %d = %d %q, want %d %q", i, lines[i].Number, lines[i].Data, want[i].Number, want[i].Data)
		}
	}
}

func TestLines_VeryLongLine(t *testing.T) {
	long := `{"kind":"document","description":"` + strings.Repeat("x", 1<<20) + `"}`
	lines, err := collect(t, strings.NewReader(long+"\n"))
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 1 || len(lines[0].Data) != len(long) {
		t.Fatalf("long line was truncated or split")
	}
}

func TestLines_ReadError(t *testing.T) {
	boom := errors.New("disk on fire")
	r := io.MultiReader(strings.NewReader("{}\n"), iotest.ErrReader(boom))
	lines, err := collect(t, r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected the line before the error, got %d", len(lines))
	}
}

type stubLoader struct{ uri string }

func (s *stubLoader) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	s.uri = uri
	return io.NopCloser(strings.NewReader("")), nil
}

func TestMux_DispatchesByScheme(t *testing.T) {
	file, s3 := &stubLoader{}, &stubLoader{}
	m := Mux{"": file, "s3": s3}

	if _, err := m.Open(context.Background(), "S3://bucket/feeds/a.jsonl"); err != nil {
		t.Fatalf("Open s3: %v", err)
	}
	if _, err := m.Open(context.Background(), "./feed.jsonl"); err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if s3.uri != "S3://bucket/feeds/a.jsonl" || file.uri != "./feed.jsonl" {
		t.Fatalf("wrong dispatch: s3=%q file=%q", s3.uri, file.uri)
	}
	if _, err := m.Open(context.Background(), "gs://bucket/x"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}
