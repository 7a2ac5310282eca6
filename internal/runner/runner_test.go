package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lawgraph/ingest/internal/config"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/graph"
	"github.com/lawgraph/ingest/pkg/store/memory"
)

const feed = `{"kind":"agency","name":"A"}
{"kind":"officer","badge":"123","agency":"A","first_name":"Jon"}
{"kind":"complaint","id":"C1","officer_badge":"999","agency":"A"}
`

type recordingPublisher struct {
	mu      sync.Mutex
	runID   string
	missing []common.MissingReference
}

func (p *recordingPublisher) PublishMissing(_ context.Context, runID string, missing []common.MissingReference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.missing = append(p.missing, missing...)
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Backend:              config.BackendMemory,
		Workers:              2,
		MaxPoolSize:          4,
		MaxAttempts:          3,
		CallTimeout:          time.Second,
		RetryBaseDelay:       time.Millisecond,
		RetryMaxDelay:        5 * time.Millisecond,
		UnreachableThreshold: time.Minute,
		ShutdownGrace:        time.Second,
		LogLevel:             "info",
		LogDir:               t.TempDir(),
		ReportDir:            t.TempDir(),
	}
}

func writeFeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return path
}

func TestRun_MemoryBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	pub := &recordingPublisher{}
	st := memory.New()

	r, err := New(ctx, NewRunnerParams{Config: cfg, Store: st, Publisher: pub})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close(ctx)

	res, err := r.Run(ctx, RunParams{Input: writeFeed(t, feed), Workers: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.Summary
	if sum.Records != 3 || sum.Created != 3 || sum.Partial != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if st.Count(common.KindOfficer) != 1 {
		t.Fatal("officer was not written to the supplied store")
	}

	missing, err := os.ReadFile(res.Report.MissingPath)
	if err != nil {
		t.Fatalf("read missing report: %v", err)
	}
	if !strings.Contains(string(missing), "complaint:C1 -> officer:999 (line 3)") {
		t.Fatalf("unexpected missing report %q", missing)
	}
	raw, err := os.ReadFile(res.Report.SummaryPath)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var decoded graph.Summary
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if decoded.RunID != sum.RunID || decoded.Created != 3 {
		t.Fatalf("summary file does not match the run: %+v", decoded)
	}

	if pub.runID != sum.RunID || len(pub.missing) != 1 {
		t.Fatalf("expected the missing reference to be published, got %q %v", pub.runID, pub.missing)
	}
}

func TestRun_DryRunOpensMemoryStore(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, NewRunnerParams{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close(ctx)

	if _, ok := r.Store().(*memory.Store); ok {
		t.Fatal("store must be wrapped with the call timeout")
	}
	res, err := r.Run(ctx, RunParams{Input: writeFeed(t, feed)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Created != 3 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
}

func TestRun_UnreadableInputStillReports(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, NewRunnerParams{Config: testConfig(t), Store: memory.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close(ctx)

	res, err := r.Run(ctx, RunParams{Input: filepath.Join(t.TempDir(), "missing.jsonl")})
	var fe *common.FatalError
	if !errors.As(err, &fe) || fe.Reason != "input unreadable" {
		t.Fatalf("expected input unreadable, got %v", err)
	}
	if !res.Summary.Aborted {
		t.Fatalf("expected an aborted summary, got %+v", res.Summary)
	}
	if _, err := os.Stat(res.Report.MissingPath); err != nil {
		t.Fatalf("missing report not written: %v", err)
	}
}

func TestRun_UnwritableReportIsFatal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	// A regular file where the report directory should be.
	cfg.ReportDir = filepath.Join(t.TempDir(), "reports")
	if err := os.WriteFile(cfg.ReportDir, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := New(ctx, NewRunnerParams{Config: cfg, Store: memory.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close(ctx)

	res, err := r.Run(ctx, RunParams{Input: writeFeed(t, feed)})
	var fe *common.FatalError
	if !errors.As(err, &fe) || fe.Reason != "report unwritable" {
		t.Fatalf("expected report unwritable, got %v", err)
	}
	if res.Report.SummaryPath != "" {
		t.Fatalf("unexpected summary path %q", res.Report.SummaryPath)
	}
}

func TestNew_RedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	r, err := New(ctx, NewRunnerParams{Config: cfg, Store: memory.New()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := r.Run(ctx, RunParams{Input: writeFeed(t, feed), Workers: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Created != 3 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("locks left behind: %v", keys)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNew_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:1"
	if _, err := New(context.Background(), NewRunnerParams{Config: cfg, Store: memory.New()}); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "sqlite"
	if _, err := OpenStore(context.Background(), cfg); err == nil {
		t.Fatal("expected an error")
	}
}
