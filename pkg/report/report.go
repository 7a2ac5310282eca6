// Package report writes the artifacts of an ingestion run.
package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/graph"
	"github.com/lawgraph/ingest/pkg/logger"
)

// TimestampLayout prefixes every artifact file name.
const TimestampLayout = "2006-01-02T15-04-05"

// MissingFileName returns the report file name for a run started at.
func MissingFileName(at time.Time) string {
	return at.Format(TimestampLayout) + "_missing.log"
}

// SummaryFileName returns the summary file name for a run started at.
func SummaryFileName(at time.Time) string {
	return at.Format(TimestampLayout) + "_summary.json"
}

// FormatMissing writes one line per missing reference.
func FormatMissing(w io.Writer, missing []common.MissingReference) error {
	bw := bufio.NewWriter(w)
	for _, m := range missing {
		if _, err := bw.WriteString(m.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Publisher forwards missing references to a remediation consumer.
type Publisher interface {
	PublishMissing(ctx context.Context, runID string, missing []common.MissingReference) error
}

// Uploader stores a finished artifact remotely and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, name string, body io.ReadSeeker) (string, error)
}

// Reporter writes the missing-reference report and the run summary to Dir,
// then hands them to the optional Publisher and Uploader.
type Reporter struct {
	Dir       string
	Publisher Publisher
	Uploader  Uploader
}

// Result lists where the artifacts ended up.
type Result struct {
	MissingPath string
	SummaryPath string
	Uploaded    []string
}

// Report writes the artifacts for sum. The missing-reference report is written
// even when it is empty. Publishing and uploading are best effort: their
// failures are logged and joined into the returned error without affecting the
// local files.
func (r *Reporter) Report(ctx context.Context, sum graph.Summary) (Result, error) {
	var res Result
	dir := r.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, fmt.Errorf("create report dir: %w", err)
	}
	at := sum.StartedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var missing bytes.Buffer
	if err := FormatMissing(&missing, sum.Missing); err != nil {
		return res, err
	}
	missingPath := filepath.Join(dir, MissingFileName(at))
	if err := os.WriteFile(missingPath, missing.Bytes(), 0o644); err != nil {
		return res, fmt.Errorf("write missing report: %w", err)
	}
	res.MissingPath = missingPath

	summary, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return res, fmt.Errorf("encode summary: %w", err)
	}
	summaryPath := filepath.Join(dir, SummaryFileName(at))
	if err := os.WriteFile(summaryPath, summary, 0o644); err != nil {
		return res, fmt.Errorf("write summary: %w", err)
	}
	res.SummaryPath = summaryPath

	logger.Info("[Report] Written", "missing", res.MissingPath, "count", len(sum.Missing), "summary", res.SummaryPath)

	var errs []error
	if r.Publisher != nil && len(sum.Missing) > 0 {
		if err := r.Publisher.PublishMissing(ctx, sum.RunID, sum.Missing); err != nil {
			logger.Error("[Report] Failed to publish missing references", "run_id", sum.RunID, "err", err)
			errs = append(errs, fmt.Errorf("publish missing references: %w", err))
		}
	}
	if r.Uploader != nil {
		for _, f := range []struct {
			name string
			body []byte
		}{
			{MissingFileName(at), missing.Bytes()},
			{SummaryFileName(at), summary},
		} {
			key, err := r.Uploader.Upload(ctx, f.name, bytes.NewReader(f.body))
			if err != nil {
				logger.Error("[Report] Failed to upload", "file", f.name, "err", err)
				errs = append(errs, fmt.Errorf("upload %s: %w", f.name, err))
				continue
			}
			res.Uploaded = append(res.Uploaded, key)
		}
	}
	return res, errors.Join(errs...)
}
