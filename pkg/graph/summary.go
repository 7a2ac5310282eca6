package graph

import (
	"errors"
	"sort"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/store"
)

var errMissingStore = errors.New("graph client needs a store")

// Failure describes one record that was not applied.
type Failure struct {
	Line   int    `json:"line"`
	Kind   string `json:"kind,omitempty"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// Summary aggregates the outcome of one run. Invalid records never reached the
// store; Partial counts applied records with at least one unresolved reference.
type Summary struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Records   int `json:"records"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Invalid   int `json:"invalid"`
	Partial   int `json:"partial"`

	Missing  []common.MissingReference `json:"missing,omitempty"`
	Failures []Failure                 `json:"failures,omitempty"`

	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
}

type outcome struct {
	line    int
	kind    common.Kind
	key     common.NaturalKey
	result  common.UpsertResult
	invalid bool
	err     error
}

func (s *Summary) add(o outcome) {
	s.Records++
	s.Missing = append(s.Missing, o.result.Unresolved...)
	if o.invalid {
		s.Invalid++
		s.Failures = append(s.Failures, Failure{Line: o.line, Kind: string(o.kind), Reason: o.err.Error()})
		return
	}
	if o.err != nil {
		s.Failed++
		s.Failures = append(s.Failures, Failure{Line: o.line, Kind: string(o.kind), Key: o.key.Qualified(), Reason: o.err.Error()})
		return
	}
	switch o.result.Outcome {
	case common.Created:
		s.Created++
	case common.Updated:
		s.Updated++
	case common.Unchanged:
		s.Unchanged++
	}
	if o.result.Partial() {
		s.Partial++
	}
}

// finish orders missing references and failures by input line. References of
// one record keep their resolution order.
func (s *Summary) finish(at time.Time) {
	s.FinishedAt = at
	sort.SliceStable(s.Missing, func(i, j int) bool { return s.Missing[i].Line < s.Missing[j].Line })
	sort.SliceStable(s.Failures, func(i, j int) bool { return s.Failures[i].Line < s.Failures[j].Line })
}

// breaker trips once transient store failures have persisted for threshold
// without any record reaching the store successfully in between.
type breaker struct {
	threshold time.Duration
	since     time.Time
}

func (b *breaker) observe(o outcome, now time.Time) bool {
	if o.invalid {
		return false
	}
	if o.err == nil {
		b.since = time.Time{}
		return false
	}
	if !errors.Is(o.err, store.ErrTransient) {
		return false
	}
	if b.since.IsZero() {
		b.since = now
	}
	return now.Sub(b.since) >= b.threshold
}
