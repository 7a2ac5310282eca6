package neo4j

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/store"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "constraint", err: &neo4j.Neo4jError{Code: constraintFailed, Msg: "already exists"}, want: store.ErrConstraint},
		{name: "deadlock", err: &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}, want: store.ErrTransient},
		{name: "syntax", err: &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"}, want: store.ErrRejected},
		{name: "deadline", err: fmt.Errorf("run: %w", context.DeadlineExceeded), want: store.ErrTransient},
		{name: "already mapped", err: fmt.Errorf("%w: gone", store.ErrNotFound), want: store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErr(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDecodeNode(t *testing.T) {
	scraped := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	props := map[string]any{
		"first_name": "Jon",
		"age":        int64(41),
	}
	for k, v := range store.ProvenanceProps(common.Provenance{SourceFile: "feed.jsonl", Line: 3, RunID: "r1", URL: "https://x/1", ScrapedAt: scraped}) {
		if v != nil {
			props[k] = v
		}
	}
	props["uid"] = "abc"
	props["kind"] = "officer"
	props["nk"] = "officer:A/123"
	props["nk_scope"] = "A"
	props["nk_value"] = "123"

	n := decodeNode(neo4j.Node{Props: props})
	if n.ID != "abc" || n.Kind != common.KindOfficer || n.Key != (common.NaturalKey{Scope: "A", Value: "123"}) {
		t.Fatalf("unexpected handle %+v", n.NodeHandle)
	}
	if len(n.Attributes) != 2 || n.Attributes["first_name"] != "Jon" {
		t.Fatalf("system properties leaked into attributes: %v", n.Attributes)
	}
	if n.Provenance.Line != 3 || n.Provenance.URL != "https://x/1" || !n.Provenance.ScrapedAt.Equal(scraped) {
		t.Fatalf("unexpected provenance %+v", n.Provenance)
	}
}

func TestEdgeProps(t *testing.T) {
	got := edgeProps(map[string]any{"created_at": "x", "highest_rank": "Sergeant"})
	if len(got) != 1 || got["highest_rank"] != "Sergeant" {
		t.Fatalf("unexpected props %v", got)
	}
	if edgeProps(map[string]any{"created_at": "x"}) != nil {
		t.Fatal("expected nil for bookkeeping-only props")
	}
}

func TestValidLabel(t *testing.T) {
	for _, l := range []string{"Officer", "Complaint"} {
		if err := validLabel(l); err != nil {
			t.Fatalf("validLabel(%q): %v", l, err)
		}
	}
	for _, l := range []string{"", "Officer) DETACH DELETE n //", "Unit1"} {
		if err := validLabel(l); !errors.Is(err, store.ErrRejected) {
			t.Fatalf("validLabel(%q) = %v, want rejection", l, err)
		}
	}
}

// TestGraphStorage_RoundTrip needs a disposable database, e.g.
// NEO4J_TEST_URI=neo4j://localhost:7687 NEO4J_TEST_PASSWORD=secret.
func TestGraphStorage_RoundTrip(t *testing.T) {
	uri := os.Getenv("NEO4J_TEST_URI")
	if uri == "" {
		t.Skip("NEO4J_TEST_URI not set")
	}
	ctx := context.Background()
	s, err := NewGraphStorage(ctx, NewGraphStorageParams{
		URI:      uri,
		User:     "neo4j",
		Password: os.Getenv("NEO4J_TEST_PASSWORD"),
	})
	if err != nil {
		t.Fatalf("NewGraphStorage: %v", err)
	}
	defer s.Close(ctx)

	key := common.NaturalKey{Scope: "test-" + fmt.Sprint(time.Now().UnixNano()), Value: "123"}
	var officer, unit common.NodeHandle
	err = s.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		officer, err = tx.CreateNode(ctx, common.KindOfficer, key, common.AttributeMap{"first_name": "Jon"}, common.Provenance{RunID: "t"})
		if err != nil {
			return err
		}
		unit, err = tx.CreateNode(ctx, common.KindUnit, common.NaturalKey{Scope: key.Scope, Value: "Homicide"}, nil, common.Provenance{RunID: "t"})
		if err != nil {
			return err
		}
		created, err := tx.CreateEdge(ctx, common.Edge{From: officer.ID, Type: "MEMBER_OF_UNIT", To: unit.ID}, nil)
		if err != nil || !created {
			return fmt.Errorf("create edge: %v %v", created, err)
		}
		created, err = tx.CreateEdge(ctx, common.Edge{From: officer.ID, Type: "MEMBER_OF_UNIT", To: unit.ID}, nil)
		if err != nil || created {
			return fmt.Errorf("edge not idempotent: %v %v", created, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	err = s.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CreateNode(ctx, common.KindOfficer, key, nil, common.Provenance{})
		return err
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected constraint violation, got %v", err)
	}

	err = s.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := store.FindExact(ctx, tx, common.KindOfficer, key)
		if err != nil || n == nil || n.Attributes["first_name"] != "Jon" {
			return fmt.Errorf("find: %+v %v", n, err)
		}
		links, err := tx.Links(ctx, officer, []string{"MEMBER_OF_UNIT"})
		if err != nil || len(links) != 1 || links[0].Target.ID != unit.ID {
			return fmt.Errorf("links: %+v %v", links, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
}
