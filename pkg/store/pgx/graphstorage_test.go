package pgx

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/store"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}, want: store.ErrConstraint},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, want: store.ErrTransient},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: store.ErrTransient},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: store.ErrTransient},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, want: store.ErrTransient},
		{name: "invalid json", err: &pgconn.PgError{Code: "22P02"}, want: store.ErrRejected},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: store.ErrConstraint},
		{name: "deadline", err: context.DeadlineExceeded, want: store.ErrTransient},
		{name: "already mapped", err: fmt.Errorf("%w: x", store.ErrNotFound), want: store.ErrNotFound},
		{name: "cancel passes through", err: context.Canceled, want: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) should be nil")
	}
}

func TestSplitPatch(t *testing.T) {
	set, remove := splitPatch(common.AttributeMap{"first_name": "Jon", "rank": nil})
	if len(set) != 1 || set["first_name"] != "Jon" {
		t.Fatalf("unexpected set %v", set)
	}
	if len(remove) != 1 || remove[0] != "rank" {
		t.Fatalf("unexpected remove %v", remove)
	}
	_, remove = splitPatch(common.AttributeMap{"a": 1})
	if remove == nil {
		t.Fatal("remove must be an empty array, not nil, for the text[] parameter")
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`/cases/50%_off\x`); got != `/cases/50\%\_off\\x` {
		t.Fatalf("escapeLike = %q", got)
	}
}
