/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testDoc struct {
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Minutes int       `json:"minutes"`
	Status  string    `json:"status"`
	Start   time.Time `json:"start"`
	Active  bool      `json:"active"`
}

func seedStore(t *testing.T) *MemStore {
	t.Helper()
	ctx := context.Background()
	m := NewMemStore()
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	docs := []testDoc{
		{ID: "a", Owner: "dj1", Minutes: 60, Status: "scheduled", Start: base, Active: true},
		{ID: "b", Owner: "dj1", Minutes: 30, Status: "live", Start: base.Add(2 * time.Hour), Active: true},
		{ID: "c", Owner: "dj2", Minutes: 120, Status: "cancelled", Start: base.Add(4 * time.Hour), Active: false},
		{ID: "d", Owner: "dj3", Minutes: 45, Status: "scheduled", Start: base.Add(-3 * time.Hour), Active: true},
	}
	for _, d := range docs {
		if err := m.Set(ctx, "slots", d.ID, d); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
	}
	return m
}

func TestGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	var got testDoc
	if err := m.Get(ctx, "slots", "a", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "dj1" || got.Minutes != 60 {
		t.Fatalf("round trip lost data: %+v", got)
	}

	err := m.Get(ctx, "slots", "missing", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing doc: err = %v, want ErrNotFound", err)
	}

	// nil out is an existence probe
	if err := m.Get(ctx, "slots", "a", nil); err != nil {
		t.Fatalf("existence probe: %v", err)
	}
}

func TestUpdateShallowMerge(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	if err := m.Update(ctx, "slots", "a", Fields{"status": "live", "minutes": 90}); err != nil {
		t.Fatalf("update: %v", err)
	}
	var got testDoc
	if err := m.Get(ctx, "slots", "a", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "live" || got.Minutes != 90 {
		t.Fatalf("merge incomplete: %+v", got)
	}
	if got.Owner != "dj1" {
		t.Fatal("untouched fields must survive the merge")
	}

	err := m.Update(ctx, "slots", "missing", Fields{"status": "live"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateNormalizesTimeValues(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)
	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	if err := m.Update(ctx, "slots", "a", Fields{"start": at}); err != nil {
		t.Fatalf("update: %v", err)
	}
	var got testDoc
	if err := m.Get(ctx, "slots", "a", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Start.Equal(at) {
		t.Fatalf("time merged as %s, want %s", got.Start, at)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	if err := m.Delete(ctx, "slots", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "slots", "a"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := m.Get(ctx, "slots", "a", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("doc survived delete: %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{
			"equality",
			Query{Filters: []Filter{{Field: "owner", Op: OpEq, Value: "dj1"}}},
			[]string{"a", "b"},
		},
		{
			"inequality",
			Query{Filters: []Filter{{Field: "status", Op: OpNe, Value: "cancelled"}}},
			[]string{"a", "b", "d"},
		},
		{
			"numeric range",
			Query{Filters: []Filter{{Field: "minutes", Op: OpGte, Value: 45}, {Field: "minutes", Op: OpLt, Value: 120}}},
			[]string{"a", "d"},
		},
		{
			"in set",
			Query{Filters: []Filter{{Field: "status", Op: OpIn, Value: []string{"scheduled", "live"}}}},
			[]string{"a", "b", "d"},
		},
		{
			"bool",
			Query{Filters: []Filter{{Field: "active", Op: OpEq, Value: false}}},
			[]string{"c"},
		},
		{
			"no match",
			Query{Filters: []Filter{{Field: "owner", Op: OpEq, Value: "nobody"}}},
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snaps, err := m.Query(ctx, "slots", tc.q)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			keys := make([]string, 0, len(snaps))
			for _, s := range snaps {
				keys = append(keys, s.Key)
			}
			if len(keys) != len(tc.want) {
				t.Fatalf("keys = %v, want %v", keys, tc.want)
			}
			for i := range keys {
				if keys[i] != tc.want[i] {
					t.Fatalf("keys = %v, want %v", keys, tc.want)
				}
			}
		})
	}
}

func TestQueryTimeComparesAsInstant(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)
	cutoff := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

	snaps, err := m.Query(ctx, "slots", Query{
		Filters: []Filter{{Field: "start", Op: OpGt, Value: cutoff}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Key != "b" || snaps[1].Key != "c" {
		keys := make([]string, len(snaps))
		for i, s := range snaps {
			keys[i] = s.Key
		}
		t.Fatalf("keys = %v, want [b c]", keys)
	}
}

func TestQueryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	snaps, err := m.Query(ctx, "slots", Query{OrderBy: "start"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	order := make([]string, len(snaps))
	for i, s := range snaps {
		order[i] = s.Key
	}
	want := []string{"d", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ascending order = %v, want %v", order, want)
		}
	}

	snaps, err = m.Query(ctx, "slots", Query{OrderBy: "minutes", Desc: true, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Key != "c" || snaps[1].Key != "a" {
		t.Fatalf("desc+limit wrong: %v", snaps)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	if err := m.Increment(ctx, "slots", "a", "minutes", 15); err != nil {
		t.Fatalf("increment: %v", err)
	}
	var got testDoc
	if err := m.Get(ctx, "slots", "a", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Minutes != 75 {
		t.Fatalf("minutes = %d, want 75", got.Minutes)
	}

	// Missing field starts at zero.
	if err := m.Increment(ctx, "slots", "a", "viewerPeak", 3); err != nil {
		t.Fatalf("increment new field: %v", err)
	}
	var raw map[string]any
	if err := m.Get(ctx, "slots", "a", &raw); err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if raw["viewerPeak"] != 3.0 {
		t.Fatalf("viewerPeak = %v, want 3", raw["viewerPeak"])
	}

	if err := m.Increment(ctx, "slots", "missing", "minutes", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("increment missing doc: %v", err)
	}
}

func TestRunTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)
	boom := errors.New("boom")

	err := m.RunTransaction(ctx, func(tx Store) error {
		if err := tx.Update(ctx, "slots", "a", Fields{"status": "live"}); err != nil {
			return err
		}
		if err := tx.Delete(ctx, "slots", "b"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v, want boom", err)
	}

	var got testDoc
	if err := m.Get(ctx, "slots", "a", &got); err != nil {
		t.Fatalf("get a: %v", err)
	}
	if got.Status != "scheduled" {
		t.Fatal("failed transaction must not leave partial writes")
	}
	if err := m.Get(ctx, "slots", "b", nil); err != nil {
		t.Fatalf("doc b must survive rollback: %v", err)
	}
}

func TestRunTransactionCommits(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	err := m.RunTransaction(ctx, func(tx Store) error {
		snaps, err := tx.Query(ctx, "slots", Query{
			Filters: []Filter{{Field: "status", Op: OpEq, Value: "scheduled"}},
		})
		if err != nil {
			return err
		}
		for _, s := range snaps {
			if err := tx.Update(ctx, "slots", s.Key, Fields{"status": "cancelled"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	snaps, err := m.Query(ctx, "slots", Query{
		Filters: []Filter{{Field: "status", Op: OpEq, Value: "scheduled"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("still %d scheduled docs after commit", len(snaps))
	}
}

func TestDecodeAll(t *testing.T) {
	ctx := context.Background()
	m := seedStore(t)

	snaps, err := m.Query(ctx, "slots", Query{OrderBy: "start"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	docs, err := DecodeAll[testDoc](snaps)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(docs) != 4 || docs[0].ID != "d" {
		t.Fatalf("decoded %d docs, first %+v", len(docs), docs[0])
	}
}

func TestInTxFallsBackWithoutCapability(t *testing.T) {
	called := false
	err := InTx(context.Background(), plainStore{}, func(tx Store) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("fallback path: err=%v called=%v", err, called)
	}
}

// plainStore implements Store without TxRunner.
type plainStore struct{}

func (plainStore) Get(context.Context, string, string, any) error     { return ErrNotFound }
func (plainStore) Set(context.Context, string, string, any) error    { return nil }
func (plainStore) Update(context.Context, string, string, Fields) error {
	return ErrNotFound
}
func (plainStore) Delete(context.Context, string, string) error { return nil }
func (plainStore) Query(context.Context, string, Query) ([]Snapshot, error) {
	return nil, nil
}
func (plainStore) Increment(context.Context, string, string, string, float64) error {
	return ErrNotFound
}
