/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the document persistence boundary. Services read and
// write JSON documents keyed (collection, key); backends are a process-local
// map for tests and single-node runs, and a relational table for durable
// deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

// Filter restricts a query to documents whose field satisfies op against value.
// Values are compared after JSON normalization: numbers as float64, times as
// RFC3339 instants, everything else as strings or bools.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from a collection. Zero value selects everything.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Fields is a shallow field merge for Update.
type Fields map[string]any

// Snapshot is one query result. Decode unmarshals the payload into out.
type Snapshot struct {
	Key  string
	data []byte
}

// Decode unmarshals the document payload into out.
func (s Snapshot) Decode(out any) error {
	return json.Unmarshal(s.data, out)
}

// DecodeAll decodes every snapshot into a slice of T.
func DecodeAll[T any](snaps []Snapshot) ([]T, error) {
	out := make([]T, 0, len(snaps))
	for _, s := range snaps {
		var v T
		if err := s.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Store reads and writes JSON documents.
type Store interface {
	// Get loads one document into out. Passing a nil out checks existence only.
	Get(ctx context.Context, collection, key string, out any) error
	// Set creates or replaces a document.
	Set(ctx context.Context, collection, key string, doc any) error
	// Update merges fields into an existing document. ErrNotFound when absent.
	Update(ctx context.Context, collection, key string, fields Fields) error
	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, key string) error
	// Query returns the documents of a collection matching q.
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
	// Increment adds delta to a numeric field, creating the field at delta
	// when missing. ErrNotFound when the document is absent.
	Increment(ctx context.Context, collection, key, field string, delta float64) error
}

// TxRunner is an optional capability: backends that can run a callback
// atomically implement it. Callers fall back to read-verify-compensate
// when the store does not.
type TxRunner interface {
	RunTransaction(ctx context.Context, fn func(tx Store) error) error
}

// InTx runs fn transactionally when s supports it, otherwise directly.
func InTx(ctx context.Context, s Store, fn func(tx Store) error) error {
	if runner, ok := s.(TxRunner); ok {
		return runner.RunTransaction(ctx, fn)
	}
	return fn(s)
}
