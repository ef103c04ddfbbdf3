/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// evalQuery filters, orders, and limits raw documents in process. Both
// backends use it; collections stay small (bounded by the booking horizon)
// so a scan per query is acceptable.
func evalQuery(q Query, docs map[string][]byte) ([]Snapshot, error) {
	type row struct {
		key    string
		data   []byte
		fields map[string]any
	}

	rows := make([]row, 0, len(docs))
	for key, data := range docs {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
		ok, err := matches(q.Filters, fields)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row{key: key, data: data, fields: fields})
		}
	}

	if q.OrderBy != "" {
		// Documents without the order field are excluded, same as a
		// failed filter on that field.
		kept := rows[:0]
		for _, r := range rows {
			if _, present := r.fields[q.OrderBy]; present {
				kept = append(kept, r)
			}
		}
		rows = kept
		sort.SliceStable(rows, func(i, j int) bool {
			c, ok := compareValues(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy])
			if !ok {
				return false
			}
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		// Deterministic output for map-backed storage.
		sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	snaps := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		snaps = append(snaps, Snapshot{Key: r.key, data: r.data})
	}
	return snaps, nil
}

func matches(filters []Filter, fields map[string]any) (bool, error) {
	for _, f := range filters {
		got, present := fields[f.Field]
		if !present {
			return false, nil
		}
		ok, err := applyOp(f.Op, got, f.Value)
		if err != nil {
			return false, fmt.Errorf("filter %s %s: %w", f.Field, f.Op, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func applyOp(op Op, got, want any) (bool, error) {
	if op == OpIn {
		list, err := normalizeList(want)
		if err != nil {
			return false, err
		}
		for _, candidate := range list {
			if c, ok := compareValues(got, candidate); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	c, ok := compareValues(got, normalize(want))
	if !ok {
		// Mismatched types never match equality and cannot be ordered.
		if op == OpNe {
			return true, nil
		}
		return false, nil
	}
	switch op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLte:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// normalize routes a filter value through JSON so it compares against
// decoded documents: numbers become float64, times become RFC3339 strings.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func normalizeList(v any) ([]any, error) {
	n := normalize(v)
	list, ok := n.([]any)
	if !ok {
		return nil, fmt.Errorf("in operator requires a slice, got %T", v)
	}
	return list, nil
}

// compareValues orders two JSON-decoded values. Returns -1/0/1 and whether
// the pair is comparable. RFC3339 strings compare as instants.
func compareValues(a, b any) (int, bool) {
	b = normalize(b)
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		if at, aerr := time.Parse(time.RFC3339Nano, av); aerr == nil {
			if bt, berr := time.Parse(time.RFC3339Nano, bv); berr == nil {
				switch {
				case at.Before(bt):
					return -1, true
				case at.After(bt):
					return 1, true
				default:
					return 0, true
				}
			}
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	default:
		return 0, false
	}
}
