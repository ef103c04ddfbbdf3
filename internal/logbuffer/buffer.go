/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps a bounded in-memory ring of structured log lines.
// It backs the admin log endpoint so recent process history is visible
// without shell access to the node.
package logbuffer

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line, split into the fields the admin
// endpoint filters on plus the remaining structured context.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       string         `json:"raw,omitempty"`
}

// Buffer is a fixed-capacity ring of log entries. Writes overwrite the
// oldest entry once the ring is full.
type Buffer struct {
	mu   sync.RWMutex
	ring []LogEntry
	next int
	full bool
}

const defaultCapacity = 10000

// New returns a ring holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{ring: make([]LogEntry, capacity)}
}

// Add records an entry, evicting the oldest when the ring is full.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	b.ring[b.next] = entry
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
	b.mu.Unlock()
}

// snapshot copies the ring contents in chronological order.
func (b *Buffer) snapshot() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.full {
		out := make([]LogEntry, b.next)
		copy(out, b.ring[:b.next])
		return out
	}
	out := make([]LogEntry, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// QueryParams narrows the entries returned by Query. Zero values match
// everything.
type QueryParams struct {
	Level      string
	Component  string
	SlotID     string // matches the slot_id field services attach
	Search     string // case-insensitive, message/component/string fields
	Since      time.Time
	Limit      int  // 0 = unbounded
	Descending bool // newest first
}

func (p QueryParams) matches(e LogEntry) bool {
	if p.Level != "" && e.Level != p.Level {
		return false
	}
	if p.Component != "" && e.Component != p.Component {
		return false
	}
	if p.SlotID != "" {
		id, _ := e.Fields["slot_id"].(string)
		if id != p.SlotID {
			return false
		}
	}
	if !p.Since.IsZero() && e.Timestamp.Before(p.Since) {
		return false
	}
	if p.Search == "" {
		return true
	}
	needle := strings.ToLower(p.Search)
	if strings.Contains(strings.ToLower(e.Message), needle) ||
		strings.Contains(strings.ToLower(e.Component), needle) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Query returns the entries matching params, oldest first unless
// Descending is set.
func (b *Buffer) Query(params QueryParams) []LogEntry {
	var out []LogEntry
	for _, e := range b.snapshot() {
		if params.matches(e) {
			out = append(out, e)
		}
	}
	if params.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out
}

// Stats summarizes ring occupancy by level.
type Stats struct {
	Capacity   int            `json:"capacity"`
	Count      int            `json:"count"`
	LevelCount map[string]int `json:"level_count"`
}

func (b *Buffer) Stats() Stats {
	entries := b.snapshot()
	s := Stats{
		Capacity:   cap(b.ring),
		Count:      len(entries),
		LevelCount: make(map[string]int),
	}
	for _, e := range entries {
		s.LevelCount[e.Level]++
	}
	return s
}

// Writer tees zerolog JSON lines into a Buffer. The fallback writer, when
// set, always receives the raw bytes even if the line fails to parse.
type Writer struct {
	buf      *Buffer
	fallback io.Writer
}

func NewWriter(buf *Buffer, fallback io.Writer) *Writer {
	return &Writer{buf: buf, fallback: fallback}
}

// Write implements io.Writer. Each call is expected to carry one complete
// zerolog JSON line.
func (w *Writer) Write(p []byte) (int, error) {
	if entry, ok := parseLine(p); ok {
		w.buf.Add(entry)
	}
	if w.fallback != nil {
		return w.fallback.Write(p)
	}
	return len(p), nil
}

func parseLine(p []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Raw:       string(p),
		Fields:    make(map[string]any),
	}
	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
		delete(raw, "level")
	}
	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
		delete(raw, "message")
	}
	if comp, ok := raw["component"].(string); ok {
		entry.Component = comp
		delete(raw, "component")
	}
	if ts, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
		delete(raw, "time")
	}
	for k, v := range raw {
		entry.Fields[k] = v
	}
	return entry, true
}
