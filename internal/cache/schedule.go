/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/freqwax/freqwax_live/internal/models"
)

// Schedule cache dimensions. The key space is tiny (a handful of date
// windows times a handful of DJ filters) so a small capacity holds the
// whole working set.
const (
	DefaultScheduleCapacity = 100
	DefaultScheduleTTL      = 5 * time.Second

	scheduleShards = 8
)

// ScheduleKey builds the cache key for one window query. An empty djID
// means the unfiltered schedule.
func ScheduleKey(start, end time.Time, djID string) string {
	who := djID
	if who == "" {
		who = "all"
	}
	return start.UTC().Format(time.RFC3339) + "|" + end.UTC().Format(time.RFC3339) + "|" + who
}

type scheduleEntry struct {
	key       string
	slots     []models.Slot
	expiresAt time.Time
}

type scheduleShard struct {
	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

// ScheduleCache is a sharded in-process LRU over schedule window
// queries. Entries expire after a short TTL and every slot write drops
// the whole cache, so a stale window can only survive between a write
// on another node and the invalidation event arriving.
type ScheduleCache struct {
	shards   [scheduleShards]*scheduleShard
	perShard int
	ttl      time.Duration
	now      func() time.Time
}

// NewScheduleCache builds a cache holding at most capacity entries.
func NewScheduleCache(capacity int, ttl time.Duration) *ScheduleCache {
	if capacity <= 0 {
		capacity = DefaultScheduleCapacity
	}
	if ttl <= 0 {
		ttl = DefaultScheduleTTL
	}

	perShard := (capacity + scheduleShards - 1) / scheduleShards
	c := &ScheduleCache{
		perShard: perShard,
		ttl:      ttl,
		now:      time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &scheduleShard{
			order:   list.New(),
			entries: make(map[string]*list.Element),
		}
	}
	return c
}

func (c *ScheduleCache) shard(key string) *scheduleShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%scheduleShards]
}

// Get returns the cached window if present and fresh. The returned
// slots are shared with the cache: callers must not mutate them.
func (c *ScheduleCache) Get(key string) ([]models.Slot, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	ent := el.Value.(*scheduleEntry)
	if c.now().After(ent.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false
	}

	s.order.MoveToFront(el)
	return ent.slots, true
}

// Set stores a window result, evicting the shard's least recently used
// entries past capacity.
func (c *ScheduleCache) Set(key string, slots []models.Slot) {
	stored := make([]models.Slot, len(slots))
	copy(stored, slots)

	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		ent := el.Value.(*scheduleEntry)
		ent.slots = stored
		ent.expiresAt = c.now().Add(c.ttl)
		s.order.MoveToFront(el)
		return
	}

	s.entries[key] = s.order.PushFront(&scheduleEntry{
		key:       key,
		slots:     stored,
		expiresAt: c.now().Add(c.ttl),
	})

	for s.order.Len() > c.perShard {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*scheduleEntry).key)
	}
}

// InvalidateAll empties the cache. Called on every slot write.
func (c *ScheduleCache) InvalidateAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.order.Init()
		s.entries = make(map[string]*list.Element)
		s.mu.Unlock()
	}
}

// Len reports the number of live entries across all shards.
func (c *ScheduleCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}
