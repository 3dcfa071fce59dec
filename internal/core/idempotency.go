package core

import (
	"container/list"
	"context"

	"LotLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker rejects replayed request ids. Tier 1 is an in-memory
// LRU; tier 2 asks the event log in Postgres.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, operation, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       observability.NewLogger("idempotency"),
	}
}

func requestKey(operation, requestID string) string {
	return operation + ":" + requestID
}

// IsDuplicate checks if the request has already been applied.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, operation, requestID string) bool {
	key := requestKey(operation, requestID)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(operation, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, operation, requestID)
		if err != nil {
			// A DB outage must not block settlement; the LRU still covers
			// recent traffic.
			ic.log.Warn().Err(err).Str("operation", operation).Msg("tier-2 dedup lookup failed")
			if ic.metrics != nil {
				ic.metrics.PersistErrors.WithLabelValues("dedup_lookup").Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(operation, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds the request to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(operation, requestID string) {
	ic.lru.Add(requestKey(operation, requestID))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(operation, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(operation, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache of "<operation>:<request_id>" keys.
// Not thread-safe; the engine mutex guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, min(capacity, 4096)),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys oldest first, so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns the keys oldest first, the order WarmFromKeys expects.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
