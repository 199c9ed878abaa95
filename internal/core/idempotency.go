package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication for operation keys:
// an in-memory LRU for the hot path and Postgres for the cold path. Clients
// retrying a command with the same X-Idempotency-Key get a clean duplicate
// rejection instead of a double-applied operation.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	duplicatesLRU int64
	duplicatesDB  int64
	tier2Errors   int64
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(operation string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks if the operation key has been processed (two-tier lookup).
func (ic *IdempotencyChecker) IsDuplicate(operation string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", operation, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		ic.duplicatesLRU++
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(operation, idempotencyKey)
		if err != nil {
			// Conservative on DB trouble: assume not duplicate rather than
			// blocking every command.
			ic.tier2Errors++
			return false
		}
		if isDup {
			ic.duplicatesDB++
			ic.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after a successful apply.
func (ic *IdempotencyChecker) MarkProcessed(operation string, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", operation, idempotencyKey))
}

// WarmFromKeys preloads recent composite keys so a warm restart does not pay
// the cold-path DB lookup for every retried command.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns every cached composite key, for snapshotting.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// Duplicates returns the counts seen per tier.
func (ic *IdempotencyChecker) Duplicates() (lru int64, db int64) {
	return ic.duplicatesLRU, ic.duplicatesDB
}

// idempotencyLRU is a plain LRU over composite keys.
// Not thread-safe; only touched under the engine's writer lock.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.order.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.order.MoveToFront(elem)
		return
	}

	elem := lru.order.PushFront(key)
	lru.cache[key] = elem

	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		if oldest != nil {
			lru.order.Remove(oldest)
			delete(lru.cache, oldest.Value.(string))
		}
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.order.Len())
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(string))
	}
	return out
}
