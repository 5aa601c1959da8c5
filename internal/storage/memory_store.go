package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memoryEntry holds one record's bytes plus the metadata the contract needs.
type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt int64 // unix milli; 0 = no expiry
}

// MemoryStore backs the contract with an in-process map. Compare-and-swap is
// an ordinary check under the write lock. There is no native expiry; the
// engine's periodic ReapExpired call is the only eviction mechanism, with a
// lazy check on Read as a safety net. Suitable for a single process, not
// durable across restarts.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]*memoryEntry

	nowFn func() time.Time

	// Op counters, snapshot via Stats
	mReads     atomic.Uint64
	mWrites    atomic.Uint64
	mConflicts atomic.Uint64
	mExpired   atomic.Uint64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:     make(map[string]*memoryEntry),
		nowFn: time.Now,
	}
}

// memoryKey builds the composite map key. The ":" separator is safe because
// task ids are UUIDs and never contain it.
func memoryKey(owner, id string) string {
	return owner + ":" + id
}

// Read fetches the current value and version, lazily dropping an entry whose
// expiry has already passed.
func (ms *MemoryStore) Read(ctx context.Context, owner, id string) ([]byte, int64, error) {
	ms.mReads.Add(1)
	key := memoryKey(owner, id)

	ms.mu.RLock()
	e, ok := ms.m[key]
	ms.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}

	if e.expiresAt != 0 && e.expiresAt <= ms.nowFn().UnixMilli() {
		ms.mu.Lock()
		if e2, ok2 := ms.m[key]; ok2 && e2.expiresAt != 0 && e2.expiresAt <= ms.nowFn().UnixMilli() {
			delete(ms.m, key)
			ms.mExpired.Add(1)
		}
		ms.mu.Unlock()
		return nil, 0, ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, nil
}

// Write stores a brand-new key at version 0. Exactly one concurrent first
// writer wins; the rest see ErrKeyExists.
func (ms *MemoryStore) Write(ctx context.Context, owner, id string, value []byte, expiresAt time.Time) error {
	key := memoryKey(owner, id)
	v := make([]byte, len(value))
	copy(v, value)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if e, ok := ms.m[key]; ok {
		// A dead entry does not block re-creation.
		if e.expiresAt == 0 || e.expiresAt > ms.nowFn().UnixMilli() {
			return ErrKeyExists
		}
		ms.mExpired.Add(1)
	}

	ms.m[key] = &memoryEntry{
		value:     v,
		version:   0,
		expiresAt: expiryMilli(expiresAt),
	}
	ms.mWrites.Add(1)
	return nil
}

// WriteIfVersion replaces the value only when the stored version matches.
func (ms *MemoryStore) WriteIfVersion(ctx context.Context, owner, id string, value []byte, expected int64, expiresAt time.Time) (int64, error) {
	key := memoryKey(owner, id)
	v := make([]byte, len(value))
	copy(v, value)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	e, ok := ms.m[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt != 0 && e.expiresAt <= ms.nowFn().UnixMilli() {
		delete(ms.m, key)
		ms.mExpired.Add(1)
		return 0, ErrNotFound
	}
	if e.version != expected {
		ms.mConflicts.Add(1)
		return 0, &VersionConflictError{Actual: e.version}
	}

	e.value = v
	e.version++
	e.expiresAt = expiryMilli(expiresAt)
	ms.mWrites.Add(1)
	return e.version, nil
}

// Delete removes a key. Missing keys are ignored.
func (ms *MemoryStore) Delete(ctx context.Context, owner, id string) error {
	ms.mu.Lock()
	delete(ms.m, memoryKey(owner, id))
	ms.mu.Unlock()
	return nil
}

// ListOwner scans for keys under the owner prefix. Task ids are UUIDs and
// never contain the separator, so a remainder with one belongs to a longer
// owner that happens to share the prefix, not to this owner.
func (ms *MemoryStore) ListOwner(ctx context.Context, owner string) ([]string, error) {
	prefix := owner + ":"

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var ids []string
	for key := range ms.m {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || strings.Contains(rest, ":") {
			continue
		}
		ids = append(ids, rest)
	}
	return ids, nil
}

// ReapExpired actively scans and removes entries whose expiry has passed.
func (ms *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	nowMilli := now.UnixMilli()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for key, e := range ms.m {
		if e.expiresAt != 0 && e.expiresAt <= nowMilli {
			delete(ms.m, key)
			removed++
		}
	}
	if removed > 0 {
		ms.mExpired.Add(uint64(removed))
	}
	return removed, nil
}

// Close is a no-op for the in-process store.
func (ms *MemoryStore) Close() error {
	return nil
}

// MemoryStats is a snapshot of the store's operation counters.
type MemoryStats struct {
	Keys      int
	Reads     uint64
	Writes    uint64
	Conflicts uint64
	Expired   uint64
}

// Stats returns an instantaneous counter snapshot.
func (ms *MemoryStore) Stats() MemoryStats {
	ms.mu.RLock()
	keys := len(ms.m)
	ms.mu.RUnlock()

	return MemoryStats{
		Keys:      keys,
		Reads:     ms.mReads.Load(),
		Writes:    ms.mWrites.Load(),
		Conflicts: ms.mConflicts.Load(),
		Expired:   ms.mExpired.Load(),
	}
}

func expiryMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
