// internal/cache/store.go
package cache

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAdmissionRefused means a value cannot fit the memory budget even after a
// best-effort eviction pass.
var ErrAdmissionRefused = errors.New("cache: value exceeds memory budget")

// MemoryStore is the ordered key->entry map underneath UnifiedCache. It owns
// LRU order, per-entry metadata, and memory accounting. The mutex is held
// only across in-memory structure manipulation, never across I/O.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	curBytes   int64
	items      map[string]*list.Element
	lruList    *list.List // front = most recently used
}

// NewMemoryStore creates a store bounded by entry count and byte budget.
func NewMemoryStore(maxEntries int, maxBytes int64) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*list.Element),
		lruList:    list.New(),
	}
}

// Get marks the entry most recently used, touches it, runs onHit (may be
// nil) under the store lock, and returns the value. The value slice is a
// read-only borrow. Expired entries are removed on observation and reported
// via expired=true.
func (s *MemoryStore) Get(key string, now time.Time, onHit func(*Entry)) (value []byte, info EntryInfo, ok, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return nil, EntryInfo{}, false, false
	}

	e := elem.Value.(*Entry)
	if e.Expired(now) {
		s.removeElement(elem)
		return nil, EntryInfo{}, false, true
	}

	s.lruList.MoveToFront(elem)
	e.Touch(now)
	if onHit != nil {
		onHit(e)
	}
	return e.Value, e.snapshot(), true, false
}

// Peek returns the entry without promoting or touching it.
func (s *MemoryStore) Peek(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// AdmitResult reports what a Set did to make room.
type AdmitResult struct {
	Evicted        int
	MemoryPressure bool
}

// Set admits an entry, evicting as needed. Combined eviction policy: sort all
// candidates by (priority ascending, least recently used first) and evict in
// order until both limits are satisfied. Fails only when the value alone
// exceeds the byte budget.
func (s *MemoryStore) Set(e *Entry) (AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res AdmitResult

	if e.SizeBytes > s.maxBytes {
		return res, ErrAdmissionRefused
	}

	// Replace any prior entry at the key before accounting.
	if elem, exists := s.items[e.Key]; exists {
		s.removeElement(elem)
	}

	needBytes := s.curBytes + e.SizeBytes - s.maxBytes
	needEntries := s.lruList.Len() + 1 - s.maxEntries

	if needBytes > 0 || needEntries > 0 {
		evicted, freed := s.evict(needBytes, needEntries)
		res.Evicted = evicted
		res.MemoryPressure = needBytes > 0 && freed > 0
	}

	elem := s.lruList.PushFront(e)
	s.items[e.Key] = elem
	s.curBytes += e.SizeBytes
	return res, nil
}

// evict removes entries ordered by (priority asc, LRU first) until the byte
// and entry deficits are covered or the store is empty. Recency ties are
// resolved by list position, which tracks true access order.
func (s *MemoryStore) evict(needBytes int64, needEntries int) (count int, freed int64) {
	type candidate struct {
		elem *Entry
		el   *list.Element
	}

	candidates := make([]candidate, 0, s.lruList.Len())
	// Walk back-to-front: least recently used first.
	for el := s.lruList.Back(); el != nil; el = el.Prev() {
		candidates = append(candidates, candidate{elem: el.Value.(*Entry), el: el})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].elem.Priority < candidates[j].elem.Priority
	})

	for _, c := range candidates {
		if needBytes-freed <= 0 && needEntries-count <= 0 {
			break
		}
		s.removeElement(c.el)
		freed += c.elem.SizeBytes
		count++
	}
	return count, freed
}

// Delete removes a key. Returns whether it was present.
func (s *MemoryStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return false
	}
	s.removeElement(elem)
	return true
}

// Clear removes every entry, or only those in category when non-empty.
// Returns the removed keys so the caller can mirror the removal on disk.
func (s *MemoryStore) Clear(category string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for el := s.lruList.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if category == "" || e.Category == category {
			removed = append(removed, e.Key)
			s.removeElement(el)
		}
		el = next
	}
	return removed
}

// RemoveExpired sweeps out every expired entry and returns their keys.
func (s *MemoryStore) RemoveExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for el := s.lruList.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.Expired(now) {
			removed = append(removed, e.Key)
			s.removeElement(el)
		}
		el = next
	}
	return removed
}

// Extend resets an entry's TTL clock. Returns false when absent.
func (s *MemoryStore) Extend(key string, ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return false
	}
	e := elem.Value.(*Entry)
	e.TTL = ttl
	e.CreatedAt = now
	return true
}

// Len returns the live entry count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len()
}

// MemoryBytes returns the accounted memory usage.
func (s *MemoryStore) MemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

// Keys returns the keys in category (all keys when category is empty),
// most recently used first.
func (s *MemoryStore) Keys(category string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for el := s.lruList.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if category == "" || e.Category == category {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// Categories returns the distinct category labels currently present.
func (s *MemoryStore) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var cats []string
	for el := s.lruList.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if _, ok := seen[e.Category]; !ok {
			seen[e.Category] = struct{}{}
			cats = append(cats, e.Category)
		}
	}
	sort.Strings(cats)
	return cats
}

// Snapshot returns read-only metadata for every live entry.
func (s *MemoryStore) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]EntryInfo, 0, s.lruList.Len())
	for el := s.lruList.Front(); el != nil; el = el.Next() {
		infos = append(infos, el.Value.(*Entry).snapshot())
	}
	return infos
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	e := elem.Value.(*Entry)
	s.lruList.Remove(elem)
	delete(s.items, e.Key)
	s.curBytes -= e.SizeBytes
}
