// internal/cache/entry.go
package cache

import (
	"time"
)

// Tier classifies how aggressively an entry is retained and warmed.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Well-known categories. Categories are labels, not namespaces: keys stay
// globally unique.
const (
	CategoryModels    = "models"
	CategoryResponses = "responses"
	CategorySummaries = "summaries"
	CategoryMetrics   = "metrics"
	CategoryConfig    = "config"
	CategoryTokens    = "tokens"
	CategorySessions  = "sessions"
	CategoryQueries   = "queries"
	CategoryResults   = "results"
	CategoryAnalytics = "analytics"
	CategoryDefault   = "default"
)

// Entry is a single cached value with its access metadata. Entries are owned
// by the store; callers receive value copies or read-only snapshots.
type Entry struct {
	Key            string
	Value          []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
	AccessCount    int64
	SizeBytes      int64
	Category       string
	Priority       int // 1..5, higher survives eviction longer
	Tier           Tier

	hitCount  int64
	missCount int64
}

// Expired reports whether the entry is logically absent at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Stale reports whether the entry is within the tail of its lifetime.
func (e *Entry) Stale(now time.Time, threshold float64) bool {
	return now.Sub(e.CreatedAt) > time.Duration(float64(e.TTL)*threshold)
}

// Touch records a hit. Access count is monotonically non-decreasing.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
	e.hitCount++
}

// RecordMiss adds one to the entry's miss count, the other side of HitRate.
// Nothing in the cache calls it: disk reloads and expired observations do not
// record misses, so an entry that has been hit has a hit rate of 1.
func (e *Entry) RecordMiss() {
	e.missCount++
}

// HitRate is this entry's own hit ratio, used by smart TTL.
func (e *Entry) HitRate() float64 {
	total := e.hitCount + e.missCount
	if total == 0 {
		return 0
	}
	return float64(e.hitCount) / float64(total)
}

// shouldExtendTTL decides whether smart TTL doubles this entry's lifetime.
func (e *Entry) shouldExtendTTL(minAccesses int64, hitRateThreshold float64) bool {
	return e.AccessCount >= minAccesses && e.HitRate() >= hitRateThreshold
}

// snapshot returns a caller-safe copy without the value payload.
func (e *Entry) snapshot() EntryInfo {
	return EntryInfo{
		Key:            e.Key,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		TTL:            e.TTL,
		AccessCount:    e.AccessCount,
		SizeBytes:      e.SizeBytes,
		Category:       e.Category,
		Priority:       e.Priority,
		Tier:           e.Tier,
	}
}

// EntryInfo is the read-only view of an entry's metadata.
type EntryInfo struct {
	Key            string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	TTL            time.Duration
	AccessCount    int64
	SizeBytes      int64
	Category       string
	Priority       int
	Tier           Tier
}

// entrySize derives the accounted byte size of a value. Never zero: metadata
// alone occupies memory.
func entrySize(value []byte) int64 {
	if len(value) == 0 {
		return 1
	}
	return int64(len(value))
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 5 {
		return 5
	}
	return p
}
