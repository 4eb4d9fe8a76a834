// internal/cache/disk.go
package cache

import (
	"crypto/md5" //nolint:gosec // filename derivation, not security
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DiskStore is the optional write-through tier: one JSON file per entry at
// {dir}/{md5(key)}.json. Disk failures degrade the cache, never the caller:
// a failed write is logged, a corrupt file reads as a miss and is left in
// place for audit.
type DiskStore struct {
	dir    string
	logger *zap.Logger
}

// diskEntry is the persisted wire form of an Entry.
type diskEntry struct {
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	CreatedAt   int64  `json:"created_at"`
	TTL         int64  `json:"ttl"`
	AccessCount int64  `json:"access_count"`
	Category    string `json:"category"`
	Priority    int    `json:"priority"`
}

// NewDiskStore creates the cache directory and returns the disk tier.
func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("disk cache: creating %s: %w", dir, err)
	}
	return &DiskStore{dir: dir, logger: logger}, nil
}

func (d *DiskStore) path(key string) string {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	return filepath.Join(d.dir, fmt.Sprintf("%x.json", sum))
}

// Write persists an entry. Errors are logged and swallowed: memory admission
// is authoritative for Set.
func (d *DiskStore) Write(e *Entry) {
	data, err := json.Marshal(diskEntry{
		Key:         e.Key,
		Value:       e.Value,
		CreatedAt:   e.CreatedAt.Unix(),
		TTL:         int64(e.TTL / time.Second),
		AccessCount: e.AccessCount,
		Category:    e.Category,
		Priority:    e.Priority,
	})
	if err != nil {
		d.logger.Warn("disk cache marshal failed",
			zap.String("key", e.Key), zap.Error(err))
		return
	}

	if err := os.WriteFile(d.path(e.Key), data, 0o600); err != nil {
		d.logger.Warn("disk cache write failed",
			zap.String("key", e.Key), zap.Error(err))
	}
}

// Read loads an entry from disk. A missing file, a corrupt file, or an
// expired payload all surface as a miss; corruption is logged and the file
// is preserved for audit rather than deleted.
func (d *DiskStore) Read(key string, now time.Time) (*Entry, bool) {
	data, err := os.ReadFile(d.path(key)) //nolint:gosec // path derived from md5
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("disk cache read failed",
				zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var de diskEntry
	if err := json.Unmarshal(data, &de); err != nil {
		d.logger.Warn("disk cache entry corrupt, treating as miss",
			zap.String("key", key),
			zap.String("file", d.path(key)),
			zap.Error(err))
		return nil, false
	}
	if de.Key != key {
		// Hash collision or a tampered file. Same policy as corruption.
		d.logger.Warn("disk cache key mismatch, treating as miss",
			zap.String("key", key), zap.String("stored", de.Key))
		return nil, false
	}

	e := &Entry{
		Key:            de.Key,
		Value:          de.Value,
		CreatedAt:      time.Unix(de.CreatedAt, 0),
		LastAccessedAt: now,
		TTL:            time.Duration(de.TTL) * time.Second,
		AccessCount:    de.AccessCount,
		SizeBytes:      entrySize(de.Value),
		Category:       de.Category,
		Priority:       clampPriority(de.Priority),
	}
	if e.Expired(now) {
		return nil, false
	}
	return e, true
}

// Delete removes the entry's file.
func (d *DiskStore) Delete(key string) {
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("disk cache delete failed",
			zap.String("key", key), zap.Error(err))
	}
}

// Clear removes every cache file in the directory.
func (d *DiskStore) Clear() {
	matches, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		d.logger.Warn("disk cache clear failed", zap.Error(err))
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("disk cache clear failed",
				zap.String("file", path), zap.Error(err))
		}
	}
}
