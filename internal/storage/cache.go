package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forseti-judge/worker/internal/logger"
	"github.com/forseti-judge/worker/pkg/constants"
	"github.com/forseti-judge/worker/pkg/submission"
	"github.com/forseti-judge/worker/utils"
)

type CacheEntry struct {
	FilePath         string
	CachedAt         time.Time
	AttachmentID     string
	AttachmentBucket string
}

// FileCache keeps downloaded attachments on local disk for a limited time.
type FileCache interface {
	GetCachedFile(attachment submission.Attachment) (string, bool)
	CacheFile(attachment submission.Attachment, content []byte) (string, error)
	CleanExpiredCache() error
	InitCache() error
}

type fileCache struct {
	logger       *zap.SugaredLogger
	cacheDirPath string
	ttl          time.Duration
	maxEntries   int

	mu      sync.Mutex
	entries map[string]CacheEntry
}

func NewFileCache(cacheDirPath string) FileCache {
	return &fileCache{
		logger:       logger.NewNamedLogger("cache"),
		cacheDirPath: cacheDirPath,
		ttl:          time.Duration(constants.CacheTTLHours) * time.Hour,
		maxEntries:   constants.CacheMaxEntries,
		entries:      make(map[string]CacheEntry),
	}
}

// InitCache creates the cache directory, re-indexes files left by a previous
// process by their modification time and drops expired entries.
func (c *fileCache) InitCache() error {
	if err := os.MkdirAll(c.cacheDirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := c.loadExisting(); err != nil {
		c.logger.Warnf("Failed to index existing cache files: %v", err)
	}

	if err := c.CleanExpiredCache(); err != nil {
		c.logger.Warnf("Failed to clean expired cache: %v", err)
	}

	return nil
}

func (c *fileCache) loadExisting() error {
	dirEntries, err := os.ReadDir(c.cacheDirPath)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	indexed := 0
	for _, dirEntry := range dirEntries {
		if !dirEntry.Type().IsRegular() {
			continue
		}
		name := dirEntry.Name()
		path := filepath.Join(c.cacheDirPath, name)

		// Interrupted writes.
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(path); err != nil {
				c.logger.Warnf("Failed to remove stale cache file %s: %v", path, err)
			}
			continue
		}

		key, _, _ := strings.Cut(name, ".")
		if !isCacheKey(key) {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		c.entries[key] = CacheEntry{FilePath: path, CachedAt: info.ModTime()}
		indexed++
	}

	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}

	if indexed > 0 {
		c.logger.Infof("Indexed %d cache files from %s", indexed, c.cacheDirPath)
	}
	return nil
}

func isCacheKey(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

func (c *fileCache) GetCachedFile(attachment submission.Attachment) (string, bool) {
	key := generateKey(attachment)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return "", false
	}

	if time.Since(entry.CachedAt) > c.ttl {
		c.logger.Debugf("Cache expired for %s", attachment.ID)
		c.removeLocked(key)
		return "", false
	}

	if _, err := os.Stat(entry.FilePath); os.IsNotExist(err) {
		c.logger.Debugf("Cached file no longer exists: %s", entry.FilePath)
		delete(c.entries, key)
		return "", false
	}

	c.logger.Debugf("Cache hit for %s", attachment.ID)
	return entry.FilePath, true
}

// CacheFile stores content and returns the cached path. The file is written
// under a temporary name first so readers never observe a partial file.
func (c *fileCache) CacheFile(attachment submission.Attachment, content []byte) (string, error) {
	key := generateKey(attachment)

	if err := os.MkdirAll(c.cacheDirPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(c.cacheDirPath, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close cache file: %w", err)
	}

	cacheFilePath := filepath.Join(c.cacheDirPath, key+filepath.Ext(attachment.Filename))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	if err := utils.MoveFile(tmpPath, cacheFilePath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move file into cache: %w", err)
	}

	c.entries[key] = CacheEntry{
		FilePath:         cacheFilePath,
		CachedAt:         time.Now(),
		AttachmentID:     attachment.ID,
		AttachmentBucket: attachment.Bucket,
	}

	c.logger.Debugf("Cached attachment %s", attachment.ID)
	return cacheFilePath, nil
}

// CleanExpiredCache removes expired cache entries and their files.
func (c *fileCache) CleanExpiredCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.CachedAt) > c.ttl {
			c.removeLocked(key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Infof("Cleaned %d expired cache entries", removed)
	}
	return nil
}

func (c *fileCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		c.logger.Warnf("Failed to remove cache file %s: %v", entry.FilePath, err)
	}
	delete(c.entries, key)
}

func (c *fileCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}
	if oldestKey == "" {
		return
	}

	c.logger.Debugf("Evicting oldest cache entry: %s", c.entries[oldestKey].AttachmentID)
	c.removeLocked(oldestKey)
}

func generateKey(attachment submission.Attachment) string {
	hash := sha256.Sum256([]byte(attachment.Bucket + ":" + attachment.ID))
	return hex.EncodeToString(hash[:])
}

type cachedStore struct {
	AttachmentStore
	cache  FileCache
	logger *zap.SugaredLogger
}

// NewCachedStore serves downloads from cache when possible. Uploads pass through.
func NewCachedStore(store AttachmentStore, cache FileCache) AttachmentStore {
	return &cachedStore{
		AttachmentStore: store,
		cache:           cache,
		logger:          logger.NewNamedLogger("cachedStore"),
	}
}

func (s *cachedStore) Download(ctx context.Context, attachment submission.Attachment) ([]byte, error) {
	if path, ok := s.cache.GetCachedFile(attachment); ok {
		content, err := os.ReadFile(path)
		if err == nil {
			return content, nil
		}
		s.logger.Warnf("Failed to read cached attachment %s: %s", attachment.ID, err)
	}

	content, err := s.AttachmentStore.Download(ctx, attachment)
	if err != nil {
		return nil, err
	}
	if _, err := s.cache.CacheFile(attachment, content); err != nil {
		s.logger.Warnf("Failed to cache attachment %s: %s", attachment.ID, err)
	}
	return content, nil
}
