package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// expiryHeaderLen prefixes every stored entry with its unix-nano deadline (0 = none)
const expiryHeaderLen = 8

// MemoryConfig sizes the in-process store
type MemoryConfig struct {
	// LifeWindow caps how long any entry can live, whatever its TTL
	LifeWindow time.Duration
	// CleanWindow is how often expired entries are purged; 0 disables purging
	CleanWindow time.Duration
	// HardMaxCacheSizeMB bounds memory; when full the oldest entries are evicted first
	HardMaxCacheSizeMB int
	MaxEntrySize       int
	MaxEntriesInWindow int
	Shards             int
}

// DefaultMemoryConfig suits a single instance or tests
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		LifeWindow:         48 * time.Hour,
		CleanWindow:        5 * time.Minute,
		HardMaxCacheSizeMB: 64,
		MaxEntrySize:       1024,
		MaxEntriesInWindow: 10000,
		Shards:             64,
	}
}

// MemoryStore is a process-local Store backed by bigcache. It is only a
// correct idempotency backend when a single instance runs.
type MemoryStore struct {
	cache *bigcache.BigCache
	mu    sync.Mutex
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-process store
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = DefaultMemoryConfig().LifeWindow
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultMemoryConfig().Shards
	}
	if cfg.MaxEntriesInWindow <= 0 {
		cfg.MaxEntriesInWindow = DefaultMemoryConfig().MaxEntriesInWindow
	}

	bcCfg := bigcache.DefaultConfig(cfg.LifeWindow)
	bcCfg.Shards = cfg.Shards
	bcCfg.CleanWindow = cfg.CleanWindow
	bcCfg.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	bcCfg.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	if cfg.MaxEntrySize > 0 {
		bcCfg.MaxEntrySize = cfg.MaxEntrySize
	}
	bcCfg.Verbose = false

	bc, err := bigcache.New(context.Background(), bcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigcache: %w", err)
	}

	return &MemoryStore{cache: bc, now: time.Now}, nil
}

// Get returns the live value stored under key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok, err := s.getLocked(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Set stores value under key with an optional TTL
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value, ttl)
}

// Delete removes key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

// SetNX stores value only if key is absent or expired
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.getLocked(key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.setLocked(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// CompareAndDelete deletes key only if it holds value
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists, err := s.getLocked(key)
	if err != nil || !exists {
		return false, err
	}
	if !bytes.Equal(current, value) {
		return false, nil
	}
	if err := s.deleteLocked(key); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of stored entries, including expired ones not yet purged
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Close releases the cache
func (s *MemoryStore) Close() error {
	return s.cache.Close()
}

func (s *MemoryStore) getLocked(key string) ([]byte, bool, error) {
	raw, err := s.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory get %s: %w", key, err)
	}
	if len(raw) < expiryHeaderLen {
		_ = s.cache.Delete(key)
		return nil, false, nil
	}

	deadline := int64(binary.LittleEndian.Uint64(raw[:expiryHeaderLen]))
	if deadline != 0 && s.now().UnixNano() >= deadline {
		_ = s.cache.Delete(key)
		return nil, false, nil
	}
	return raw[expiryHeaderLen:], true, nil
}

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) error {
	entry := make([]byte, expiryHeaderLen+len(value))
	var deadline int64
	if ttl > 0 {
		deadline = s.now().Add(ttl).UnixNano()
	}
	binary.LittleEndian.PutUint64(entry[:expiryHeaderLen], uint64(deadline))
	copy(entry[expiryHeaderLen:], value)

	if err := s.cache.Set(key, entry); err != nil {
		return fmt.Errorf("memory set %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) deleteLocked(key string) error {
	err := s.cache.Delete(key)
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("memory delete %s: %w", key, err)
	}
	return nil
}
