// Package idempotency deduplicates retried create calls. A client sends an
// idempotency key; the first response is cached against the key and a hash of
// the request input, and replays with the same input get the cached response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/model"
)

// Response is a cached HTTP outcome.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides deduplication for create operations.
// The key format is "idem:{operation}:{subject}:{key}".
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (resp *Response, found bool, err error)

	// Save caches a response keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error
}

type entry struct {
	InputHash string   `json:"input_hash"`
	Response  Response `json:"response"`
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached response. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, reusedKey(key)
	}

	resp := e.data.Response
	return &resp, true, nil
}

// Save caches a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, reusedKey(key)
	}
	return &e.Response, true, nil
}

// Save caches a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the standard idempotency key. Keys are scoped per subject
// so two callers cannot replay each other's responses.
func FormatKey(operation, subjectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", operation, subjectID, key)
}

// HashInput returns a stable hex digest of a request body.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func reusedKey(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}
