// Package cache implements the optional two-tier response cache keyed by
// request fingerprint. Tier one is an in-process sharded map; tier two is
// a pluggable external key-value provider.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"
)

// Entry is one cached response payload.
type Entry struct {
	Payload   []byte
	Backend   string
	ExpiresAt time.Time
}

// Provider is the contract for the external (tier two) cache service.
// Implementations wrap whatever KV store the deployment uses.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// ResponseCache is the two-tier cache. Lookups hit the local tier first
// and fall back to the provider, repopulating the local tier on a remote
// hit. Writes go through to both tiers.
type ResponseCache struct {
	shards    []*cacheShard
	numShards int
	provider  Provider
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*Entry
}

// New creates a ResponseCache. provider may be nil, in which case only
// the local tier is used.
func New(provider Provider) *ResponseCache {
	const numShards = 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{store: make(map[string]*Entry)}
	}
	return &ResponseCache{
		shards:    shards,
		numShards: numShards,
		provider:  provider,
	}
}

func (c *ResponseCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the cached payload for key, checking the local tier first.
// Expired local entries are dropped on access.
func (c *ResponseCache) Get(ctx context.Context, key string) (*Entry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, exists := shard.store[key]
	shard.mu.RUnlock()

	if exists {
		if time.Now().After(entry.ExpiresAt) {
			shard.mu.Lock()
			delete(shard.store, key)
			shard.mu.Unlock()
		} else {
			return entry, true
		}
	}

	if c.provider == nil {
		return nil, false
	}

	payload, ok := c.provider.Get(ctx, key)
	if !ok {
		return nil, false
	}

	// Repopulate the local tier with a short TTL so repeated hits stay
	// local without pinning stale remote data.
	entry = &Entry{Payload: payload, ExpiresAt: time.Now().Add(30 * time.Second)}
	shard.mu.Lock()
	shard.store[key] = entry
	shard.mu.Unlock()
	return entry, true
}

// Set writes the payload through to both tiers with the given TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	entry.ExpiresAt = time.Now().Add(ttl)

	shard := c.getShard(key)
	shard.mu.Lock()
	shard.store[key] = entry
	shard.mu.Unlock()

	if c.provider != nil {
		c.provider.Set(ctx, key, entry.Payload, ttl)
	}
}

// Delete removes the key from both tiers.
func (c *ResponseCache) Delete(ctx context.Context, key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.store, key)
	shard.mu.Unlock()

	if c.provider != nil {
		c.provider.Delete(ctx, key)
	}
}

// Clear empties the local tier. The provider is left untouched.
func (c *ResponseCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*Entry)
		shard.mu.Unlock()
	}
}

// Len returns the number of live entries in the local tier.
func (c *ResponseCache) Len() int {
	n := 0
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.RLock()
		for _, e := range shard.store {
			if now.Before(e.ExpiresAt) {
				n++
			}
		}
		shard.mu.RUnlock()
	}
	return n
}

// Fingerprint computes a stable cache key from the request identity.
func Fingerprint(capability, method string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
