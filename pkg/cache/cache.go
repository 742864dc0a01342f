// Package cache implements the Response Cache: a fingerprint-keyed,
// TTL-bound cache for LLM responses backed by Redis with a lazy-expiry
// in-memory fallback. The Redis tier lets cache state survive process
// restarts and be shared across orchestrator workers.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brandscope/visibility-audit/pkg/config"
)

// Entry is the cached shape: the normalized provider response, so a cache
// hit can satisfy a Gateway call without touching any backend. Cost is
// deliberately not cached — a hit is free.
type Entry struct {
	Text      string         `json:"text"`
	TokensIn  int            `json:"tokens_in"`
	TokensOut int            `json:"tokens_out"`
	Citations []CitationJSON `json:"citations,omitempty"`
	CachedAt  time.Time      `json:"cached_at"`
}

// CitationJSON mirrors models.Citation without importing pkg/models, to
// keep this package reusable outside the provider-response domain.
type CitationJSON struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a two-tier (Redis-then-memory) response cache. If redisClient
// is nil, the cache operates purely in memory — used in tests and in
// deployments without Redis configured.
type Cache struct {
	cfg    config.CacheConfig
	redis  *redis.Client
	mu     sync.RWMutex
	memory map[string]*memEntry
}

// New builds a Cache. Pass a nil *redis.Client to run memory-only.
func New(cfg config.CacheConfig, redisClient *redis.Client) *Cache {
	return &Cache{cfg: cfg, redis: redisClient, memory: make(map[string]*memEntry)}
}

// RequestKey is the full set of request parameters that distinguish one
// cacheable LLM call from another. Every field participates in the
// fingerprint: two requests differing only in system prompt, temperature,
// max tokens, response format, or seed must never share a cache entry.
type RequestKey struct {
	Provider       string
	Model          string
	Prompt         string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	ResponseFormat string
	Seed           int64
}

// Fingerprint derives the cache key for a request: sha256 over every
// RequestKey field, NUL-separated so adjacent fields can't alias, and
// namespaced so deployments sharing one Redis instance don't collide.
func Fingerprint(namespace string, key RequestKey) string {
	h := sha256.New()
	for _, field := range []string{
		key.Provider,
		key.Model,
		key.Prompt,
		key.SystemPrompt,
		strconv.FormatFloat(key.Temperature, 'g', -1, 64),
		strconv.Itoa(key.MaxTokens),
		key.ResponseFormat,
		strconv.FormatInt(key.Seed, 10),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if namespace == "" {
		namespace = "audit"
	}
	return fmt.Sprintf("%s:response:%s", namespace, sum)
}

// Get returns the cached Entry for key, if present and unexpired. Checks
// Redis first (when configured), then the in-memory tier.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			if e, decErr := c.decode(raw); decErr == nil {
				return e, true
			}
		}
	}

	c.mu.RLock()
	me, ok := c.memory[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(me.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.memory[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.memory, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	e, err := c.decode(me.data)
	if err != nil {
		return nil, false
	}
	return e, true
}

// Set stores entry under key with the configured TTL, writing through to
// both tiers so a Redis outage degrades to memory-only rather than
// disabling caching entirely.
func (c *Cache) Set(ctx context.Context, key string, entry *Entry) error {
	if !c.cfg.Enabled {
		return nil
	}
	entry.CachedAt = time.Now()
	raw, err := c.encode(entry)
	if err != nil {
		return fmt.Errorf("cache: encoding entry: %w", err)
	}

	ttl := c.cfg.TTL()
	c.mu.Lock()
	c.memory[key] = &memEntry{data: raw, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
			return fmt.Errorf("cache: writing to redis: %w", err)
		}
	}
	return nil
}

// Warmup pre-populates the cache for the configured warmup queries against
// a loader func, so the first real audit of the day doesn't pay the full
// LLM latency for common boilerplate queries.
func (c *Cache) Warmup(ctx context.Context, provider, model string, load func(ctx context.Context, query string) (*Entry, error)) error {
	for _, q := range c.cfg.WarmupQueries {
		key := Fingerprint(c.cfg.Namespace, RequestKey{Provider: provider, Model: model, Prompt: q})
		if _, ok := c.Get(ctx, key); ok {
			continue
		}
		entry, err := load(ctx, q)
		if err != nil {
			return fmt.Errorf("cache: warming up query %q: %w", q, err)
		}
		if err := c.Set(ctx, key, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) encode(entry *Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Compress {
		return raw, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Cache) decode(raw []byte) (*Entry, error) {
	data := raw
	if c.cfg.Compress {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
