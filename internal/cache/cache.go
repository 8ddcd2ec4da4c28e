package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const writeQueueSize = 1024

// Entry is a cached call result.
type Entry struct {
	Value     []byte
	WrittenAt time.Time
}

func (e Entry) fresh(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.WrittenAt) < ttl
}

// Durable is the slower, persistent cache tier. Its failures never fail a
// call: reads degrade to misses and writes are dropped.
type Durable interface {
	ReadThrough(ctx context.Context, key string) (Entry, bool)
	WriteBestEffort(ctx context.Context, key string, entry Entry) error
	Purge(ctx context.Context, pattern string) error
}

type write struct {
	key   string
	entry Entry
	done  chan struct{} // set for flush markers only
}

// Cache is a two-tier call result cache: a bounded in-memory LRU in front of
// an optional durable tier. Freshness is decided per lookup by the caller's
// TTL, so one stored entry can serve callers with different TTLs.
type Cache struct {
	mem     *lru.Cache[string, Entry]
	durable Durable

	mu     sync.RWMutex
	closed bool
	writes chan write
	exited chan struct{}

	now func() time.Time

	// OnLookup is called after each tier lookup, if set.
	OnLookup func(tier string, hit bool)
	// OnDrop is called when a durable write is skipped, if set.
	OnDrop func()
}

// New creates a cache with memorySize in-memory entries. durable may be nil.
func New(memorySize int, durable Durable) (*Cache, error) {
	if memorySize <= 0 {
		memorySize = 10000
	}
	mem, err := lru.New[string, Entry](memorySize)
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}

	c := &Cache{
		mem:     mem,
		durable: durable,
		now:     time.Now,
		exited:  make(chan struct{}),
	}

	if durable != nil {
		c.writes = make(chan write, writeQueueSize)
		go c.writeLoop()
	} else {
		close(c.exited)
	}

	return c, nil
}

// Get returns the cached value for key if it was written less than ttl ago.
// The memory tier is consulted first; a fresh durable hit is promoted into
// memory.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration) ([]byte, bool) {
	if ttl <= 0 {
		return nil, false
	}
	now := c.now()

	if entry, ok := c.mem.Get(key); ok && entry.fresh(now, ttl) {
		c.lookup("memory", true)
		return entry.Value, true
	}
	c.lookup("memory", false)

	if c.durable == nil {
		return nil, false
	}

	entry, ok := c.durable.ReadThrough(ctx, key)
	if !ok || !entry.fresh(now, ttl) {
		c.lookup("durable", false)
		return nil, false
	}
	c.lookup("durable", true)

	// Promote without disturbing a newer memory entry.
	if current, ok := c.mem.Peek(key); !ok || current.WrittenAt.Before(entry.WrittenAt) {
		c.mem.Add(key, entry)
	}
	return entry.Value, true
}

// Put stores value under key. The memory tier is written synchronously; the
// durable write is queued and may be dropped.
func (c *Cache) Put(ctx context.Context, key string, value []byte) {
	entry := Entry{Value: value, WrittenAt: c.now()}
	c.mem.Add(key, entry)

	if c.durable == nil {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.writes <- write{key: key, entry: entry}:
	default:
		log.Warn().Str("key", key).Msg("Durable cache queue full, dropping write")
		c.drop()
	}
}

// Invalidate removes every entry whose key contains pattern from both tiers.
// An empty pattern clears everything. Queued durable writes are flushed first
// so they cannot resurrect removed entries.
func (c *Cache) Invalidate(ctx context.Context, pattern string) error {
	c.Flush()

	if pattern == "" {
		c.mem.Purge()
	} else {
		for _, key := range c.mem.Keys() {
			if strings.Contains(key, pattern) {
				c.mem.Remove(key)
			}
		}
	}

	if c.durable == nil {
		return nil
	}
	if err := c.durable.Purge(ctx, pattern); err != nil {
		return fmt.Errorf("purging durable tier: %w", err)
	}
	return nil
}

// Flush blocks until every durable write queued so far has been attempted.
func (c *Cache) Flush() {
	c.mu.RLock()
	if c.durable == nil || c.closed {
		c.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	c.writes <- write{done: done}
	c.mu.RUnlock()
	<-done
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// Close drains queued durable writes and stops the writer.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.writes != nil {
		close(c.writes)
	}
	c.mu.Unlock()

	<-c.exited
}

func (c *Cache) writeLoop() {
	defer close(c.exited)

	for w := range c.writes {
		if w.done != nil {
			close(w.done)
			continue
		}
		if err := c.durable.WriteBestEffort(context.Background(), w.key, w.entry); err != nil {
			log.Warn().Err(err).Str("key", w.key).Msg("Durable cache write failed")
			c.drop()
		}
	}
}

func (c *Cache) lookup(tier string, hit bool) {
	if c.OnLookup != nil {
		c.OnLookup(tier, hit)
	}
}

func (c *Cache) drop() {
	if c.OnDrop != nil {
		c.OnDrop()
	}
}
