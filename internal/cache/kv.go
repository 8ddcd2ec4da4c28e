package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"
)

// KV is a string key/value store that can back the durable tier.
// persistence.Store implements it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	DeleteMatching(ctx context.Context, pattern string) (int64, error)
}

// storedEntry is the serialized form of an Entry.
type storedEntry struct {
	Value     string `json:"value"`
	WrittenAt int64  `json:"written_at"` // unix milliseconds
}

// KVTier adapts a KV into a Durable tier.
type KVTier struct {
	kv KV
}

// NewKVTier creates a durable tier over kv.
func NewKVTier(kv KV) *KVTier {
	return &KVTier{kv: kv}
}

// ReadThrough returns the stored entry for key. Storage and decoding
// failures are logged and reported as misses.
func (t *KVTier) ReadThrough(ctx context.Context, key string) (Entry, bool) {
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Durable cache read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	var stored storedEntry
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable durable cache entry")
		return Entry{}, false
	}
	value, err := hexutil.Decode(stored.Value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable durable cache entry")
		return Entry{}, false
	}

	return Entry{Value: value, WrittenAt: time.UnixMilli(stored.WrittenAt)}, true
}

// WriteBestEffort serializes and stores entry.
func (t *KVTier) WriteBestEffort(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(storedEntry{
		Value:     hexutil.Encode(entry.Value),
		WrittenAt: entry.WrittenAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return t.kv.Set(ctx, key, string(raw))
}

// Purge removes every stored key containing pattern, or all keys for an
// empty pattern.
func (t *KVTier) Purge(ctx context.Context, pattern string) error {
	n, err := t.kv.DeleteMatching(ctx, pattern)
	if err != nil {
		return err
	}
	log.Debug().Str("pattern", pattern).Int64("removed", n).Msg("Purged durable cache entries")
	return nil
}
