package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// compressionThreshold is the payload size above which cached values are
// zstd-compressed before being written to Redis.
const compressionThreshold = 1024

// cacheEntry is what actually gets serialized to Redis/LRU: the generated
// text plus which provider served it, so the caller can report provenance
// without a second round trip.
type cacheEntry struct {
	Text     string `msgpack:"text" json:"text"`
	Provider string `msgpack:"provider" json:"provider"`
}

// resultCache is the two-tier cache described in C4: a process-local LRU in
// front of a shared Redis instance. Redis absence (nil client or connection
// failure) degrades to LRU-only, never a hard error — a cache is an
// optimization, not a dependency.
type resultCache struct {
	redis   *redis.Client
	local   *lru.Cache[string, cacheEntry]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	log     zerolog.Logger
}

func newResultCache(redisClient *redis.Client, localMaxSize int, log zerolog.Logger) (*resultCache, error) {
	local, err := lru.New[string, cacheEntry](localMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create local llm cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &resultCache{
		redis:   redisClient,
		local:   local,
		encoder: encoder,
		decoder: decoder,
		log:     log.With().Str("component", "llm_cache").Logger(),
	}, nil
}

// CacheKey computes sha256(model_tag+prompt+max_tokens), truncated to 16
// hex characters.
func CacheKey(modelTag, prompt string, maxTokens int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d", modelTag, prompt, maxTokens)))
	return fmt.Sprintf("%x", sum)[:16]
}

// get checks the local LRU first, then Redis (promoting a Redis hit back
// into the LRU). Returns ok=false on a clean miss or any cache-layer error
// (caches fail open per the SerializationError/connection taxonomy).
func (c *resultCache) get(ctx context.Context, key string) (cacheEntry, bool) {
	if entry, ok := c.local.Get(key); ok {
		return entry, true
	}

	if c.redis == nil {
		return cacheEntry{}, false
	}

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return cacheEntry{}, false
	}

	entry, err := c.decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to decode cached llm entry, treating as miss")
		return cacheEntry{}, false
	}

	c.local.Add(key, entry)
	return entry, true
}

// set writes entry to both tiers with the given TTL. Redis errors are
// logged and swallowed; the local LRU write always succeeds.
func (c *resultCache) set(ctx context.Context, key string, entry cacheEntry, ttl time.Duration) {
	c.local.Add(key, entry)

	if c.redis == nil {
		return
	}

	raw, err := c.encode(entry)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to encode llm entry for shared cache")
		return
	}

	if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to write llm entry to shared cache")
	}
}

// encode serializes entry with msgpack (preferred), falling back to JSON
// and then gob if msgpack fails. The chosen codec is prefixed onto the
// payload so decode() can pick the matching path.
func (c *resultCache) encode(entry cacheEntry) ([]byte, error) {
	payload, codec, err := c.marshalEntry(entry)
	if err != nil {
		return nil, err
	}

	out := append([]byte{codec}, payload...)
	if len(out) > compressionThreshold {
		compressed := c.encoder.EncodeAll(out, nil)
		return append([]byte{compressedFlag}, compressed...), nil
	}
	return append([]byte{uncompressedFlag}, out...), nil
}

const (
	uncompressedFlag byte = 0
	compressedFlag   byte = 1

	codecMsgpack byte = 0
	codecJSON    byte = 1
	codecGob     byte = 2
)

func (c *resultCache) marshalEntry(entry cacheEntry) ([]byte, byte, error) {
	if payload, err := msgpack.Marshal(entry); err == nil {
		return payload, codecMsgpack, nil
	}
	if payload, err := json.Marshal(entry); err == nil {
		return payload, codecJSON, nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, 0, fmt.Errorf("encode cache entry: all of msgpack, json, gob failed: %w", err)
	}
	return buf.Bytes(), codecGob, nil
}

func (c *resultCache) decode(raw []byte) (cacheEntry, error) {
	if len(raw) < 2 {
		return cacheEntry{}, fmt.Errorf("cache entry too short")
	}

	compressionFlag, body := raw[0], raw[1:]
	if compressionFlag == compressedFlag {
		decompressed, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return cacheEntry{}, fmt.Errorf("decompress cache entry: %w", err)
		}
		body = decompressed
	}

	codec, payload := body[0], body[1:]

	var entry cacheEntry
	var err error
	switch codec {
	case codecMsgpack:
		err = msgpack.Unmarshal(payload, &entry)
	case codecJSON:
		err = json.Unmarshal(payload, &entry)
	case codecGob:
		err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&entry)
	default:
		err = fmt.Errorf("unknown cache entry codec %d", codec)
	}
	return entry, err
}
