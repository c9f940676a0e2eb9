package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *resultCache {
	c, err := newResultCache(nil, 16, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := CacheKey("hyperclova", "prompt text", 512)
	b := CacheKey("hyperclova", "prompt text", 512)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestCacheKey_DiffersOnAnyInput(t *testing.T) {
	base := CacheKey("hyperclova", "prompt", 512)
	assert.NotEqual(t, base, CacheKey("chatgpt", "prompt", 512))
	assert.NotEqual(t, base, CacheKey("hyperclova", "other", 512))
	assert.NotEqual(t, base, CacheKey("hyperclova", "prompt", 256))
}

func TestResultCache_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok := c.get(ctx, "missing")
	assert.False(t, ok)

	c.set(ctx, "k1", cacheEntry{Text: "hello", Provider: "hyperclova"}, time.Minute)

	entry, ok := c.get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, "hyperclova", entry.Provider)
}

func TestEncodeDecode_SmallPayloadUncompressed(t *testing.T) {
	c := newTestCache(t)
	entry := cacheEntry{Text: "short", Provider: "chatgpt"}

	raw, err := c.encode(entry)
	require.NoError(t, err)
	assert.Equal(t, uncompressedFlag, raw[0])

	decoded, err := c.decode(raw)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestEncodeDecode_LargePayloadCompressed(t *testing.T) {
	c := newTestCache(t)
	entry := cacheEntry{Text: strings.Repeat("x", 4096), Provider: "claude"}

	raw, err := c.encode(entry)
	require.NoError(t, err)
	assert.Equal(t, compressedFlag, raw[0])
	assert.Less(t, len(raw), len(entry.Text))

	decoded, err := c.decode(raw)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}
