// Package llm implements the C4 LLM gateway: a provider registry with
// per-user model selection (via an injected UserConfig capability), a
// shared Redis+LRU result cache, per-cache-key generation locking, and
// ordered fallback across providers on failure.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/apperr"
	"github.com/hyperasset/sentinel/internal/external"
)

// AnalysisKind selects the cache TTL for a generation call, per the
// per-analysis TTL table below.
type AnalysisKind string

const (
	AnalysisNews       AnalysisKind = "news"
	AnalysisFlow       AnalysisKind = "flow"
	AnalysisChart      AnalysisKind = "chart"
	AnalysisDisclosure AnalysisKind = "disclosure"
	AnalysisReport     AnalysisKind = "report"
)

var analysisTTL = map[AnalysisKind]time.Duration{
	AnalysisNews:       30 * time.Minute,
	AnalysisFlow:       time.Hour,
	AnalysisChart:      2 * time.Hour,
	AnalysisDisclosure: 4 * time.Hour,
	AnalysisReport:     24 * time.Hour,
}

const defaultModelTag = "hyperclova"
const defaultGenerateTimeout = 30 * time.Second

// UserConfig is the small capability the gateway needs from C5: resolving
// which model a user has selected. Modeled as an interface, per spec §9's
// note that the gateway holds a weak reference to the config manager to
// avoid a retain cycle between the two process-wide singletons — in Go
// terms, an interface the gateway is handed at construction rather than a
// concrete pointer back into userconfig.
type UserConfig interface {
	ModelTag(ctx context.Context, userID string) (string, error)
}

// Result is what Generate returns: the text plus which provider served it,
// so callers (and tests) can assert on fallback behavior.
type Result struct {
	Text     string
	Provider string
	Cached   bool
}

// Gateway is the C4 LLM gateway.
type Gateway struct {
	providers  map[string]external.LLMProvider
	fallback   []string // ordered provider names tried after the user's selected model
	userConfig UserConfig
	cache      *resultCache
	genTimeout time.Duration
	log        zerolog.Logger
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// NewGateway builds a gateway over the given providers (keyed by
// Provider.Name()), user config resolver, and optional Redis client (nil
// degrades to LRU-only caching). fallbackOrder lists provider names to try,
// in order, when a user's selected model fails or is unavailable; a nil
// fallbackOrder falls back to the registration order of providers.
func NewGateway(providers []external.LLMProvider, userConfig UserConfig, redisClient *redis.Client, localCacheMaxSize int, fallbackOrder []string, log zerolog.Logger) (*Gateway, error) {
	registry := make(map[string]external.LLMProvider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		registry[p.Name()] = p
		order = append(order, p.Name())
	}
	if len(fallbackOrder) > 0 {
		order = fallbackOrder
	}

	cache, err := newResultCache(redisClient, localCacheMaxSize, log)
	if err != nil {
		return nil, fmt.Errorf("construct llm gateway: %w", err)
	}

	return &Gateway{
		providers:  registry,
		fallback:   order,
		userConfig: userConfig,
		cache:      cache,
		genTimeout: defaultGenerateTimeout,
		log:        log.With().Str("component", "llm_gateway").Logger(),
		keyLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// SetGenerateTimeout overrides the default 30s per-provider call timeout,
// primarily for tests.
func (g *Gateway) SetGenerateTimeout(d time.Duration) { g.genTimeout = d }

// Generate resolves userID's selected model via C5, then runs the cache/
// lock/provider-fallback pipeline described in spec §4.4.
func (g *Gateway) Generate(ctx context.Context, userID, prompt string, maxTokens int, kind AnalysisKind) (Result, error) {
	modelTag := defaultModelTag
	if g.userConfig != nil {
		if tag, err := g.userConfig.ModelTag(ctx, userID); err == nil && tag != "" {
			modelTag = tag
		}
	}
	return g.generateWithModel(ctx, modelTag, prompt, maxTokens, kind)
}

// generateWithModel runs the cache-then-lock-then-generate pipeline for an
// explicit model tag. When the selected provider fails, fallthroughGenerate
// calls the fallback providers directly, each at most once, and the text
// that succeeds is cached under the selected model's key.
func (g *Gateway) generateWithModel(ctx context.Context, modelTag, prompt string, maxTokens int, kind AnalysisKind) (Result, error) {
	key := CacheKey(modelTag, prompt, maxTokens)

	if entry, ok := g.cache.get(ctx, key); ok {
		return Result{Text: entry.Text, Provider: entry.Provider, Cached: true}, nil
	}

	lock := g.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the lock: a concurrent caller for the same
	// key may have just populated the cache while we waited.
	if entry, ok := g.cache.get(ctx, key); ok {
		return Result{Text: entry.Text, Provider: entry.Provider, Cached: true}, nil
	}

	provider, ok := g.providers[modelTag]
	var text string
	var servedBy string
	var err error

	if ok && provider.Available() {
		text, err = g.callWithTimeout(ctx, provider, prompt, maxTokens)
		if err == nil {
			servedBy = provider.Name()
		}
	} else {
		err = fmt.Errorf("provider %s unavailable", modelTag)
	}

	if err != nil {
		text, servedBy, err = g.fallthroughGenerate(ctx, modelTag, prompt, maxTokens)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.KindProvider, "llm.Generate",
				fmt.Sprintf("all providers failed for model %s", modelTag), err)
		}
	}

	ttl := analysisTTL[kind]
	if ttl == 0 {
		ttl = time.Hour
	}
	g.cache.set(ctx, key, cacheEntry{Text: text, Provider: servedBy}, ttl)

	return Result{Text: text, Provider: servedBy}, nil
}

// fallthroughGenerate tries each configured fallback provider (other than
// the one already attempted) in order, stopping at the first success.
func (g *Gateway) fallthroughGenerate(ctx context.Context, alreadyTried, prompt string, maxTokens int) (string, string, error) {
	var lastErr error
	for _, name := range g.fallback {
		if name == alreadyTried {
			continue
		}
		provider, ok := g.providers[name]
		if !ok || !provider.Available() {
			continue
		}
		text, err := g.callWithTimeout(ctx, provider, prompt, maxTokens)
		if err == nil {
			g.log.Warn().Str("primary", alreadyTried).Str("fallback", name).Msg("llm gateway fell back to alternate provider")
			return text, name, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no available fallback provider")
	}
	return "", "", lastErr
}

func (g *Gateway) callWithTimeout(ctx context.Context, provider external.LLMProvider, prompt string, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.genTimeout)
	defer cancel()
	return provider.Generate(callCtx, prompt, maxTokens)
}

// lockFor returns the per-cache-key mutex, creating it if necessary. The
// lock map itself is protected by keyLocksMu; the returned mutex is then
// locked/unlocked outside that guard so concurrent calls for different
// keys never contend with each other.
func (g *Gateway) lockFor(key string) *sync.Mutex {
	g.keyLocksMu.Lock()
	defer g.keyLocksMu.Unlock()

	lock, ok := g.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.keyLocks[key] = lock
	}
	return lock
}
