package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/marketcache"
)

// NewsSearchCrawler implements NewsCrawler against a JSON news search API
// (the Naver search API's response shape by default), with the same
// cache-then-fetch-then-stale-fallback structure as the DART filings client.
type NewsSearchCrawler struct {
	baseURL   string
	keyID     string
	secret    string
	client    *retryablehttp.Client
	cacheRepo *marketcache.Repository
	log       zerolog.Logger
}

// NewNewsSearchCrawler creates a news search crawler. cacheRepo is optional;
// if nil, caching is disabled.
func NewNewsSearchCrawler(baseURL, keyID, secret string, cacheRepo *marketcache.Repository, log zerolog.Logger) *NewsSearchCrawler {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &NewsSearchCrawler{
		baseURL:   baseURL,
		keyID:     keyID,
		secret:    secret,
		client:    rc,
		cacheRepo: cacheRepo,
		log:       log.With().Str("client", "news_search").Logger(),
	}
}

type newsSearchResponse struct {
	Items []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Link        string `json:"link"`
		PubDate     string `json:"pubDate"`
	} `json:"items"`
}

// Fetch searches for stockCode itself and returns the raw articles
// found, newest first per the upstream API's own ordering.
func (c *NewsSearchCrawler) Fetch(ctx context.Context, stockCode string) ([]NewsArticle, error) {
	cacheKey := stockCode

	if c.cacheRepo != nil {
		if data, err := c.cacheRepo.GetIfFresh("news_search_pages", cacheKey); err == nil && data != nil {
			var articles []NewsArticle
			if err := json.Unmarshal(data, &articles); err == nil {
				return articles, nil
			}
		}
	}

	reqURL := fmt.Sprintf("%s?query=%s&display=20&sort=date", c.baseURL, url.QueryEscape(stockCode))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build news search request: %w", err)
	}
	if c.keyID != "" {
		req.Header.Set("X-Naver-Client-Id", c.keyID)
		req.Header.Set("X-Naver-Client-Secret", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			c.log.Warn().Err(err).Str("stock_code", stockCode).Msg("news search request failed, using stale cache")
			return stale, nil
		}
		return nil, fmt.Errorf("news search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			return stale, nil
		}
		return nil, fmt.Errorf("news search returned status %d", resp.StatusCode)
	}

	var parsed newsSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			return stale, nil
		}
		return nil, fmt.Errorf("failed to parse news search response: %w", err)
	}

	articles := make([]NewsArticle, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		articles = append(articles, NewsArticle{
			Title:       item.Title,
			Excerpt:     item.Description,
			URL:         item.Link,
			Source:      "news_search",
			PublishedAt: item.PubDate,
			StockCode:   stockCode,
		})
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("news_search_pages", cacheKey, articles, marketcache.TTLNewsSearch); err != nil {
			c.log.Warn().Err(err).Str("stock_code", stockCode).Msg("failed to cache news search results")
		}
	}

	return articles, nil
}

func (c *NewsSearchCrawler) staleFromCache(cacheKey string) ([]NewsArticle, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}
	data, err := c.cacheRepo.Get("news_search_pages", cacheKey)
	if err != nil || data == nil {
		return nil, false
	}
	var articles []NewsArticle
	if err := json.Unmarshal(data, &articles); err != nil {
		return nil, false
	}
	return articles, true
}
