package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/marketcache"
)

// DARTFilingsClient implements FilingsClient against the DART (Korean
// Financial Supervisory Service) open-API filing list endpoint, with a
// persistent cache fallback: a fresh cache hit short-circuits the call,
// and a stale cache entry is served if the upstream call fails.
type DARTFilingsClient struct {
	baseURL   string
	apiKey    string
	client    *retryablehttp.Client
	cacheRepo *marketcache.Repository
	log       zerolog.Logger
}

// NewDARTFilingsClient creates a DART filings client. cacheRepo is
// optional; if nil, caching is disabled.
func NewDARTFilingsClient(apiKey string, cacheRepo *marketcache.Repository, log zerolog.Logger) *DARTFilingsClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &DARTFilingsClient{
		baseURL:   "https://opendart.fss.or.kr/api/list.json",
		apiKey:    apiKey,
		client:    rc,
		cacheRepo: cacheRepo,
		log:       log.With().Str("client", "dart_filings").Logger(),
	}
}

type dartListResponse struct {
	Status string `json:"status"`
	List   []struct {
		RceptNo    string `json:"rcept_no"`
		CorpCode   string `json:"corp_code"`
		StockCode  string `json:"stock_code"`
		ReportName string `json:"report_nm"`
		Filer      string `json:"flr_nm"`
		RceptDt    string `json:"rcept_dt"`
		Remark     string `json:"rm"`
	} `json:"list"`
}

// ListFilings fetches filings for stockCode published since the given
// date (YYYYMMDD). Cache key is stockCode+since; fresh cache hits avoid
// re-hitting the rate-limited DART endpoint within the same poll window.
func (c *DARTFilingsClient) ListFilings(ctx context.Context, stockCode string, since string) ([]Filing, error) {
	cacheKey := stockCode + ":" + since

	if c.cacheRepo != nil {
		if data, err := c.cacheRepo.GetIfFresh("dart_filing_pages", cacheKey); err == nil && data != nil {
			var filings []Filing
			if err := json.Unmarshal(data, &filings); err == nil {
				return filings, nil
			}
		}
	}

	url := fmt.Sprintf("%s?crtfc_key=%s&stock_code=%s&bgn_de=%s&page_count=100",
		c.baseURL, c.apiKey, stockCode, since)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build dart request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			c.log.Warn().Err(err).Str("stock_code", stockCode).Msg("DART request failed, using stale cache")
			return stale, nil
		}
		return nil, fmt.Errorf("dart request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			return stale, nil
		}
		return nil, fmt.Errorf("dart returned status %d", resp.StatusCode)
	}

	var parsed dartListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		if stale, ok := c.staleFromCache(cacheKey); ok {
			return stale, nil
		}
		return nil, fmt.Errorf("failed to parse dart response: %w", err)
	}

	filings := make([]Filing, 0, len(parsed.List))
	for _, item := range parsed.List {
		filings = append(filings, Filing{
			RceptNo:     item.RceptNo,
			CorpCode:    item.CorpCode,
			StockCode:   item.StockCode,
			ReportName:  item.ReportName,
			Filer:       item.Filer,
			ReceiptDate: item.RceptDt,
			RawNote:     item.Remark,
		})
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("dart_filing_pages", cacheKey, filings, marketcache.TTLFilingPage); err != nil {
			c.log.Warn().Err(err).Str("stock_code", stockCode).Msg("failed to cache dart filings")
		}
	}

	return filings, nil
}

func (c *DARTFilingsClient) staleFromCache(cacheKey string) ([]Filing, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}
	data, err := c.cacheRepo.Get("dart_filing_pages", cacheKey)
	if err != nil || data == nil {
		return nil, false
	}
	var filings []Filing
	if err := json.Unmarshal(data, &filings); err != nil {
		return nil, false
	}
	return filings, true
}
