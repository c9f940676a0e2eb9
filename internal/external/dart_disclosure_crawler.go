package external

import (
	"context"
	"time"
)

// disclosureLookbackDays bounds how far back Fetch asks DART for filings
// on each poll; the disclosure pipeline itself tracks what it has already
// processed, so re-fetching a short trailing window is harmless.
const disclosureLookbackDays = 7

// DARTDisclosureCrawler adapts DARTFilingsClient's ListFilings (keyed by an
// explicit since-date) to the DisclosureCrawler seam the C9 disclosure
// pipeline depends on.
type DARTDisclosureCrawler struct {
	client *DARTFilingsClient
	now    func() time.Time
}

// NewDARTDisclosureCrawler wraps an already-constructed DART filings client.
func NewDARTDisclosureCrawler(client *DARTFilingsClient) *DARTDisclosureCrawler {
	return &DARTDisclosureCrawler{client: client, now: time.Now}
}

// Fetch lists filings for stockCode over the trailing lookback window.
func (c *DARTDisclosureCrawler) Fetch(ctx context.Context, stockCode string) ([]Filing, error) {
	since := c.now().AddDate(0, 0, -disclosureLookbackDays).Format("20060102")
	return c.client.ListFilings(ctx, stockCode, since)
}
