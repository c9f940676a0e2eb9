package marketcache

import "time"

// TTL constants for the market cache tables.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// TTLPriceQuote bounds how long a KIS current-price quote is reused
	// across checks within the same poll cycle.
	TTLPriceQuote = 10 * time.Minute

	// TTLFilingPage bounds how long a DART filing-list page is reused;
	// DART publishes new disclosures continuously during market hours but a
	// given page rarely changes within an hour.
	TTLFilingPage = time.Hour

	// TTLNewsSearch bounds how long a news search page is reused: half of
	// the news pipeline's hourly cadence.
	TTLNewsSearch = 30 * time.Minute
)
