// Package external defines the contracts for every out-of-scope
// collaborator named in the system's purpose and scope: the broker's
// price/quotes feed, the DART filings client, the LLM vendor APIs, the
// embedding model, the notification transport, and the news/disclosure
// crawlers. Each is a small interface so the core is exercised end-to-end
// in tests via fakes, with thin HTTP/websocket implementations provided
// alongside for production wiring.
package external

import "context"

// Tick is one realtime price observation from the broker's quotes feed.
type Tick struct {
	StockCode string
	Timestamp int64 // unix seconds
	Price     float64
	Volume    int64
}

// PriceFeed streams realtime ticks for a set of subscribed stock codes and
// serves historical bars for indicator warmup.
type PriceFeed interface {
	// Subscribe registers interest in a stock code; ticks arrive on the
	// channel returned by Ticks until Unsubscribe is called. ctx bounds
	// only the subscribe call itself.
	Subscribe(ctx context.Context, stockCode string) error
	Unsubscribe(stockCode string) error
	// Ticks returns the channel ticks are published on for all subscribed
	// stock codes.
	Ticks() <-chan Tick
	// HistoricalBars returns up to `days` trading days of daily closes,
	// oldest first, used for indicator bootstrap.
	HistoricalBars(ctx context.Context, stockCode string, days int) ([]Bar, error)
	Close() error
}

// Bar is one daily OHLCV observation.
type Bar struct {
	Date   string // YYYY-MM-DD
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Filing is one DART disclosure record as returned by the filings API.
type Filing struct {
	RceptNo     string
	CorpCode    string
	StockCode   string
	ReportName  string
	Filer       string
	ReceiptDate string
	RawNote     string
}

// FilingsClient fetches DART disclosure filings for a stock code.
type FilingsClient interface {
	ListFilings(ctx context.Context, stockCode string, since string) ([]Filing, error)
}

// EmbeddingFunc produces a vector embedding for a piece of text. The vector
// store is agnostic to the model that produced it.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// LLMProvider is one named LLM vendor backing the generation gateway.
type LLMProvider interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// NotifyTransport delivers a formatted alert message to a user's delivery
// endpoint (a Telegram bot, in production).
type NotifyTransport interface {
	Send(ctx context.Context, chatID, message string) error
}

// NewsArticle is a raw item returned by a news crawler before persistence.
type NewsArticle struct {
	Title       string
	Excerpt     string
	URL         string
	Source      string
	PublishedAt string
	StockCode   string
}

// NewsCrawler fetches raw news articles for a stock code.
type NewsCrawler interface {
	Fetch(ctx context.Context, stockCode string) ([]NewsArticle, error)
}

// DisclosureCrawler fetches raw disclosure filings for a stock code. It
// exists as a distinct seam from FilingsClient so a fake HTML/JSON crawler
// can be substituted independently of the DART HTTP client.
type DisclosureCrawler interface {
	Fetch(ctx context.Context, stockCode string) ([]Filing, error)
}
