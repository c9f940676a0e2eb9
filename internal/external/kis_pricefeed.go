package external

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hyperasset/sentinel/internal/marketcache"
)

const (
	kisDialTimeout          = 30 * time.Second
	kisBaseReconnectDelay   = 5 * time.Second
	kisMaxReconnectDelay    = 5 * time.Minute
	kisMaxReconnectAttempts = 10
)

// KISPriceFeed implements external.PriceFeed against the Korea Investment
// & Securities (KIS) realtime quote websocket: a dial-and-subscribe
// connection with a capped-exponential-backoff reconnect loop, and ticks
// published on a single fan-in channel.
type KISPriceFeed struct {
	wsURL     string
	appKey    string
	appSecret string

	httpClient *http.Client
	cacheRepo  *marketcache.Repository
	log        zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}

	subsMu sync.Mutex
	subs   map[string]bool

	ticks chan Tick
}

// NewKISPriceFeed creates a KIS realtime price feed client. cacheRepo is
// optional; if non-nil, HistoricalBars responses are cached under
// TTLPriceQuote to avoid re-fetching the same warmup window repeatedly.
func NewKISPriceFeed(wsURL, appKey, appSecret string, cacheRepo *marketcache.Repository, log zerolog.Logger) *KISPriceFeed {
	return &KISPriceFeed{
		wsURL:      wsURL,
		appKey:     appKey,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheRepo:  cacheRepo,
		log:        log.With().Str("client", "kis_price_feed").Logger(),
		stopChan:   make(chan struct{}),
		subs:       make(map[string]bool),
		ticks:      make(chan Tick, 256),
	}
}

// Ticks returns the channel realtime ticks are published on.
func (f *KISPriceFeed) Ticks() <-chan Tick { return f.ticks }

// Subscribe dials the websocket on first use and sends a subscription
// frame for stockCode.
func (f *KISPriceFeed) Subscribe(ctx context.Context, stockCode string) error {
	f.subsMu.Lock()
	f.subs[stockCode] = true
	f.subsMu.Unlock()

	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()

	if !connected {
		if err := f.connect(ctx); err != nil {
			go f.reconnectLoop()
			return fmt.Errorf("kis websocket dial failed, reconnecting in background: %w", err)
		}
		go f.readLoop(f.connCtx)
	}

	return f.sendSubscribe(ctx, stockCode)
}

// Unsubscribe stops delivering ticks for stockCode.
func (f *KISPriceFeed) Unsubscribe(stockCode string) error {
	f.subsMu.Lock()
	delete(f.subs, stockCode)
	f.subsMu.Unlock()
	return nil
}

func (f *KISPriceFeed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, kisDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.wsURL, &websocket.DialOptions{HTTPClient: f.httpClient})
	if err != nil {
		return fmt.Errorf("dial kis websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	return nil
}

func (f *KISPriceFeed) sendSubscribe(ctx context.Context, stockCode string) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("kis websocket not connected")
	}

	msg, err := json.Marshal(map[string]string{"tr_id": "H0STCNT0", "tr_key": stockCode})
	if err != nil {
		return fmt.Errorf("marshal kis subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, msg)
}

func (f *KISPriceFeed) readLoop(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.log.Warn().Err(err).Msg("kis websocket read failed")
			return
		}

		tick, ok := parseKISTick(data)
		if !ok {
			continue
		}

		f.subsMu.Lock()
		subscribed := f.subs[tick.StockCode]
		f.subsMu.Unlock()
		if !subscribed {
			continue
		}

		select {
		case f.ticks <- tick:
		default:
			f.log.Warn().Str("stock_code", tick.StockCode).Msg("tick channel full, dropping")
		}
	}
}

func (f *KISPriceFeed) reconnectLoop() {
	delay := kisBaseReconnectDelay
	for attempt := 0; attempt < kisMaxReconnectAttempts; attempt++ {
		select {
		case <-f.stopChan:
			return
		case <-time.After(delay):
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		if err := f.connect(context.Background()); err != nil {
			f.log.Warn().Err(err).Int("attempt", attempt+1).Msg("kis websocket reconnect failed")
			delay = time.Duration(math.Min(float64(delay)*2, float64(kisMaxReconnectDelay)))
			continue
		}

		f.subsMu.Lock()
		for stockCode := range f.subs {
			_ = f.sendSubscribe(context.Background(), stockCode)
		}
		f.subsMu.Unlock()

		go f.readLoop(f.connCtx)
		return
	}
	f.log.Error().Msg("kis websocket reconnect attempts exhausted")
}

func parseKISTick(data []byte) (Tick, bool) {
	var raw struct {
		StockCode string  `json:"stock_code"`
		Timestamp int64   `json:"ts"`
		Price     float64 `json:"price"`
		Volume    int64   `json:"volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.StockCode == "" {
		return Tick{}, false
	}
	return Tick{StockCode: raw.StockCode, Timestamp: raw.Timestamp, Price: raw.Price, Volume: raw.Volume}, true
}

// HistoricalBars fetches daily OHLCV bars for indicator bootstrap via the
// KIS REST API, caching the response for TTLPriceQuote to avoid refetching
// the same warmup window on every engine restart.
func (f *KISPriceFeed) HistoricalBars(ctx context.Context, stockCode string, days int) ([]Bar, error) {
	cacheKey := fmt.Sprintf("bars:%s:%d", stockCode, days)

	if f.cacheRepo != nil {
		if data, err := f.cacheRepo.GetIfFresh("kis_price_quotes", cacheKey); err == nil && data != nil {
			var bars []Bar
			if err := json.Unmarshal(data, &bars); err == nil {
				return bars, nil
			}
		}
	}

	url := fmt.Sprintf("https://openapi.koreainvestment.com:9443/uapi/domestic-stock/v1/quotations/inquire-daily-price?FID_INPUT_ISCD=%s&FID_PERIOD_DIV_CODE=D&FID_ORG_ADJ_PRC=1", stockCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build kis bars request: %w", err)
	}
	req.Header.Set("appkey", f.appKey)
	req.Header.Set("appsecret", f.appSecret)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kis bars request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kis bars returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Output []struct {
			Date   string `json:"stck_bsop_date"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_clpr"`
			Volume string `json:"acml_vol"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse kis bars response: %w", err)
	}

	// KIS returns newest-first, so the most recent `days` rows are the
	// leading slice — take those, then walk them back to front so bars
	// comes out oldest -> newest, ending at today.
	n := len(parsed.Output)
	if days > 0 && days < n {
		n = days
	}
	bars := make([]Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		o := parsed.Output[i]
		bars = append(bars, Bar{
			Date:   o.Date,
			Open:   parseFloatOrZero(o.Open),
			High:   parseFloatOrZero(o.High),
			Low:    parseFloatOrZero(o.Low),
			Close:  parseFloatOrZero(o.Close),
			Volume: int64(parseFloatOrZero(o.Volume)),
		})
	}

	if f.cacheRepo != nil {
		if err := f.cacheRepo.Store("kis_price_quotes", cacheKey, bars, marketcache.TTLPriceQuote); err != nil {
			f.log.Warn().Err(err).Str("stock_code", stockCode).Msg("failed to cache kis bars")
		}
	}

	return bars, nil
}

func parseFloatOrZero(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%f", &v)
	return v
}

// Close stops the read/reconnect loops and closes the underlying connection.
func (f *KISPriceFeed) Close() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelFunc != nil {
		f.cancelFunc()
	}
	if f.conn != nil {
		return f.conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
