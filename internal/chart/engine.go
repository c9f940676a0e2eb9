// Package chart implements the realtime chart-condition engine (C7):
// maintains rolling MA5/MA20/Bollinger/RSI/MACD/volume state per subscribed
// stock, evaluates the eight named firing conditions on every tick, and
// dispatches a notification with a past-case lookup whenever one fires.
package chart

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/events"
	"github.com/hyperasset/sentinel/internal/external"
	"github.com/hyperasset/sentinel/internal/notify"
)

const (
	// warmupDays is the historical window fetched on Subscribe to seed a
	// stock's rolling state before live ticks start arriving.
	warmupDays = 40
	// maxWindow caps how many observations a stock's rolling state keeps;
	// older observations are dropped once this is exceeded.
	maxWindow = 250
)

// stockState is one stock's rolling observation window. Each stock is
// guarded by its own mutex so ticks for different stocks never contend.
type stockState struct {
	mu      sync.Mutex
	closes  []float64
	volumes []float64
	dates   []string // YYYY-MM-DD per observation, aligned by index
}

func (s *stockState) append(date string, price, volume float64) {
	s.closes = append(s.closes, price)
	s.volumes = append(s.volumes, volume)
	s.dates = append(s.dates, date)

	if over := len(s.closes) - maxWindow; over > 0 {
		s.closes = s.closes[over:]
		s.volumes = s.volumes[over:]
		s.dates = s.dates[over:]
	}
}

// Engine is the C7 chart condition engine.
type Engine struct {
	db         *sql.DB // market.db
	priceFeed  external.PriceFeed
	dispatcher *notify.Dispatcher
	log        zerolog.Logger

	statesMu sync.Mutex
	states   map[string]*stockState

	now func() time.Time
}

// NewEngine builds a chart condition engine over market.db's
// chart_condition_hits table, a realtime price feed, and the C6 dispatcher.
func NewEngine(db *sql.DB, priceFeed external.PriceFeed, dispatcher *notify.Dispatcher, log zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		priceFeed:  priceFeed,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "chart_engine").Logger(),
		states:     make(map[string]*stockState),
		now:        time.Now,
	}
}

// Subscribe bootstraps stockCode's rolling state from historical bars and
// registers interest with the price feed.
func (e *Engine) Subscribe(ctx context.Context, stockCode string) error {
	bars, err := e.priceFeed.HistoricalBars(ctx, stockCode, warmupDays)
	if err != nil {
		return fmt.Errorf("fetch historical bars for %s: %w", stockCode, err)
	}

	state := &stockState{
		closes:  make([]float64, 0, len(bars)+1),
		volumes: make([]float64, 0, len(bars)+1),
		dates:   make([]string, 0, len(bars)+1),
	}
	for _, bar := range bars {
		state.closes = append(state.closes, bar.Close)
		state.volumes = append(state.volumes, float64(bar.Volume))
		state.dates = append(state.dates, bar.Date)
	}

	e.statesMu.Lock()
	e.states[stockCode] = state
	e.statesMu.Unlock()

	return e.priceFeed.Subscribe(ctx, stockCode)
}

// IsSubscribed reports whether stockCode already has rolling state, so
// callers (the C13 chart worker) can subscribe newly-enabled stocks without
// re-subscribing ones already tracked.
func (e *Engine) IsSubscribed(stockCode string) bool {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()
	_, ok := e.states[stockCode]
	return ok
}

// Run consumes ticks from the price feed until ctx is cancelled, processing
// each one in turn.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-e.priceFeed.Ticks():
			if !ok {
				return nil
			}
			if err := e.ProcessTick(ctx, tick); err != nil {
				e.log.Error().Err(err).Str("stock_code", tick.StockCode).Msg("chart tick processing failed")
			}
		}
	}
}

// ProcessTick folds one realtime tick into stockCode's rolling state,
// recomputes every indicator, and fires/dispatches/persists any of the
// eight named conditions that hold on this tick.
func (e *Engine) ProcessTick(ctx context.Context, tick external.Tick) error {
	state := e.stateFor(tick.StockCode)

	state.mu.Lock()
	defer state.mu.Unlock()

	date := time.Unix(tick.Timestamp, 0).UTC().Format("2006-01-02")
	state.append(date, tick.Price, float64(tick.Volume))

	n := len(state.closes)
	if n < 2 {
		return nil // nothing to compare against yet
	}

	series := computeIndicators(state.closes, state.volumes)
	prev := series.at(n-2, state.closes, state.volumes)
	cur := series.at(n-1, state.closes, state.volumes)

	if n < bootstrapObservations {
		return nil // still bootstrapping; state updates, firings suppressed
	}

	fired := evaluateConditions(prev, cur)
	if !anyFired(fired) {
		return nil
	}

	hitDate := state.dates[n-1]
	hitTime := e.now().UTC().Format("15:04:05")

	if err := e.persistHit(ctx, tick.StockCode, hitDate, hitTime, cur, fired); err != nil {
		return fmt.Errorf("persist chart condition hit: %w", err)
	}

	return e.dispatchFirings(ctx, tick.StockCode, hitDate, cur, fired)
}

func (e *Engine) stateFor(stockCode string) *stockState {
	e.statesMu.Lock()
	defer e.statesMu.Unlock()

	state, ok := e.states[stockCode]
	if !ok {
		state = &stockState{}
		e.states[stockCode] = state
	}
	return state
}

func anyFired(fired map[string]bool) bool {
	for _, v := range fired {
		if v {
			return true
		}
	}
	return false
}

func (e *Engine) persistHit(ctx context.Context, stockCode, hitDate, hitTime string, cur snapshot, fired map[string]bool) error {
	details, err := json.Marshal(map[string]float64{
		"ma5": cur.MA5, "ma20": cur.MA20, "rsi": cur.RSI,
		"bb_upper": cur.BBUpper, "bb_lower": cur.BBLower, "macd": cur.MACD,
	})
	if err != nil {
		return err
	}

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO chart_condition_hits
		 (stock_code, hit_date, hit_time, close_price, volume,
		  golden_cross, dead_cross, bollinger_touch, ma20_touch, rsi_condition,
		  volume_surge, macd_golden_cross, support_resistance_break, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stock_code, hit_date, hit_time) DO NOTHING`,
		stockCode, hitDate, hitTime, cur.Close, int64(cur.Volume),
		boolToInt(fired[ConditionGoldenCross]), boolToInt(fired[ConditionDeadCross]),
		boolToInt(fired[ConditionBollingerTouch]), boolToInt(fired[ConditionMA20Touch]),
		boolToInt(fired[ConditionRSI]), boolToInt(fired[ConditionVolumeSurge]),
		boolToInt(fired[ConditionMACDGoldenCross]), boolToInt(fired[ConditionSupportResistanceBreak]),
		string(details),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) dispatchFirings(ctx context.Context, stockCode, hitDate string, cur snapshot, fired map[string]bool) error {
	var firstErr error
	for _, name := range allConditions {
		if !fired[name] {
			continue
		}

		pastCase, err := e.lookupPastCase(ctx, stockCode, name, hitDate)
		if err != nil {
			e.log.Warn().Err(err).Str("condition", name).Msg("past-case lookup failed")
		}

		ev := events.Event{
			Kind:      events.KindChart,
			StockCode: stockCode,
			Payload: events.ChartData{
				Condition:  name,
				ClosePrice: cur.Close,
				Volume:     int64(cur.Volume),
				MA5:        cur.MA5,
				MA20:       cur.MA20,
				RSI:        cur.RSI,
				BBUpper:    cur.BBUpper,
				BBLower:    cur.BBLower,
				MACD:       cur.MACD,
				PastCase:   pastCase,
			},
		}

		if err := e.dispatcher.Dispatch(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
