// Package flow implements the C8 flow/pattern engine: end-of-day
// institutional/foreign/individual net-flow ingest, intraday program-trade
// aggregation, and the composite institutional-strong/program-strong rule
// that triggers a flow notification.
package flow

import (
	"context"
	"database/sql"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/notify"
)

// Engine is the C8 flow/pattern engine over market.db's eod_flow_records,
// program_flow_records, and pattern_signals tables.
type Engine struct {
	db         *sql.DB
	dispatcher *notify.Dispatcher
	log        zerolog.Logger

	// tickerLocks serializes ingest and evaluation per ticker so the
	// same-day re-ingest scenario spec §5 describes can't race with a
	// concurrent read of the same ticker's rolling window.
	tickerLocks sync.Map // ticker string -> *sync.Mutex
}

// NewEngine builds a flow/pattern engine over market.db and the C6
// dispatcher.
func NewEngine(db *sql.DB, dispatcher *notify.Dispatcher, log zerolog.Logger) *Engine {
	return &Engine{
		db:         db,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "flow_engine").Logger(),
	}
}

func (e *Engine) lockFor(ticker string) *sync.Mutex {
	actual, _ := e.tickerLocks.LoadOrStore(ticker, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// EODRecord is one day's institutional/foreign/individual net-flow
// observation for a ticker.
type EODRecord struct {
	TradeDate         string // YYYY-MM-DD
	Ticker            string
	InstitutionalNet  float64
	ForeignNet        float64
	IndividualNet     float64
	TotalTradedValue  float64
	ClosePrice        float64
	Volume            int64
}

// IngestEOD upserts rec into eod_flow_records, enforcing the monotonicity
// invariant: a ticker's trade dates must be ingested in ascending order,
// same-day re-ingests excepted (they upsert in place under the ticker's
// lock rather than being rejected).
func (e *Engine) IngestEOD(ctx context.Context, rec EODRecord) error {
	mu := e.lockFor(rec.Ticker)
	mu.Lock()
	defer mu.Unlock()

	var lastDate sql.NullString
	err := e.db.QueryRowContext(ctx,
		`SELECT MAX(trade_date) FROM eod_flow_records WHERE ticker = ? AND trade_date != ?`,
		rec.Ticker, rec.TradeDate,
	).Scan(&lastDate)
	if err != nil {
		return err
	}
	if lastDate.Valid && rec.TradeDate < lastDate.String {
		return &OutOfOrderError{Ticker: rec.Ticker, AttemptedDate: rec.TradeDate, LastDate: lastDate.String}
	}

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO eod_flow_records
		 (trade_date, ticker, institutional_net, foreign_net, individual_net, total_traded_value, close_price, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trade_date, ticker) DO UPDATE SET
		   institutional_net = excluded.institutional_net,
		   foreign_net = excluded.foreign_net,
		   individual_net = excluded.individual_net,
		   total_traded_value = excluded.total_traded_value,
		   close_price = excluded.close_price,
		   volume = excluded.volume`,
		rec.TradeDate, rec.Ticker, rec.InstitutionalNet, rec.ForeignNet,
		rec.IndividualNet, rec.TotalTradedValue, rec.ClosePrice, rec.Volume,
	)
	return err
}

// OutOfOrderError reports an EOD ingest attempt whose trade_date precedes
// a ticker's already-ingested history.
type OutOfOrderError struct {
	Ticker        string
	AttemptedDate string
	LastDate      string
}

func (e *OutOfOrderError) Error() string {
	return "flow: out-of-order eod ingest for " + e.Ticker + ": attempted " + e.AttemptedDate + " after " + e.LastDate
}

// ProgramFlowRow is one 5-minute program-trade observation.
type ProgramFlowRow struct {
	Timestamp string // RFC3339-ish, minute-aligned
	Ticker    string
	NetVolume int64 // signed
	NetValue  float64
	Side      string // BUY|SELL
	Price     float64
	Volume    int64
}

// IngestProgramFlow upserts a batch of 5-minute program-trade rows for a
// single ticker under that ticker's lock.
func (e *Engine) IngestProgramFlow(ctx context.Context, rows []ProgramFlowRow) error {
	if len(rows) == 0 {
		return nil
	}

	mu := e.lockFor(rows[0].Ticker)
	mu.Lock()
	defer mu.Unlock()

	for _, row := range rows {
		_, err := e.db.ExecContext(ctx,
			`INSERT INTO program_flow_records (ts, ticker, net_volume, net_value, side, price, volume)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(ts, ticker) DO UPDATE SET
			   net_volume = excluded.net_volume, net_value = excluded.net_value,
			   side = excluded.side, price = excluded.price, volume = excluded.volume`,
			row.Timestamp, row.Ticker, row.NetVolume, row.NetValue, row.Side, row.Price, row.Volume,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
