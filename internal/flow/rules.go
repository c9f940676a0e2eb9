package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hyperasset/sentinel/internal/events"
)

const (
	// institutionalStrongMinDays is the minimum count of inst_net>0 days
	// out of the trailing institutionalLookbackDays required to call a
	// ticker institutional-strong.
	institutionalStrongMinDays = 3
	institutionalLookbackDays  = 5

	// programStrongMultiplier is how far today's program volume must
	// exceed its 30-day average to call a ticker program-strong.
	programStrongMultiplier = 2.5
	programLookbackDays     = 30
)

// Signal is the outcome of evaluating a ticker's composite flow rule at a
// point in time.
type Signal struct {
	Ticker             string
	InstitutionalStrong bool
	ProgramStrong      bool
	CompositeStrong    bool
	InstBuyDays        int
	ProgVolume         int64
	ProgRatio          float64
}

// Evaluate computes the institutional-strong, program-strong, and
// composite-strong signals for ticker as of asOfDate (YYYY-MM-DD),
// persists a pattern_signals row, and — if composite-strong — dispatches
// a kind=flow notification.
func (e *Engine) Evaluate(ctx context.Context, ticker, asOfDate, refTime string) (Signal, error) {
	mu := e.lockFor(ticker)
	mu.Lock()
	defer mu.Unlock()

	instBuyDays, err := e.institutionalBuyDays(ctx, ticker, asOfDate)
	if err != nil {
		return Signal{}, fmt.Errorf("count institutional buy days: %w", err)
	}
	instStrong := instBuyDays >= institutionalStrongMinDays

	todayVolume, err := e.dailyProgramVolume(ctx, ticker, asOfDate)
	if err != nil {
		return Signal{}, fmt.Errorf("compute today's program volume: %w", err)
	}
	avg30, err := e.thirtyDayAvgProgramVolume(ctx, ticker, asOfDate)
	if err != nil {
		return Signal{}, fmt.Errorf("compute 30-day average program volume: %w", err)
	}

	progStrong := avg30 > 0 && float64(todayVolume) >= programStrongMultiplier*avg30
	ratio := 0.0
	if avg30 > 0 {
		ratio = float64(todayVolume) / avg30
	}

	signal := Signal{
		Ticker:              ticker,
		InstitutionalStrong: instStrong,
		ProgramStrong:       progStrong,
		CompositeStrong:     instStrong && progStrong,
		InstBuyDays:         instBuyDays,
		ProgVolume:          todayVolume,
		ProgRatio:           ratio,
	}

	if err := e.persistSignal(ctx, refTime, signal); err != nil {
		return signal, fmt.Errorf("persist pattern signal: %w", err)
	}

	if signal.CompositeStrong {
		ev := events.Event{
			Kind:      events.KindFlow,
			StockCode: ticker,
			Payload: events.FlowData{
				InstBuyDays: signal.InstBuyDays,
				ProgVolume:  signal.ProgVolume,
				ProgRatio:   signal.ProgRatio,
			},
		}
		if err := e.dispatcher.Dispatch(ctx, ev); err != nil {
			return signal, fmt.Errorf("dispatch flow notification: %w", err)
		}
	}

	return signal, nil
}

func (e *Engine) institutionalBuyDays(ctx context.Context, ticker, asOfDate string) (int, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT institutional_net FROM eod_flow_records
		 WHERE ticker = ? AND trade_date <= ?
		 ORDER BY trade_date DESC LIMIT ?`,
		ticker, asOfDate, institutionalLookbackDays,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var instNet float64
		if err := rows.Scan(&instNet); err != nil {
			return 0, err
		}
		if instNet > 0 {
			count++
		}
	}
	return count, rows.Err()
}

func (e *Engine) dailyProgramVolume(ctx context.Context, ticker, date string) (int64, error) {
	var volume sql.NullInt64
	err := e.db.QueryRowContext(ctx,
		`SELECT SUM(ABS(net_volume)) FROM program_flow_records
		 WHERE ticker = ? AND substr(ts, 1, 10) = ?`,
		ticker, date,
	).Scan(&volume)
	if err != nil {
		return 0, err
	}
	return volume.Int64, nil
}

func (e *Engine) thirtyDayAvgProgramVolume(ctx context.Context, ticker, beforeDate string) (float64, error) {
	var avg sql.NullFloat64
	err := e.db.QueryRowContext(ctx,
		`SELECT AVG(vol) FROM (
		   SELECT SUM(ABS(net_volume)) AS vol
		   FROM program_flow_records
		   WHERE ticker = ? AND substr(ts, 1, 10) < ?
		   GROUP BY substr(ts, 1, 10)
		   ORDER BY substr(ts, 1, 10) DESC
		   LIMIT ?
		 )`,
		ticker, beforeDate, programLookbackDays,
	).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func (e *Engine) persistSignal(ctx context.Context, refTime string, s Signal) error {
	triggerInputs, err := json.Marshal(map[string]interface{}{
		"inst_buy_days": s.InstBuyDays,
		"prog_volume":   s.ProgVolume,
		"prog_ratio":    s.ProgRatio,
	})
	if err != nil {
		return err
	}

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO pattern_signals
		 (ref_time, ticker, daily_inst_strong, rt_prog_strong, inst_buy_days, prog_volume, prog_ratio, trigger_inputs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ref_time, ticker) DO UPDATE SET
		   daily_inst_strong = excluded.daily_inst_strong,
		   rt_prog_strong = excluded.rt_prog_strong,
		   inst_buy_days = excluded.inst_buy_days,
		   prog_volume = excluded.prog_volume,
		   prog_ratio = excluded.prog_ratio,
		   trigger_inputs = excluded.trigger_inputs`,
		refTime, s.Ticker, boolToInt(s.InstitutionalStrong), boolToInt(s.ProgramStrong),
		s.InstBuyDays, s.ProgVolume, s.ProgRatio, string(triggerInputs),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
