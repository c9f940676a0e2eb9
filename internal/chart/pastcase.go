package chart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/events"
)

// conditionColumn maps a condition name to its chart_condition_hits
// boolean column, since the table stores one column per named condition
// rather than a normalized (stock_code, condition) row.
var conditionColumn = map[string]string{
	ConditionGoldenCross:            "golden_cross",
	ConditionDeadCross:              "dead_cross",
	ConditionBollingerTouch:         "bollinger_touch",
	ConditionMA20Touch:              "ma20_touch",
	ConditionRSI:                    "rsi_condition",
	ConditionVolumeSurge:            "volume_surge",
	ConditionMACDGoldenCross:        "macd_golden_cross",
	ConditionSupportResistanceBreak: "support_resistance_break",
}

// lookupPastCase finds the most recent prior occurrence of condition for
// stockCode strictly before a 5-business-day cutoff from hitDate, and
// computes its realized subsequent-5-trading-day return. Returns (nil,
// nil) if no qualifying prior occurrence exists.
func (e *Engine) lookupPastCase(ctx context.Context, stockCode, condition, hitDate string) (*events.PastCase, error) {
	column, ok := conditionColumn[condition]
	if !ok {
		return nil, fmt.Errorf("unknown condition %q", condition)
	}

	hitTime, err := time.Parse("2006-01-02", hitDate)
	if err != nil {
		return nil, fmt.Errorf("parse hit date: %w", err)
	}
	cutoff := businessDaysBefore(hitTime, 5).Format("2006-01-02")

	query := fmt.Sprintf(
		`SELECT hit_date, close_price FROM chart_condition_hits
		 WHERE stock_code = ? AND %s = 1 AND hit_date < ?
		 ORDER BY hit_date DESC LIMIT 1`, column,
	)

	var pastDate string
	var pastClose float64
	err = e.db.QueryRowContext(ctx, query, stockCode, cutoff).Scan(&pastDate, &pastClose)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	realizedReturn, err := e.subsequentReturn(ctx, stockCode, pastDate, pastClose)
	if err != nil {
		return nil, err
	}

	return &events.PastCase{Date: pastDate, RealizedReturn: realizedReturn}, nil
}

// subsequentReturn fetches the price series following fromDate and returns
// the percentage change from baseClose to the close 5 trading days later
// (or the last available close, if fewer than 5 trading days have elapsed
// since fromDate).
func (e *Engine) subsequentReturn(ctx context.Context, stockCode, fromDate string, baseClose float64) (float64, error) {
	bars, err := e.priceFeed.HistoricalBars(ctx, stockCode, maxWindow)
	if err != nil {
		return 0, fmt.Errorf("fetch bars for past-case return: %w", err)
	}

	var subsequent []float64
	for _, bar := range bars {
		if bar.Date > fromDate {
			subsequent = append(subsequent, bar.Close)
		}
		if len(subsequent) == 5 {
			break
		}
	}

	if len(subsequent) == 0 || baseClose == 0 {
		return 0, nil
	}

	latest := subsequent[len(subsequent)-1]
	return (latest - baseClose) / baseClose, nil
}
