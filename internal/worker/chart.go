package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/chart"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

// ChartWorker keeps the C7 chart engine's subscriptions in sync with users'
// enabled stocks. Unlike the other workers, condition firing itself is not
// driven by Execute/CheckSchedule: the engine's own Run loop, started once
// at process startup, consumes realtime ticks and dispatches continuously.
// Execute and CheckSchedule only ensure a user's watched stocks are
// subscribed.
type ChartWorker struct {
	engine     *chart.Engine
	userConfig *userconfig.Manager
	gate       *cadenceGate
}

// NewChartWorker builds the C13 chart worker over an already-constructed
// C7 engine. The caller is responsible for starting engine.Run in a
// background goroutine at process startup.
func NewChartWorker(engine *chart.Engine, userConfig *userconfig.Manager, location *time.Location) *ChartWorker {
	return &ChartWorker{
		engine:     engine,
		userConfig: userConfig,
		gate:       newCadenceGate(cadenceMarketClose, location),
	}
}

func (w *ChartWorker) Kind() Kind { return KindChart }

func (w *ChartWorker) Execute(ctx context.Context, userID string) (ExecuteResult, error) {
	cfg, err := w.userConfig.GetUserConfig(ctx, userID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("chart worker: load user config: %w", err)
	}
	if !cfg.Services.Chart {
		return ExecuteResult{Executed: false, Message: "chart service not enabled for this user"}, nil
	}

	subscribed := 0
	for stockCode, enabled := range cfg.Stocks {
		if !enabled || w.engine.IsSubscribed(stockCode) {
			continue
		}
		if err := w.engine.Subscribe(ctx, stockCode); err != nil {
			return ExecuteResult{}, fmt.Errorf("chart worker: subscribe %s: %w", stockCode, err)
		}
		subscribed++
	}

	msg := fmt.Sprintf("ensured chart subscriptions for %d watched stock(s) (%d newly subscribed)", len(cfg.Stocks), subscribed)
	return ExecuteResult{
		Executed:        true,
		Message:         msg,
		TelegramMessage: fmt.Sprintf("[chart] %s: %s", userID, msg),
	}, nil
}

func (w *ChartWorker) CheckSchedule(ctx context.Context) (CheckScheduleResult, error) {
	ready, reason := w.gate.ready()
	if !ready {
		return CheckScheduleResult{Executed: false, Reason: reason}, nil
	}

	userIDs, err := w.userConfig.AllUserIDs(ctx)
	if err != nil {
		return CheckScheduleResult{}, fmt.Errorf("chart worker: list users: %w", err)
	}

	var firstErr error
	ran := 0
	for _, userID := range userIDs {
		result, err := w.Execute(ctx, userID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if result.Executed {
			ran++
		}
	}
	w.gate.markRun()
	if firstErr != nil {
		return CheckScheduleResult{}, firstErr
	}
	return CheckScheduleResult{Executed: true, Message: fmt.Sprintf("ensured chart subscriptions for %d user(s)", ran)}, nil
}

func (w *ChartWorker) SetUser(ctx context.Context, userID string) error {
	_, err := w.userConfig.GetUserConfig(ctx, userID)
	return err
}
