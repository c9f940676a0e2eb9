package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/flow"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

// FlowWorker runs the C8 institutional/program flow engine for a user's
// watched stocks at market close.
type FlowWorker struct {
	engine     *flow.Engine
	userConfig *userconfig.Manager
	gate       *cadenceGate
	location   *time.Location
	now        func() time.Time
}

// NewFlowWorker builds the C13 flow worker over an already-constructed C8
// engine.
func NewFlowWorker(engine *flow.Engine, userConfig *userconfig.Manager, location *time.Location) *FlowWorker {
	return &FlowWorker{
		engine:     engine,
		userConfig: userConfig,
		gate:       newCadenceGate(cadenceMarketClose, location),
		location:   location,
		now:        time.Now,
	}
}

func (w *FlowWorker) Kind() Kind { return KindFlow }

func (w *FlowWorker) Execute(ctx context.Context, userID string) (ExecuteResult, error) {
	cfg, err := w.userConfig.GetUserConfig(ctx, userID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("flow worker: load user config: %w", err)
	}
	if !cfg.Services.Flow {
		return ExecuteResult{Executed: false, Message: "flow service not enabled for this user"}, nil
	}

	now := w.now().In(w.location)
	asOfDate := now.Format("2006-01-02")
	refTime := now.Format("15:04:05")

	strong := 0
	evaluated := 0
	for ticker, enabled := range cfg.Stocks {
		if !enabled {
			continue
		}
		signal, err := w.engine.Evaluate(ctx, ticker, asOfDate, refTime)
		if err != nil {
			return ExecuteResult{}, fmt.Errorf("flow worker: evaluate %s: %w", ticker, err)
		}
		evaluated++
		if signal.CompositeStrong {
			strong++
		}
	}

	msg := fmt.Sprintf("evaluated flow for %d stock(s), %d composite-strong", evaluated, strong)
	return ExecuteResult{
		Executed:        true,
		Message:         msg,
		TelegramMessage: fmt.Sprintf("[flow] %s: %s", userID, msg),
	}, nil
}

func (w *FlowWorker) CheckSchedule(ctx context.Context) (CheckScheduleResult, error) {
	ready, reason := w.gate.ready()
	if !ready {
		return CheckScheduleResult{Executed: false, Reason: reason}, nil
	}

	userIDs, err := w.userConfig.AllUserIDs(ctx)
	if err != nil {
		return CheckScheduleResult{}, fmt.Errorf("flow worker: list users: %w", err)
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
	return CheckScheduleResult{Executed: true, Message: fmt.Sprintf("ran flow pass for %d user(s)", ran)}, nil
}

func (w *FlowWorker) SetUser(ctx context.Context, userID string) error {
	_, err := w.userConfig.GetUserConfig(ctx, userID)
	return err
}
