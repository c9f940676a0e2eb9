package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/pipeline/news"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

// NewsWorker runs the C9 news pipeline for one stock at a time, on behalf
// of whichever user the process is currently serving.
type NewsWorker struct {
	pipeline   *news.Pipeline
	userConfig *userconfig.Manager
	gate       *cadenceGate
}

// NewNewsWorker builds the C13 news worker over an already-constructed C9
// pipeline.
func NewNewsWorker(pipeline *news.Pipeline, userConfig *userconfig.Manager, location *time.Location) *NewsWorker {
	return &NewsWorker{
		pipeline:   pipeline,
		userConfig: userConfig,
		gate:       newCadenceGate(cadenceHourly, location),
	}
}

func (w *NewsWorker) Kind() Kind { return KindNews }

func (w *NewsWorker) Execute(ctx context.Context, userID string) (ExecuteResult, error) {
	cfg, err := w.userConfig.GetUserConfig(ctx, userID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("news worker: load user config: %w", err)
	}
	if !cfg.Services.News {
		return ExecuteResult{Executed: false, Message: "news service not enabled for this user"}, nil
	}

	processed := 0
	for stockCode, enabled := range cfg.Stocks {
		if !enabled {
			continue
		}
		if err := w.pipeline.ProcessStock(ctx, stockCode); err != nil {
			return ExecuteResult{}, fmt.Errorf("news worker: process %s: %w", stockCode, err)
		}
		processed++
	}

	msg := fmt.Sprintf("processed news for %d watched stock(s)", processed)
	return ExecuteResult{
		Executed:        true,
		Message:         msg,
		TelegramMessage: fmt.Sprintf("[news] %s: %s", userID, msg),
	}, nil
}

func (w *NewsWorker) CheckSchedule(ctx context.Context) (CheckScheduleResult, error) {
	ready, reason := w.gate.ready()
	if !ready {
		return CheckScheduleResult{Executed: false, Reason: reason}, nil
	}

	userIDs, err := w.userConfig.AllUserIDs(ctx)
	if err != nil {
		return CheckScheduleResult{}, fmt.Errorf("news worker: list users: %w", err)
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
	return CheckScheduleResult{Executed: true, Message: fmt.Sprintf("ran news pass for %d user(s)", ran)}, nil
}

func (w *NewsWorker) SetUser(ctx context.Context, userID string) error {
	_, err := w.userConfig.GetUserConfig(ctx, userID)
	return err
}
