package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/pipeline/disclosure"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

// DisclosureWorker runs the C9 disclosure pipeline for one stock at a time,
// on behalf of whichever user the process is currently serving.
type DisclosureWorker struct {
	pipeline   *disclosure.Pipeline
	userConfig *userconfig.Manager
	gate       *cadenceGate
}

// NewDisclosureWorker builds the C13 disclosure worker over an
// already-constructed C9 pipeline.
func NewDisclosureWorker(pipeline *disclosure.Pipeline, userConfig *userconfig.Manager, location *time.Location) *DisclosureWorker {
	return &DisclosureWorker{
		pipeline:   pipeline,
		userConfig: userConfig,
		gate:       newCadenceGate(cadenceHourly, location),
	}
}

func (w *DisclosureWorker) Kind() Kind { return KindDisclosure }

func (w *DisclosureWorker) Execute(ctx context.Context, userID string) (ExecuteResult, error) {
	cfg, err := w.userConfig.GetUserConfig(ctx, userID)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("disclosure worker: load user config: %w", err)
	}
	if !cfg.Services.Disclosure {
		return ExecuteResult{Executed: false, Message: "disclosure service not enabled for this user"}, nil
	}

	processed := 0
	for stockCode, enabled := range cfg.Stocks {
		if !enabled {
			continue
		}
		if err := w.pipeline.ProcessStock(ctx, stockCode); err != nil {
			return ExecuteResult{}, fmt.Errorf("disclosure worker: process %s: %w", stockCode, err)
		}
		processed++
	}

	msg := fmt.Sprintf("processed disclosures for %d watched stock(s)", processed)
	return ExecuteResult{
		Executed:        true,
		Message:         msg,
		TelegramMessage: fmt.Sprintf("[disclosure] %s: %s", userID, msg),
	}, nil
}

func (w *DisclosureWorker) CheckSchedule(ctx context.Context) (CheckScheduleResult, error) {
	ready, reason := w.gate.ready()
	if !ready {
		return CheckScheduleResult{Executed: false, Reason: reason}, nil
	}

	userIDs, err := w.userConfig.AllUserIDs(ctx)
	if err != nil {
		return CheckScheduleResult{}, fmt.Errorf("disclosure worker: list users: %w", err)
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
	return CheckScheduleResult{Executed: true, Message: fmt.Sprintf("ran disclosure pass for %d user(s)", ran)}, nil
}

func (w *DisclosureWorker) SetUser(ctx context.Context, userID string) error {
	_, err := w.userConfig.GetUserConfig(ctx, userID)
	return err
}
