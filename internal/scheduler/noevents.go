package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/events"
)

// sendNoEventNotifications sends the quiet-hour fallback notice for every
// enabled worker whose cadence calls for one and whose window is due right
// now. Weekly-cadence workers never get a fallback notice here — they are
// driven entirely by triggerWeeklyReport's own cron.
func (s *Scheduler) sendNoEventNotifications(ctx context.Context) {
	for _, w := range s.workers {
		if !w.Enabled {
			continue
		}
		switch w.Cadence {
		case CadenceHourly:
			s.maybeSendHourly(ctx, w)
		case CadenceMarketClose:
			s.maybeSendMarketClose(ctx, w)
		}
	}
}

func (s *Scheduler) maybeSendHourly(ctx context.Context, w Worker) {
	if !s.shouldSendHourly(w.Name) {
		return
	}
	s.sendNoEventNotice(ctx, w, "no new activity in the last hour")
	s.markNotified(w.Name)
}

func (s *Scheduler) maybeSendMarketClose(ctx context.Context, w Worker) {
	if !s.isMarketCloseWindow() {
		return
	}
	if !s.shouldSendHourly(w.Name) { // reuses the same 1h debounce so repeated ticks inside the window don't spam
		return
	}
	s.sendNoEventNotice(ctx, w, "no condition triggered by today's market close")
	s.markNotified(w.Name)
}

func (s *Scheduler) shouldSendHourly(workerName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastNotification[workerName]
	if !ok {
		return true
	}
	return s.now().Sub(last) >= hourlyNoticeInterval
}

func (s *Scheduler) markNotified(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNotification[workerName] = s.now()
}

func (s *Scheduler) isMarketCloseWindow() bool {
	now := s.now().In(s.location)
	start := time.Date(now.Year(), now.Month(), now.Day(), marketCloseStartHour, marketCloseStartMinute, 0, 0, s.location)
	end := time.Date(now.Year(), now.Month(), now.Day(), marketCloseEndHour, marketCloseEndMinute, 0, 0, s.location)
	return !now.Before(start) && now.Before(end)
}

func (s *Scheduler) sendNoEventNotice(ctx context.Context, w Worker, detail string) {
	ev := events.Event{
		Kind: events.KindSystem,
		Payload: events.SystemData{
			Message: fmt.Sprintf("%s: %s", w.Name, detail),
		},
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("worker", w.Name).Msg("failed to dispatch no-event notice")
	}
}
