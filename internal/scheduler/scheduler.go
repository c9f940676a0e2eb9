// Package scheduler implements the C10 check-signal scheduler: a 10-minute
// cron tick that POSTs /check-schedule to every enabled worker concurrently,
// a quiet-hour fallback notice (hourly for news/disclosure, market-close for
// chart/flow) when nothing executed, and a separate weekly cron that forces
// the report worker's check-schedule regardless of the 10-minute cadence.
// Grounded on original_source's SimpleCheckScheduler: true distributed
// polling, each worker decides independently whether it has anything to do.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/notify"
)

// Cadence names the no-event fallback behavior for a worker, per spec §4.10.
type Cadence string

const (
	CadenceHourly      Cadence = "hourly"
	CadenceMarketClose Cadence = "market_close"
	CadenceWeekly      Cadence = "weekly"
)

const (
	checkSignalTimeout = 30 * time.Second
	tickInterval       = "*/10 * * * *"
	healthCheckEvery   = 30 * time.Minute
	weeklyReportCron   = "0 9 * * 1" // Monday 09:00, market-local time (Open Question decision, see DESIGN.md)

	marketCloseStartHour, marketCloseStartMinute = 15, 30
	marketCloseEndHour, marketCloseEndMinute     = 16, 0

	hourlyNoticeInterval = time.Hour
)

// Worker is one poll target: the check-schedule endpoint of a single worker
// process (one of news, disclosure, chart, flow, report per C13).
type Worker struct {
	Name    string
	BaseURL string
	Enabled bool
	Cadence Cadence
}

// Scheduler is the C10 check-signal scheduler.
type Scheduler struct {
	workers    []Worker
	httpClient *http.Client
	dispatcher *notify.Dispatcher
	cron       *cron.Cron
	location   *time.Location
	log        zerolog.Logger

	mu               sync.Mutex
	lastNotification map[string]time.Time

	now func() time.Time
}

// NewScheduler builds a scheduler over the given worker targets. location is
// the resolved MARKET_TIMEZONE used for the market-close and weekly-report
// windows.
func NewScheduler(workers []Worker, dispatcher *notify.Dispatcher, location *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		workers:          workers,
		httpClient:       &http.Client{Timeout: checkSignalTimeout},
		dispatcher:       dispatcher,
		cron:             cron.New(cron.WithLocation(location)),
		location:         location,
		log:              log.With().Str("component", "check_scheduler").Logger(),
		lastNotification: make(map[string]time.Time),
		now:              time.Now,
	}
}

// Start registers the 10-minute tick and weekly report cron entries and
// starts the cron runner. It does not block; call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(tickInterval, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("register check-signal tick: %w", err)
	}
	if _, err := s.cron.AddFunc(weeklyReportCron, func() { s.triggerWeeklyReport(ctx) }); err != nil {
		return fmt.Errorf("register weekly report cron: %w", err)
	}
	s.cron.Start()
	s.log.Info().Int("worker_count", len(s.workers)).Msg("check-signal scheduler started")
	return nil
}

// Stop drains the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CheckResult is the outcome of one worker's check-schedule call.
type CheckResult struct {
	Worker   string
	Executed bool
	Message  string
	Err      error
}

func (s *Scheduler) tick(ctx context.Context) {
	results := s.sendAllCheckSignals(ctx)

	anyExecuted := false
	for _, r := range results {
		if r.Executed {
			anyExecuted = true
		}
	}

	if anyExecuted {
		var executed []string
		for _, r := range results {
			if r.Executed {
				executed = append(executed, r.Worker)
			}
		}
		s.log.Info().Strs("executed", executed).Msg("workers ran on this tick")
	} else {
		s.sendNoEventNotifications(ctx)
	}

	if s.now().Minute()%30 == 0 { // ticks land on :00/:10/:20/:30/:40/:50; this fires twice an hour
		s.healthCheckWorkers(ctx)
	}
}

// sendAllCheckSignals concurrently POSTs /check-schedule to every enabled
// worker and collects results for logging only — no result here gates
// anything downstream except the no-event fallback decision.
func (s *Scheduler) sendAllCheckSignals(ctx context.Context) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, w := range s.workers {
		if !w.Enabled {
			continue
		}
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.sendCheckSignal(ctx, w)
			mu.Lock()
			results[w.Name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (s *Scheduler) sendCheckSignal(ctx context.Context, w Worker) CheckResult {
	callCtx, cancel := context.WithTimeout(ctx, checkSignalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, w.BaseURL+"/check-schedule", nil)
	if err != nil {
		return CheckResult{Worker: w.Name, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn().Err(err).Str("worker", w.Name).Msg("check-schedule request failed")
		return CheckResult{Worker: w.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn().Int("status", resp.StatusCode).Str("worker", w.Name).Msg("check-schedule returned non-200")
		return CheckResult{Worker: w.Name, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	var body struct {
		Executed bool   `json:"executed"`
		Message  string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return CheckResult{Worker: w.Name, Executed: body.Executed, Message: body.Message}
}

// healthCheckWorkers is the scheduler's own lightweight liveness pass,
// independent of C11's process-level supervision: it only logs, it never
// restarts anything.
func (s *Scheduler) healthCheckWorkers(ctx context.Context) {
	var unhealthy []string
	for _, w := range s.workers {
		if !w.Enabled {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, w.BaseURL+"/health", nil)
		if err != nil {
			cancel()
			unhealthy = append(unhealthy, w.Name)
			continue
		}
		resp, err := s.httpClient.Do(req)
		cancel()
		if err != nil || resp.StatusCode != http.StatusOK {
			unhealthy = append(unhealthy, w.Name)
			continue
		}
		resp.Body.Close()
	}
	if len(unhealthy) > 0 {
		s.log.Warn().Strs("unhealthy", unhealthy).Msg("workers failed health check")
	}
}

// triggerWeeklyReport forces the report worker's check-schedule outside the
// normal 10-minute cadence, so the weekly report fires on its own cron
// window rather than waiting for the generic tick to happen to coincide.
func (s *Scheduler) triggerWeeklyReport(ctx context.Context) {
	for _, w := range s.workers {
		if w.Cadence != CadenceWeekly || !w.Enabled {
			continue
		}
		r := s.sendCheckSignal(ctx, w)
		if r.Err != nil {
			s.log.Error().Err(r.Err).Str("worker", w.Name).Msg("weekly report trigger failed")
		}
	}
}
