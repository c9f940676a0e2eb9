// Package supervisor implements the C11 per-user service supervisor: it
// starts and stops exactly the subset of worker processes a given user has
// enabled (per their C5 service subscription flags), polls their /health
// endpoint after spawn, and restarts crashed children up to MAX_RESTARTS
// before escalating a hard failure through C6.
//
// Process liveness is sampled with shirou/gopsutil/v3; recovery follows a
// check, log, restart up to maxRestarts times, escalate shape.
package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hyperasset/sentinel/internal/events"
	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

const (
	defaultHealthPollInterval = 2 * time.Second
	defaultHealthPollTimeout  = 60 * time.Second
	defaultMonitorInterval    = 15 * time.Second
	defaultMaxRestarts        = 3
)

// ServiceSpec is one worker binary the supervisor knows how to start: its
// name (matches a userconfig.ServiceSubscriptions field), its listen port,
// and the binary/args used to spawn it.
type ServiceSpec struct {
	Name        string // news|disclosure|chart|report|flow
	Port        int
	BinaryPath  string
	Args        []string
	Description string
}

type processState struct {
	cmd        *exec.Cmd
	pid        int
	status     string // starting|running|unhealthy|restarting|failed|stopped
	errorCount int
	startedAt  time.Time
}

// ServiceStatus is a process table row as returned by GetUserServices.
type ServiceStatus struct {
	ServiceName     string
	Status          string
	Port            int
	PID             int
	StartedAt       string
	LastHealthCheck string
	ErrorCount      int
	Description     string
}

// Supervisor is the C11 per-user service supervisor.
type Supervisor struct {
	specs      []ServiceSpec
	userConfig *userconfig.Manager
	dispatcher *notify.Dispatcher
	db         *sql.DB // core.db's supervised_services table
	httpClient *http.Client
	log        zerolog.Logger

	healthPollInterval time.Duration
	healthPollTimeout  time.Duration
	monitorInterval    time.Duration
	maxRestarts        int

	mu        sync.Mutex
	processes map[string]*processState // key: userID+":"+serviceName

	now func() time.Time
}

// NewSupervisor builds a supervisor over the given worker specs.
func NewSupervisor(specs []ServiceSpec, userConfig *userconfig.Manager, dispatcher *notify.Dispatcher, db *sql.DB, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		specs:              specs,
		userConfig:         userConfig,
		dispatcher:         dispatcher,
		db:                 db,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		log:                log.With().Str("component", "supervisor").Logger(),
		healthPollInterval: defaultHealthPollInterval,
		healthPollTimeout:  defaultHealthPollTimeout,
		monitorInterval:    defaultMonitorInterval,
		maxRestarts:        defaultMaxRestarts,
		processes:          make(map[string]*processState),
		now:                time.Now,
	}
}

func processKey(userID, serviceName string) string { return userID + ":" + serviceName }

// StartUserServices starts exactly the subset of workers userID has
// enabled, per their C5 service subscription flags. Services already
// running for that user are left untouched.
func (s *Supervisor) StartUserServices(ctx context.Context, userID string) error {
	cfg, err := s.userConfig.GetUserConfig(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user config for %s: %w", userID, err)
	}

	var firstErr error
	for _, spec := range s.specs {
		if !enabled(spec.Name, cfg.Services) {
			continue
		}
		if s.isRunning(userID, spec.Name) {
			continue
		}
		if err := s.spawn(ctx, userID, spec); err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Str("service", spec.Name).Msg("failed to start worker")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopUserServices stops every tracked worker process for userID.
func (s *Supervisor) StopUserServices(ctx context.Context, userID string) error {
	s.mu.Lock()
	type target struct {
		spec ServiceSpec
		st   *processState
	}
	var targets []target
	for _, spec := range s.specs {
		if st, ok := s.processes[processKey(userID, spec.Name)]; ok && st.status != "stopped" {
			targets = append(targets, target{spec, st})
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, t := range targets {
		if err := s.stopOne(ctx, userID, t.spec, t.st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetUserServices returns the persisted process table rows for userID.
func (s *Supervisor) GetUserServices(ctx context.Context, userID string) ([]ServiceStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_name, status, port, pid, started_at, last_health_check, error_count, description
		 FROM supervised_services WHERE user_id = ? ORDER BY service_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query worker processes for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []ServiceStatus
	for rows.Next() {
		var (
			st          ServiceStatus
			pid         sql.NullInt64
			startedAt   sql.NullString
			lastChecked sql.NullString
			description sql.NullString
		)
		if err := rows.Scan(&st.ServiceName, &st.Status, &st.Port, &pid, &startedAt, &lastChecked, &st.ErrorCount, &description); err != nil {
			return nil, fmt.Errorf("scan worker process row: %w", err)
		}
		st.PID = int(pid.Int64)
		st.StartedAt = startedAt.String
		st.LastHealthCheck = lastChecked.String
		st.Description = description.String
		out = append(out, st)
	}
	return out, rows.Err()
}

func enabled(serviceName string, subs userconfig.ServiceSubscriptions) bool {
	switch serviceName {
	case "news":
		return subs.News
	case "disclosure":
		return subs.Disclosure
	case "chart":
		return subs.Chart
	case "report":
		return subs.Report
	case "flow":
		return subs.Flow
	default:
		return false
	}
}

func (s *Supervisor) isRunning(userID, serviceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.processes[processKey(userID, serviceName)]
	return ok && (st.status == "running" || st.status == "starting")
}

func (s *Supervisor) spawn(ctx context.Context, userID string, spec ServiceSpec) error {
	cmd := exec.Command(spec.BinaryPath, spec.Args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("HYPERASSET_USER_ID=%s", userID),
		fmt.Sprintf("WORKER_KIND=%s", spec.Name),
		fmt.Sprintf("PORT=%d", spec.Port),
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s for %s: %w", spec.Name, userID, err)
	}

	st := &processState{cmd: cmd, pid: cmd.Process.Pid, status: "starting", startedAt: s.now()}
	s.mu.Lock()
	if prev, ok := s.processes[processKey(userID, spec.Name)]; ok && prev.status == "restarting" {
		st.errorCount = prev.errorCount // carry the crash count across restarts
	}
	s.processes[processKey(userID, spec.Name)] = st
	s.mu.Unlock()
	s.persist(ctx, userID, spec, st)
	s.log.Info().Str("user_id", userID).Str("service", spec.Name).Int("pid", st.pid).Msg("worker started")

	go s.reap(userID, spec, st)
	go s.monitorLoop(context.Background(), userID, spec, st)

	healthy := s.pollUntilHealthy(ctx, spec)

	s.mu.Lock()
	if healthy {
		st.status = "running"
	} else {
		st.status = "failed"
	}
	s.mu.Unlock()
	s.persist(ctx, userID, spec, st)

	if !healthy {
		return fmt.Errorf("worker %s for %s never became healthy within %s", spec.Name, userID, s.healthPollTimeout)
	}
	return nil
}

// reap waits for a spawned process to exit. A deliberate stop (status
// already "stopped") is not treated as a crash; anything else triggers the
// bounded restart policy.
func (s *Supervisor) reap(userID string, spec ServiceSpec, st *processState) {
	waitErr := st.cmd.Wait()

	s.mu.Lock()
	deliberate := st.status == "stopped"
	s.mu.Unlock()
	if deliberate {
		return
	}

	s.log.Warn().Err(waitErr).Str("user_id", userID).Str("service", spec.Name).Msg("worker exited unexpectedly")

	ctx := context.Background()
	s.mu.Lock()
	st.errorCount++
	count := st.errorCount
	s.mu.Unlock()

	if count > s.maxRestarts {
		s.mu.Lock()
		st.status = "failed"
		s.mu.Unlock()
		s.persist(ctx, userID, spec, st)
		s.escalate(ctx, userID, spec, count)
		return
	}

	s.mu.Lock()
	st.status = "restarting"
	s.mu.Unlock()
	s.persist(ctx, userID, spec, st)

	if err := s.spawn(ctx, userID, spec); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("service", spec.Name).Msg("restart attempt failed")
	}
}

func (s *Supervisor) escalate(ctx context.Context, userID string, spec ServiceSpec, errorCount int) {
	ev := events.Event{
		Kind: events.KindError,
		Payload: events.ErrorData{
			Service: spec.Name,
			Message: fmt.Sprintf("worker %q failed %d times and will not be restarted automatically", spec.Name, errorCount),
		},
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("service", spec.Name).Msg("failed to dispatch hard-failure alert")
	}
}

func (s *Supervisor) stopOne(ctx context.Context, userID string, spec ServiceSpec, st *processState) error {
	s.mu.Lock()
	st.status = "stopped"
	proc := st.cmd.Process
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Str("service", spec.Name).Msg("SIGTERM failed, killing")
			_ = proc.Kill()
		}
	}

	s.persist(ctx, userID, spec, st)
	s.log.Info().Str("user_id", userID).Str("service", spec.Name).Msg("worker stopped")
	return nil
}

// pollUntilHealthy polls /health every healthPollInterval for up to
// healthPollTimeout, per spec's "poll up to 60s" requirement.
func (s *Supervisor) pollUntilHealthy(ctx context.Context, spec ServiceSpec) bool {
	deadline := s.now().Add(s.healthPollTimeout)
	for s.now().Before(deadline) {
		if s.checkHealth(ctx, spec) {
			return true
		}
		time.Sleep(s.healthPollInterval)
	}
	return false
}

func (s *Supervisor) checkHealth(ctx context.Context, spec ServiceSpec) bool {
	url := fmt.Sprintf("http://localhost:%d/health", spec.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// monitorLoop independently confirms process liveness via gopsutil
// alongside the HTTP health check, so a child that hangs without exiting
// (never hitting the exec.Cmd.Wait() return path) still surfaces as
// unhealthy in the process table.
func (s *Supervisor) monitorLoop(ctx context.Context, userID string, spec ServiceSpec, st *processState) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			status := st.status
			pid := st.pid
			s.mu.Unlock()
			if status == "stopped" || status == "failed" {
				return
			}

			alive := processAlive(pid)
			healthy := alive && s.checkHealth(ctx, spec)

			s.mu.Lock()
			if healthy {
				st.status = "running"
			} else if status == "running" {
				st.status = "unhealthy"
			}
			s.mu.Unlock()
			s.persist(ctx, userID, spec, st)
		}
	}
}

func processAlive(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func (s *Supervisor) persist(ctx context.Context, userID string, spec ServiceSpec, st *processState) {
	s.mu.Lock()
	status, pid, errorCount, startedAt := st.status, st.pid, st.errorCount, st.startedAt
	s.mu.Unlock()

	description := spec.Description
	if description == "" {
		description = fmt.Sprintf("%s worker", spec.Name)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervised_services (user_id, service_name, status, port, pid, started_at, last_health_check, error_count, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, service_name) DO UPDATE SET
			status = excluded.status,
			port = excluded.port,
			pid = excluded.pid,
			started_at = excluded.started_at,
			last_health_check = excluded.last_health_check,
			error_count = excluded.error_count,
			description = excluded.description`,
		userID, spec.Name, status, spec.Port, pid, startedAt.Format(time.RFC3339), s.now().Format(time.RFC3339), errorCount, description,
	)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("service", spec.Name).Msg("failed to persist worker process state")
	}
}
