package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/testutil"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

type noopTransport struct {
	mu   sync.Mutex
	sent []string
}

func (n *noopTransport) Send(ctx context.Context, chatID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, chatID+"|"+message)
	return nil
}

// newTestDispatcher wires a real dispatcher over a fresh core.db so the
// no-event fallback path exercises the same recipient resolution as every
// other producer in the system, rather than a stand-in double.
func newTestDispatcher(t *testing.T) *notify.Dispatcher {
	t.Helper()
	db := testutil.NewTestDB(t, "core")
	mgr := userconfig.NewManager(db.Conn())
	d, err := notify.NewDispatcher(db.Conn(), mgr, &noopTransport{}, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func newWorkerServer(t *testing.T, executed bool) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/check-schedule":
			atomic.AddInt32(&hits, 1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"executed": executed, "message": "ok"})
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestSendAllCheckSignals_FansOutConcurrentlyToEveryEnabledWorker(t *testing.T) {
	srvA, hitsA := newWorkerServer(t, true)
	srvB, hitsB := newWorkerServer(t, false)

	s := NewScheduler([]Worker{
		{Name: "news", BaseURL: srvA.URL, Enabled: true, Cadence: CadenceHourly},
		{Name: "chart", BaseURL: srvB.URL, Enabled: true, Cadence: CadenceMarketClose},
		{Name: "disabled", BaseURL: "http://127.0.0.1:1", Enabled: false, Cadence: CadenceHourly},
	}, newTestDispatcher(t), time.UTC, zerolog.Nop())

	results := s.sendAllCheckSignals(context.Background())

	require.Len(t, results, 2)
	assert.True(t, results["news"].Executed)
	assert.False(t, results["chart"].Executed)
	assert.Equal(t, int32(1), atomic.LoadInt32(hitsA))
	assert.Equal(t, int32(1), atomic.LoadInt32(hitsB))
}

func TestShouldSendHourly_TrueOnFirstCallThenFalseUntilIntervalElapses(t *testing.T) {
	s := NewScheduler(nil, newTestDispatcher(t), time.UTC, zerolog.Nop())
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	assert.True(t, s.shouldSendHourly("news"), "no prior notification recorded yet")
	s.markNotified("news")
	assert.False(t, s.shouldSendHourly("news"), "less than an hour has passed")

	s.now = func() time.Time { return base.Add(61 * time.Minute) }
	assert.True(t, s.shouldSendHourly("news"), "over an hour has passed since the last notice")
}

func TestIsMarketCloseWindow(t *testing.T) {
	s := NewScheduler(nil, newTestDispatcher(t), time.UTC, zerolog.Nop())

	s.now = func() time.Time { return time.Date(2026, 7, 30, 15, 45, 0, 0, time.UTC) }
	assert.True(t, s.isMarketCloseWindow())

	s.now = func() time.Time { return time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC) }
	assert.False(t, s.isMarketCloseWindow())

	s.now = func() time.Time { return time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC) }
	assert.False(t, s.isMarketCloseWindow(), "the window's end boundary is exclusive")
}

func TestSendNoEventNotifications_SkipsWeeklyCadenceWorkers(t *testing.T) {
	s := NewScheduler([]Worker{
		{Name: "report", BaseURL: "http://unused", Enabled: true, Cadence: CadenceWeekly},
	}, newTestDispatcher(t), time.UTC, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC) }

	s.sendNoEventNotifications(context.Background())

	assert.Empty(t, s.lastNotification, "weekly-cadence workers never get a quiet-hour fallback notice")
}

func TestSendNoEventNotifications_HourlyWorkerGetsNoticedOncePerHour(t *testing.T) {
	s := NewScheduler([]Worker{
		{Name: "news", BaseURL: "http://unused", Enabled: true, Cadence: CadenceHourly},
	}, newTestDispatcher(t), time.UTC, zerolog.Nop())
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.sendNoEventNotifications(context.Background())
	require.Contains(t, s.lastNotification, "news")
	firstMark := s.lastNotification["news"]

	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	s.sendNoEventNotifications(context.Background())
	assert.Equal(t, firstMark, s.lastNotification["news"], "must not re-notify inside the same hour")
}

func TestTriggerWeeklyReport_OnlyCallsWeeklyCadenceWorkers(t *testing.T) {
	weeklySrv, weeklyHits := newWorkerServer(t, true)
	hourlySrv, hourlyHits := newWorkerServer(t, true)

	s := NewScheduler([]Worker{
		{Name: "report", BaseURL: weeklySrv.URL, Enabled: true, Cadence: CadenceWeekly},
		{Name: "news", BaseURL: hourlySrv.URL, Enabled: true, Cadence: CadenceHourly},
	}, newTestDispatcher(t), time.UTC, zerolog.Nop())

	s.triggerWeeklyReport(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(weeklyHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(hourlyHits))
}
