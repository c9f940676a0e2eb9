package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/database"
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

func newTestManager(t *testing.T) (*userconfig.Manager, *database.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, "core")
	return userconfig.NewManager(db.Conn()), db
}

func seedUser(t *testing.T, db *database.DB, userID string) {
	t.Helper()
	_, err := db.Conn().ExecContext(context.Background(),
		`INSERT INTO users (user_id, display_name, contact_phone) VALUES (?, ?, ?)`,
		userID, "Test User", userID+"-phone",
	)
	require.NoError(t, err)
}

func disableService(t *testing.T, db *database.DB, userID, column string) {
	t.Helper()
	_, err := db.Conn().ExecContext(context.Background(),
		`INSERT INTO service_subscriptions (user_id, news, disclosure, chart, report, flow) VALUES (?, 1, 1, 1, 1, 1)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID,
	)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(context.Background(),
		`UPDATE service_subscriptions SET `+column+` = 0 WHERE user_id = ?`, userID)
	require.NoError(t, err)
}

func newTestDispatcher(t *testing.T, mgr *userconfig.Manager, db *database.DB) *notify.Dispatcher {
	t.Helper()
	d, err := notify.NewDispatcher(db.Conn(), mgr, &noopTransport{}, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestNewsWorker_SkipsWhenServiceDisabled(t *testing.T) {
	mgr, db := newTestManager(t)
	seedUser(t, db, "u1")
	disableService(t, db, "u1", "news")

	w := NewNewsWorker(nil, mgr, time.UTC)
	result, err := w.Execute(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, result.Executed)
}

func TestDisclosureWorker_SkipsWhenServiceDisabled(t *testing.T) {
	mgr, db := newTestManager(t)
	seedUser(t, db, "u1")
	disableService(t, db, "u1", "disclosure")

	w := NewDisclosureWorker(nil, mgr, time.UTC)
	result, err := w.Execute(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, result.Executed)
}

func TestChartWorker_SkipsWhenServiceDisabled(t *testing.T) {
	mgr, db := newTestManager(t)
	seedUser(t, db, "u1")
	disableService(t, db, "u1", "chart")

	w := NewChartWorker(nil, mgr, time.UTC)
	result, err := w.Execute(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, result.Executed)
}

func TestFlowWorker_SkipsWhenServiceDisabled(t *testing.T) {
	mgr, db := newTestManager(t)
	seedUser(t, db, "u1")
	disableService(t, db, "u1", "flow")

	w := NewFlowWorker(nil, mgr, time.UTC)
	result, err := w.Execute(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, result.Executed)
}

func TestCadenceGate_Hourly(t *testing.T) {
	g := newCadenceGate(cadenceHourly, time.UTC)
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ready, _ := g.ready()
	assert.True(t, ready, "no prior run yet")
	g.markRun()

	ready, reason := g.ready()
	assert.False(t, ready)
	assert.NotEmpty(t, reason)

	g.now = func() time.Time { return base.Add(61 * time.Minute) }
	ready, _ = g.ready()
	assert.True(t, ready, "over an hour has passed")
}

func TestCadenceGate_MarketClose(t *testing.T) {
	g := newCadenceGate(cadenceMarketClose, time.UTC)

	g.now = func() time.Time { return time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC) }
	ready, _ := g.ready()
	assert.False(t, ready, "before the window opens")

	g.now = func() time.Time { return time.Date(2026, 7, 30, 15, 45, 0, 0, time.UTC) }
	ready, _ = g.ready()
	assert.True(t, ready)
	g.markRun()

	ready, _ = g.ready()
	assert.False(t, ready, "already ran today")

	g.now = func() time.Time { return time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC) }
	ready, _ = g.ready()
	assert.False(t, ready, "window's end boundary is exclusive")
}

func TestCadenceGate_Weekly(t *testing.T) {
	g := newCadenceGate(cadenceWeekly, time.UTC)

	g.now = func() time.Time { return time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC) } // a Tuesday
	ready, _ := g.ready()
	assert.False(t, ready, "not Monday")

	monday := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return monday }
	ready, _ = g.ready()
	assert.True(t, ready)
	g.markRun()

	ready, _ = g.ready()
	assert.False(t, ready, "already ran this week")

	nextMonday := monday.AddDate(0, 0, 7)
	g.now = func() time.Time { return nextMonday }
	ready, _ = g.ready()
	assert.True(t, ready, "a new week has started")
}

func TestReportWorker_SummarizesAndDispatchesBroadcast(t *testing.T) {
	mgr, db := newTestManager(t)
	seedUser(t, db, "u1")
	seedUser(t, db, "u2")

	ctx := context.Background()
	monday := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	withinWeek := monday.Add(2 * time.Hour).Format("2006-01-02 15:04:05")

	_, err := db.Conn().ExecContext(ctx,
		`INSERT INTO delivery_log (digest, user_id, kind, stock_code, status, delivered_at) VALUES (?, ?, ?, ?, 'sent', ?)`,
		"d1", "u1", "news", "005930", withinWeek,
	)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx,
		`INSERT INTO delivery_log (digest, user_id, kind, stock_code, status, delivered_at) VALUES (?, ?, ?, ?, 'sent', ?)`,
		"d2", "u2", "flow", "000660", withinWeek,
	)
	require.NoError(t, err)

	dispatcher := newTestDispatcher(t, mgr, db)
	w := NewReportWorker(db.Conn(), dispatcher, time.UTC, zerolog.Nop())
	w.now = func() time.Time { return monday.Add(3 * time.Hour) }

	result, err := w.Execute(ctx, "")
	require.NoError(t, err)
	assert.True(t, result.Executed)
	assert.Contains(t, result.Message, "2 alert(s) delivered this week")
}

func TestReportWorker_CheckScheduleOnlyOnMondays(t *testing.T) {
	mgr, db := newTestManager(t)
	dispatcher := newTestDispatcher(t, mgr, db)
	w := NewReportWorker(db.Conn(), dispatcher, time.UTC, zerolog.Nop())

	w.now = func() time.Time { return time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC) } // Tuesday
	result, err := w.CheckSchedule(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Executed)
	assert.NotEmpty(t, result.Reason)
}
