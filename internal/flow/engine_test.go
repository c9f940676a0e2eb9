package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/testutil"
	"github.com/hyperasset/sentinel/internal/userconfig"
	"github.com/hyperasset/sentinel/internal/notify"
)

type fakeTransport struct {
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, chatID, message string) error {
	f.sent = append(f.sent, chatID+"|"+message)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport) {
	t.Helper()
	marketDB := testutil.NewTestDB(t, "market")
	coreDB := testutil.NewTestDB(t, "core")

	mgr := userconfig.NewManager(coreDB.Conn())
	transport := &fakeTransport{}
	dispatcher, err := notify.NewDispatcher(coreDB.Conn(), mgr, transport, zerolog.Nop())
	require.NoError(t, err)

	return NewEngine(marketDB.Conn(), dispatcher, zerolog.Nop()), transport
}

func seedEOD(t *testing.T, e *Engine, ticker string, days int, instNetPositiveCount int) {
	t.Helper()
	for i := 0; i < days; i++ {
		instNet := -10.0
		if i < instNetPositiveCount {
			instNet = 10.0
		}
		rec := EODRecord{
			TradeDate: fmt.Sprintf("2026-01-%02d", i+1),
			Ticker:    ticker, InstitutionalNet: instNet, ForeignNet: 1, IndividualNet: 1,
			TotalTradedValue: 1000, ClosePrice: 100, Volume: 1000,
		}
		require.NoError(t, e.IngestEOD(context.Background(), rec))
	}
}

func TestIngestEOD_RejectsOutOfOrderDate(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IngestEOD(context.Background(), EODRecord{TradeDate: "2026-01-10", Ticker: "T1", ClosePrice: 100}))

	err := e.IngestEOD(context.Background(), EODRecord{TradeDate: "2026-01-05", Ticker: "T1", ClosePrice: 100})
	var outOfOrder *OutOfOrderError
	assert.ErrorAs(t, err, &outOfOrder)
}

func TestIngestEOD_SameDayReingestAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.IngestEOD(context.Background(), EODRecord{TradeDate: "2026-01-10", Ticker: "T1", ClosePrice: 100}))
	err := e.IngestEOD(context.Background(), EODRecord{TradeDate: "2026-01-10", Ticker: "T1", ClosePrice: 105})
	assert.NoError(t, err)
}

func TestEvaluate_InstitutionalStrongRequiresThreeOfFiveDays(t *testing.T) {
	e, _ := newTestEngine(t)
	// last 5 days (most recent first via DESC trade_date): put 3 positive
	// days among the most recent 5.
	seedEOD(t, e, "T1", 5, 3)

	signal, err := e.Evaluate(context.Background(), "T1", "2026-01-05", "2026-01-05T15:30:00Z")
	require.NoError(t, err)
	assert.True(t, signal.InstitutionalStrong)
	assert.Equal(t, 3, signal.InstBuyDays)
}

func TestEvaluate_InstitutionalNotStrongBelowThreshold(t *testing.T) {
	e, _ := newTestEngine(t)
	seedEOD(t, e, "T1", 5, 2)

	signal, err := e.Evaluate(context.Background(), "T1", "2026-01-05", "2026-01-05T15:30:00Z")
	require.NoError(t, err)
	assert.False(t, signal.InstitutionalStrong)
}

func TestEvaluate_ProgramStrongAndCompositeDispatches(t *testing.T) {
	e, _ := newTestEngine(t)
	seedEOD(t, e, "T1", 5, 5)

	ctx := context.Background()
	// seed 30 days of modest program volume, then a today spike.
	for i := 1; i <= 30; i++ {
		rows := []ProgramFlowRow{{
			Timestamp: fmt.Sprintf("2026-02-%02dT09:00:00Z", i), Ticker: "T1",
			NetVolume: 100, NetValue: 1000, Side: "BUY", Price: 100, Volume: 100,
		}}
		require.NoError(t, e.IngestProgramFlow(ctx, rows))
	}
	require.NoError(t, e.IngestProgramFlow(ctx, []ProgramFlowRow{{
		Timestamp: "2026-03-03T09:00:00Z", Ticker: "T1",
		NetVolume: 1000, NetValue: 10000, Side: "BUY", Price: 100, Volume: 1000,
	}}))

	signal, err := e.Evaluate(ctx, "T1", "2026-03-03", "2026-03-03T15:30:00Z")
	require.NoError(t, err)
	assert.True(t, signal.ProgramStrong)
	assert.True(t, signal.CompositeStrong)
	assert.InDelta(t, 10.0, signal.ProgRatio, 0.001)
}

func TestEvaluate_PersistsPatternSignalRow(t *testing.T) {
	e, _ := newTestEngine(t)
	seedEOD(t, e, "T1", 5, 1)

	_, err := e.Evaluate(context.Background(), "T1", "2026-01-05", "2026-01-05T15:30:00Z")
	require.NoError(t, err)

	var count int
	row := e.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM pattern_signals WHERE ticker = 'T1'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}
