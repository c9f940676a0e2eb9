package disclosure

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/dedup"
	"github.com/hyperasset/sentinel/internal/external"
	"github.com/hyperasset/sentinel/internal/llm"
	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/testutil"
	"github.com/hyperasset/sentinel/internal/userconfig"
	"github.com/hyperasset/sentinel/internal/vectorstore"
)

type fakeCrawler struct {
	filings []external.Filing
	err     error
}

func (f *fakeCrawler) Fetch(ctx context.Context, stockCode string) ([]external.Filing, error) {
	return f.filings, f.err
}

type fakeProvider struct {
	name string
	text string
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return true }
func (f *fakeProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f.text, nil
}

type fakeTransport struct {
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, chatID, message string) error {
	f.sent = append(f.sent, chatID+"|"+message)
	return nil
}

func fakeEmbed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newTestPipeline(t *testing.T, crawler external.DisclosureCrawler, scoreJSON string) (*Pipeline, *fakeTransport, *sql.DB) {
	t.Helper()
	coreDB := testutil.NewTestDB(t, "core")
	contentDB := testutil.NewTestDB(t, "content")
	vectorsDB := testutil.NewTestDB(t, "vectors")

	mgr := userconfig.NewManager(coreDB.Conn())
	transport := &fakeTransport{}
	dispatcher, err := notify.NewDispatcher(coreDB.Conn(), mgr, transport, zerolog.Nop())
	require.NoError(t, err)

	store := vectorstore.New(vectorsDB.Conn(), fakeEmbed)
	dedupFilter := dedup.New(coreDB.Conn(), 0, 0, "", zerolog.Nop())

	provider := &fakeProvider{name: "hyperclova", text: scoreJSON}
	gateway, err := llm.NewGateway([]external.LLMProvider{provider}, mgr, nil, 128, nil, zerolog.Nop())
	require.NoError(t, err)

	p := NewPipeline(crawler, dedupFilter, store, gateway, mgr, dispatcher, contentDB.Conn(), zerolog.Nop())
	return p, transport, coreDB.Conn()
}

func seedWatcher(t *testing.T, coreDB *sql.DB, userID, stockCode, stockName string, impactThreshold float64) {
	t.Helper()
	_, err := coreDB.Exec(`INSERT INTO users (user_id, display_name, contact_phone, news_impact_threshold) VALUES (?, ?, ?, ?)`,
		userID, userID, userID+"-phone", impactThreshold)
	require.NoError(t, err)
	_, err = coreDB.Exec(`INSERT INTO watchlist_entries (user_id, stock_code, stock_name, enabled) VALUES (?, ?, ?, 1)`,
		userID, stockCode, stockName)
	require.NoError(t, err)
}

func TestProcessStock_ScoresAndDispatchesDisclosureItem(t *testing.T) {
	crawler := &fakeCrawler{filings: []external.Filing{
		{RceptNo: "20260730000001", CorpCode: "C1", StockCode: "005930", ReportName: "Major shareholder change", Filer: "Samsung Electronics", ReceiptDate: "2026-07-30", RawNote: "block trade"},
	}}
	scoreJSON := `{"impact_score": 0.6, "sentiment_label": "neutral", "sentiment_reason": "routine filing", "expected_impact": "neutral", "horizon_tag": "short_term", "keywords": ["ownership"]}`
	p, transport, _ := newTestPipeline(t, crawler, scoreJSON)

	require.NoError(t, p.ProcessStock(context.Background(), "005930"))
	assert.Empty(t, transport.sent, "no watcher is seeded so dispatch has no recipients, but must not error")

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM disclosure_items WHERE stock_code = '005930'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessStock_ReingestOfSameRceptNoUpserts(t *testing.T) {
	crawler := &fakeCrawler{filings: []external.Filing{
		{RceptNo: "20260730000002", ReportName: "Earnings release", Filer: "F1", ReceiptDate: "2026-07-30", RawNote: "n1"},
	}}
	scoreJSON := `{"impact_score": 0.3, "sentiment_label": "neutral", "expected_impact": "neutral", "horizon_tag": "short_term"}`
	p, _, _ := newTestPipeline(t, crawler, scoreJSON)

	require.NoError(t, p.ProcessStock(context.Background(), "005930"))
	require.NoError(t, p.ProcessStock(context.Background(), "005930"))

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM disclosure_items WHERE rcept_no = '20260730000002'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count, "re-ingesting the same rcept_no must upsert, not duplicate")
}

func TestProcessStock_MalformedFilingEmitsErrorEventNotCrash(t *testing.T) {
	crawler := &fakeCrawler{filings: []external.Filing{
		{RceptNo: "", ReportName: "", RawNote: "missing identifiers"},
	}}
	p, _, _ := newTestPipeline(t, crawler, `{}`)

	err := p.ProcessStock(context.Background(), "005930")
	assert.NoError(t, err, "a malformed filing must never fail the whole batch")

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM disclosure_items`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestProcessStock_MalformedScoreResponseIsDropped(t *testing.T) {
	crawler := &fakeCrawler{filings: []external.Filing{
		{RceptNo: "20260730000003", ReportName: "Valid report", Filer: "F1", ReceiptDate: "2026-07-30"},
	}}
	p, _, _ := newTestPipeline(t, crawler, `not json at all`)

	err := p.ProcessStock(context.Background(), "005930")
	assert.NoError(t, err)

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM disclosure_items`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count, "an unparsable score response must drop the item, not persist garbage")
}

func TestChooseCollection_HighImpactWhenWatcherThresholdMet(t *testing.T) {
	p, _, coreDB := newTestPipeline(t, &fakeCrawler{}, `{}`)
	seedWatcher(t, coreDB, "u1", "005930", "Samsung", 0.1)

	collection := p.chooseCollection(context.Background(), "005930", 0.5)
	assert.Equal(t, vectorstore.CollectionHighImpactNews, collection)
}

func TestChooseCollection_DailyNewsWhenNoWatcherThresholdMet(t *testing.T) {
	p, _, coreDB := newTestPipeline(t, &fakeCrawler{}, `{}`)
	seedWatcher(t, coreDB, "u1", "005930", "Samsung", 0.95)

	collection := p.chooseCollection(context.Background(), "005930", 0.5)
	assert.Equal(t, vectorstore.CollectionDailyNews, collection)
}
