package news

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
	articles []external.NewsArticle
	err      error
}

func (f *fakeCrawler) Fetch(ctx context.Context, stockCode string) ([]external.NewsArticle, error) {
	return f.articles, f.err
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
	// a deterministic, content-insensitive embedding is fine: these tests
	// never assert on similarity ranking, only on pipeline wiring.
	return []float32{1, 0, 0}, nil
}

// newTestPipeline wires a pipeline over fresh temp-file databases and
// returns the core.db handle alongside it so tests can seed users/watchlist
// rows directly, the same way the notify and flow packages' test helpers do.
func newTestPipeline(t *testing.T, crawler external.NewsCrawler, scoreJSON string) (*Pipeline, *fakeTransport, *sql.DB) {
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

func TestProcessStock_ScoresAndDispatchesNewsItem(t *testing.T) {
	crawler := &fakeCrawler{articles: []external.NewsArticle{
		{Title: "Big earnings beat", Excerpt: "Revenue up 20%", URL: "https://example.com/1", Source: "wire", StockCode: "005930", PublishedAt: "2026-07-30"},
	}}
	scoreJSON := `{"impact_score": 0.9, "reasoning": "strong earnings beat", "keywords": ["earnings"]}`
	p, transport, _ := newTestPipeline(t, crawler, scoreJSON)

	require.NoError(t, p.ProcessStock(context.Background(), "005930"))
	assert.Empty(t, transport.sent, "no watcher is seeded so dispatch has no recipients, but must not error")

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM news_items WHERE stock_code = '005930'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessStock_DuplicateArticleIsDropped(t *testing.T) {
	crawler := &fakeCrawler{articles: []external.NewsArticle{
		{Title: "Same headline every time", Excerpt: "identical content", URL: "https://example.com/a", Source: "wire", StockCode: "005930"},
	}}
	scoreJSON := `{"impact_score": 0.5, "reasoning": "ok", "keywords": []}`
	p, _, _ := newTestPipeline(t, crawler, scoreJSON)

	require.NoError(t, p.ProcessStock(context.Background(), "005930"))
	// a second fetch returns the same title+content from a different URL,
	// so the duplicate path is exercised via content similarity, not URL
	// identity (URL uniqueness is a separate guard at persist time).
	crawler.articles[0].URL = "https://example.com/b"
	require.NoError(t, p.ProcessStock(context.Background(), "005930"))

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM news_items WHERE stock_code = '005930'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count, "the second near-identical article must be dropped by dedup, never persisted")
}

func TestProcessStock_MalformedArticleEmitsErrorEventNotCrash(t *testing.T) {
	crawler := &fakeCrawler{articles: []external.NewsArticle{
		{Title: "", Excerpt: "no title at all", URL: "https://example.com/bad"},
	}}
	p, _, _ := newTestPipeline(t, crawler, `{}`)

	err := p.ProcessStock(context.Background(), "005930")
	assert.NoError(t, err, "a malformed item must never fail the whole batch")

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM news_items`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestProcessStock_MalformedScoreResponseIsDropped(t *testing.T) {
	crawler := &fakeCrawler{articles: []external.NewsArticle{
		{Title: "Valid headline", Excerpt: "valid body", URL: "https://example.com/c", StockCode: "005930"},
	}}
	p, _, _ := newTestPipeline(t, crawler, `not json at all`)

	err := p.ProcessStock(context.Background(), "005930")
	assert.NoError(t, err)

	var count int
	row := p.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM news_items`)
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

func TestChooseCollection_DailyNewsWhenNoWatchers(t *testing.T) {
	p, _, _ := newTestPipeline(t, &fakeCrawler{}, `{}`)
	collection := p.chooseCollection(context.Background(), "005930", 0.99)
	assert.Equal(t, vectorstore.CollectionDailyNews, collection)
}
