// Package news implements the C9 news pipeline: fetch per stock, drop
// near-duplicates via C3, embed and search prior high-impact cases via C2,
// score the item through C4 with that historical context, persist to
// content.db, file the embedding under the right collection, and dispatch a
// kind=news notification.
package news

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/dedup"
	"github.com/hyperasset/sentinel/internal/events"
	"github.com/hyperasset/sentinel/internal/external"
	"github.com/hyperasset/sentinel/internal/llm"
	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/userconfig"
	"github.com/hyperasset/sentinel/internal/utils"
	"github.com/hyperasset/sentinel/internal/vectorstore"
)

const (
	newsScoringMaxTokens = 512
	pastCasesK           = 3

	// pipelineModelUserID is not a real user. A news item is scored once,
	// independent of which users end up reading it, so there is no single
	// user whose model preference should apply. Passing an id that never
	// resolves in C5 makes Generate fall through to its documented
	// hyperclova default, which is the correct behavior here: shared
	// pipeline-level scoring always runs on the default model.
	pipelineModelUserID = "__pipeline__"
)

// Pipeline is the C9 news pipeline over one stock code at a time.
type Pipeline struct {
	crawler    external.NewsCrawler
	dedup      *dedup.Filter
	vectors    *vectorstore.Store
	gateway    *llm.Gateway
	userConfig *userconfig.Manager
	dispatcher *notify.Dispatcher
	db         *sql.DB // content.db
	log        zerolog.Logger
}

// NewPipeline builds a news pipeline.
func NewPipeline(
	crawler external.NewsCrawler,
	dedupFilter *dedup.Filter,
	vectors *vectorstore.Store,
	gateway *llm.Gateway,
	userConfig *userconfig.Manager,
	dispatcher *notify.Dispatcher,
	contentDB *sql.DB,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		crawler:    crawler,
		dedup:      dedupFilter,
		vectors:    vectors,
		gateway:    gateway,
		userConfig: userConfig,
		dispatcher: dispatcher,
		db:         contentDB,
		log:        log.With().Str("component", "news_pipeline").Logger(),
	}
}

// ProcessStock fetches and processes every news article currently available
// for stockCode. A malformed or unscorable item is dropped with a kind=error
// event; it never stops the rest of the batch.
func (p *Pipeline) ProcessStock(ctx context.Context, stockCode string) error {
	defer utils.OperationTimer("news_pipeline.process_stock", p.log)()

	articles, err := p.crawler.Fetch(ctx, stockCode)
	if err != nil {
		return fmt.Errorf("news pipeline: fetch %s: %w", stockCode, err)
	}

	for _, article := range articles {
		if err := p.processArticle(ctx, stockCode, article); err != nil {
			p.log.Error().Err(err).Str("stock_code", stockCode).Str("url", article.URL).Msg("dropping news item")
			p.emitError(ctx, stockCode, article.URL, err)
		}
	}
	return nil
}

func (p *Pipeline) emitError(ctx context.Context, stockCode, url string, cause error) {
	ev := events.Event{
		Kind: events.KindError,
		Payload: events.ErrorData{
			Service: "news_pipeline",
			Message: fmt.Sprintf("stock=%s url=%s: %v", stockCode, url, cause),
		},
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		p.log.Error().Err(err).Msg("failed to dispatch news pipeline error event")
	}
}

// newsScore is the parsed shape of C4's scoring response.
type newsScore struct {
	ImpactScore float64  `json:"impact_score"`
	Reasoning   string   `json:"reasoning"`
	Keywords    []string `json:"keywords"`
}

func (p *Pipeline) processArticle(ctx context.Context, stockCode string, a external.NewsArticle) error {
	if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("malformed news article: missing title or url")
	}

	isDup, _ := p.dedup.CheckAndInsert(ctx, stockCode, a.Title, a.Excerpt, a.URL)
	if isDup {
		return nil
	}

	queryText := strings.TrimSpace(a.Title + " " + a.Excerpt)

	var historyContext string
	similar, err := p.vectors.SearchSimilar(ctx, queryText, vectorstore.CollectionPastEvents, pastCasesK)
	if err != nil {
		p.log.Warn().Err(err).Str("stock_code", stockCode).Msg("past_events search failed, scoring without historical context")
	} else {
		historyContext = formatHistoricalContext(similar)
	}

	prompt := buildScoringPrompt(stockCode, a, historyContext)
	result, err := p.gateway.Generate(ctx, pipelineModelUserID, prompt, newsScoringMaxTokens, llm.AnalysisNews)
	if err != nil {
		return fmt.Errorf("score news item: %w", err)
	}

	scored, err := parseNewsScore(result.Text)
	if err != nil {
		return fmt.Errorf("parse news score response: %w", err)
	}

	if err := p.persist(ctx, stockCode, a, scored); err != nil {
		return fmt.Errorf("persist news item: %w", err)
	}

	collection := p.chooseCollection(ctx, stockCode, scored.ImpactScore)
	docID := fmt.Sprintf("news:%x", sha1.Sum([]byte(a.URL)))
	metadata := map[string]interface{}{
		"stock_code":   stockCode,
		"title":        a.Title,
		"url":          a.URL,
		"impact_score": scored.ImpactScore,
		"published_at": a.PublishedAt,
	}
	if err := p.vectors.AddDocument(ctx, collection, docID, queryText, metadata); err != nil {
		p.log.Warn().Err(err).Str("stock_code", stockCode).Str("collection", collection).Msg("failed to store news embedding")
	}

	ev := events.Event{
		Kind:      events.KindNews,
		StockCode: stockCode,
		Payload: events.NewsData{
			Title:       a.Title,
			URL:         a.URL,
			Source:      a.Source,
			PublishedAt: a.PublishedAt,
			ImpactScore: scored.ImpactScore,
			Reasoning:   scored.Reasoning,
		},
	}
	return p.dispatcher.Dispatch(ctx, ev)
}

func parseNewsScore(text string) (newsScore, error) {
	var s newsScore
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return newsScore{}, err
	}
	return s, nil
}

func (p *Pipeline) persist(ctx context.Context, stockCode string, a external.NewsArticle, scored newsScore) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO news_items (title, content_excerpt, url, source, published_at, stock_code, impact_score, reasoning)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url, stock_code) DO UPDATE SET
		   impact_score = excluded.impact_score,
		   reasoning = excluded.reasoning`,
		a.Title, a.Excerpt, a.URL, a.Source, a.PublishedAt, stockCode, scored.ImpactScore, scored.Reasoning,
	)
	return err
}

// chooseCollection stores high-impact items separately from routine daily
// news, per stock watcher's own threshold: if any interested user's
// news_impact_threshold is met, the item goes to high_impact_news;
// otherwise it goes to daily_news. The vector store has no delete
// operation, so documents in either collection are never purged.
func (p *Pipeline) chooseCollection(ctx context.Context, stockCode string, impactScore float64) string {
	watchers, err := p.userConfig.StockWatchers(ctx, stockCode)
	if err != nil {
		p.log.Warn().Err(err).Str("stock_code", stockCode).Msg("failed to list stock watchers, defaulting to daily_news")
		return vectorstore.CollectionDailyNews
	}

	for _, w := range watchers {
		cfg, err := p.userConfig.GetUserConfig(ctx, w.UserID)
		if err != nil {
			continue
		}
		if impactScore >= cfg.NewsImpactThreshold {
			return vectorstore.CollectionHighImpactNews
		}
	}
	return vectorstore.CollectionDailyNews
}

func formatHistoricalContext(results []vectorstore.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (similarity %.2f)\n", i+1, r.Document, r.Similarity)
	}
	return b.String()
}

func buildScoringPrompt(stockCode string, a external.NewsArticle, historyContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Score the market impact of this news item for stock %s.\n\n", stockCode)
	fmt.Fprintf(&b, "Title: %s\nSource: %s\nPublished: %s\nExcerpt: %s\n\n", a.Title, a.Source, a.PublishedAt, a.Excerpt)
	if historyContext != "" {
		b.WriteString("Similar past cases:\n")
		b.WriteString(historyContext)
		b.WriteString("\n")
	}
	b.WriteString(`Respond with JSON only: {"impact_score": <0..1>, "reasoning": "<one paragraph>", "keywords": ["..."]}`)
	return b.String()
}
