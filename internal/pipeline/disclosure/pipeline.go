// Package disclosure implements the C9 disclosure pipeline: fetch DART
// filings per stock, drop near-duplicates via C3, embed and search prior
// high-impact cases via C2, score the item through C4 with that historical
// context, persist to content.db, file the embedding under the right
// collection, and dispatch a kind=disclosure notification. Mirrors the news
// pipeline's shape exactly, per spec's shared fetch→dedup→embed→score→
// persist→store→dispatch pipeline for both news and disclosure items.
package disclosure

import (
	"context"
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
	disclosureScoringMaxTokens = 512
	pastCasesK                 = 3

	// pipelineModelUserID mirrors the news pipeline's reserved id: a
	// disclosure filing is scored once, independent of any single
	// recipient's model preference, so a deliberately-unresolvable user id
	// is passed to let C4 fall through to its documented hyperclova
	// default.
	pipelineModelUserID = "__pipeline__"
)

// Pipeline is the C9 disclosure pipeline over one stock code at a time.
type Pipeline struct {
	crawler    external.DisclosureCrawler
	dedup      *dedup.Filter
	vectors    *vectorstore.Store
	gateway    *llm.Gateway
	userConfig *userconfig.Manager
	dispatcher *notify.Dispatcher
	db         *sql.DB // content.db
	log        zerolog.Logger
}

// NewPipeline builds a disclosure pipeline.
func NewPipeline(
	crawler external.DisclosureCrawler,
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
		log:        log.With().Str("component", "disclosure_pipeline").Logger(),
	}
}

// ProcessStock fetches and processes every disclosure filing currently
// available for stockCode. A malformed or unscorable item is dropped with a
// kind=error event; it never stops the rest of the batch.
func (p *Pipeline) ProcessStock(ctx context.Context, stockCode string) error {
	defer utils.OperationTimer("disclosure_pipeline.process_stock", p.log)()

	filings, err := p.crawler.Fetch(ctx, stockCode)
	if err != nil {
		return fmt.Errorf("disclosure pipeline: fetch %s: %w", stockCode, err)
	}

	for _, filing := range filings {
		if err := p.processFiling(ctx, stockCode, filing); err != nil {
			p.log.Error().Err(err).Str("stock_code", stockCode).Str("rcept_no", filing.RceptNo).Msg("dropping disclosure item")
			p.emitError(ctx, stockCode, filing.RceptNo, err)
		}
	}
	return nil
}

func (p *Pipeline) emitError(ctx context.Context, stockCode, rceptNo string, cause error) {
	ev := events.Event{
		Kind: events.KindError,
		Payload: events.ErrorData{
			Service: "disclosure_pipeline",
			Message: fmt.Sprintf("stock=%s rcept_no=%s: %v", stockCode, rceptNo, cause),
		},
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		p.log.Error().Err(err).Msg("failed to dispatch disclosure pipeline error event")
	}
}

// disclosureScore is the parsed shape of C4's scoring response.
type disclosureScore struct {
	ImpactScore     float64  `json:"impact_score"`
	SentimentLabel  string   `json:"sentiment_label"`
	SentimentReason string   `json:"sentiment_reason"`
	ExpectedImpact  string   `json:"expected_impact"` // positive|negative|neutral
	HorizonTag      string   `json:"horizon_tag"`     // short_term|mid_term|long_term
	Keywords        []string `json:"keywords"`
}

func (p *Pipeline) processFiling(ctx context.Context, stockCode string, f external.Filing) error {
	if strings.TrimSpace(f.RceptNo) == "" || strings.TrimSpace(f.ReportName) == "" {
		return fmt.Errorf("malformed disclosure filing: missing rcept_no or report_name")
	}

	isDup, _ := p.dedup.CheckAndInsert(ctx, stockCode, f.ReportName, f.RawNote, f.RceptNo)
	if isDup {
		return nil
	}

	queryText := strings.TrimSpace(f.ReportName + " " + f.RawNote)

	var historyContext string
	similar, err := p.vectors.SearchSimilar(ctx, queryText, vectorstore.CollectionPastEvents, pastCasesK)
	if err != nil {
		p.log.Warn().Err(err).Str("stock_code", stockCode).Msg("past_events search failed, scoring without historical context")
	} else {
		historyContext = formatHistoricalContext(similar)
	}

	prompt := buildScoringPrompt(stockCode, f, historyContext)
	result, err := p.gateway.Generate(ctx, pipelineModelUserID, prompt, disclosureScoringMaxTokens, llm.AnalysisDisclosure)
	if err != nil {
		return fmt.Errorf("score disclosure item: %w", err)
	}

	scored, err := parseDisclosureScore(result.Text)
	if err != nil {
		return fmt.Errorf("parse disclosure score response: %w", err)
	}

	if err := p.persist(ctx, stockCode, f, scored); err != nil {
		return fmt.Errorf("persist disclosure item: %w", err)
	}

	collection := p.chooseCollection(ctx, stockCode, scored.ImpactScore)
	docID := "disclosure:" + f.RceptNo
	metadata := map[string]interface{}{
		"stock_code":   stockCode,
		"report_name":  f.ReportName,
		"filer":        f.Filer,
		"impact_score": scored.ImpactScore,
		"receipt_date": f.ReceiptDate,
	}
	if err := p.vectors.AddDocument(ctx, collection, docID, queryText, metadata); err != nil {
		p.log.Warn().Err(err).Str("stock_code", stockCode).Str("collection", collection).Msg("failed to store disclosure embedding")
	}

	ev := events.Event{
		Kind:      events.KindDisclosure,
		StockCode: stockCode,
		Payload: events.DisclosureData{
			ReportName:      f.ReportName,
			Filer:           f.Filer,
			ReceiptDate:     f.ReceiptDate,
			ImpactScore:     scored.ImpactScore,
			SentimentLabel:  scored.SentimentLabel,
			SentimentReason: scored.SentimentReason,
			ExpectedImpact:  scored.ExpectedImpact,
			HorizonTag:      scored.HorizonTag,
		},
	}
	return p.dispatcher.Dispatch(ctx, ev)
}

func parseDisclosureScore(text string) (disclosureScore, error) {
	var s disclosureScore
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return disclosureScore{}, err
	}
	return s, nil
}

func (p *Pipeline) persist(ctx context.Context, stockCode string, f external.Filing, scored disclosureScore) error {
	keywordsJSON, err := json.Marshal(scored.Keywords)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO disclosure_items
		 (rcept_no, corp_code, stock_code, report_name, filer, receipt_date, raw_note,
		  impact_score, sentiment_label, sentiment_reason, expected_impact, horizon_tag, keywords)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rcept_no) DO UPDATE SET
		   impact_score = excluded.impact_score,
		   sentiment_label = excluded.sentiment_label,
		   sentiment_reason = excluded.sentiment_reason,
		   expected_impact = excluded.expected_impact,
		   horizon_tag = excluded.horizon_tag,
		   keywords = excluded.keywords`,
		f.RceptNo, f.CorpCode, stockCode, f.ReportName, f.Filer, f.ReceiptDate, f.RawNote,
		scored.ImpactScore, scored.SentimentLabel, scored.SentimentReason, scored.ExpectedImpact, scored.HorizonTag, string(keywordsJSON),
	)
	return err
}

// chooseCollection mirrors the news pipeline's rule: an interested watcher's
// own news_impact_threshold gates high_impact_news vs daily_news, since
// spec names no disclosure-specific collection.
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

func buildScoringPrompt(stockCode string, f external.Filing, historyContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Score the market impact of this disclosure filing for stock %s.\n\n", stockCode)
	fmt.Fprintf(&b, "Report: %s\nFiler: %s\nReceived: %s\nNote: %s\n\n", f.ReportName, f.Filer, f.ReceiptDate, f.RawNote)
	if historyContext != "" {
		b.WriteString("Similar past cases:\n")
		b.WriteString(historyContext)
		b.WriteString("\n")
	}
	b.WriteString(`Respond with JSON only: {"impact_score": <0..1>, "sentiment_label": "...", "sentiment_reason": "...", "expected_impact": "positive|negative|neutral", "horizon_tag": "short_term|mid_term|long_term", "keywords": ["..."]}`)
	return b.String()
}
