// Package main is the entry point shared by all five analysis workers
// (news, disclosure, chart, report, flow). WORKER_KIND, injected by the
// supervisor (C11) alongside HYPERASSET_USER_ID and PORT, selects which
// concrete worker.Worker this process runs; the HTTP contract (worker.Server)
// is identical across kinds.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/chart"
	"github.com/hyperasset/sentinel/internal/config"
	"github.com/hyperasset/sentinel/internal/database"
	"github.com/hyperasset/sentinel/internal/dedup"
	"github.com/hyperasset/sentinel/internal/external"
	"github.com/hyperasset/sentinel/internal/flow"
	"github.com/hyperasset/sentinel/internal/httpserver"
	"github.com/hyperasset/sentinel/internal/llm"
	"github.com/hyperasset/sentinel/internal/marketcache"
	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/pipeline/disclosure"
	"github.com/hyperasset/sentinel/internal/pipeline/news"
	"github.com/hyperasset/sentinel/internal/userconfig"
	"github.com/hyperasset/sentinel/internal/vectorstore"
	"github.com/hyperasset/sentinel/internal/worker"
	"github.com/hyperasset/sentinel/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	kind := worker.Kind(getEnv("WORKER_KIND", "news"))
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode}).With().Str("worker_kind", string(kind)).Logger()
	log.Info().Msg("starting worker")

	port := cfg.Port
	if p, err := strconv.Atoi(getEnv("PORT", "")); err == nil && p > 0 {
		port = p
	}

	coreDB, err := database.New(database.Config{Path: cfg.DBPath("core"), Profile: database.ProfileLedger, Name: "core"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open core.db")
	}
	defer coreDB.Close()
	if err := coreDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate core.db")
	}

	marketDB, err := database.New(database.Config{Path: cfg.DBPath("market"), Profile: database.ProfileStandard, Name: "market"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open market.db")
	}
	defer marketDB.Close()
	if err := marketDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate market.db")
	}

	contentDB, err := database.New(database.Config{Path: cfg.DBPath("content"), Profile: database.ProfileCache, Name: "content"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open content.db")
	}
	defer contentDB.Close()
	if err := contentDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate content.db")
	}

	vectorsDB, err := database.New(database.Config{Path: cfg.DBPath("vectors"), Profile: database.ProfileCache, Name: "vectors"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vectors.db")
	}
	defer vectorsDB.Close()
	if err := vectorsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate vectors.db")
	}

	userConfig := userconfig.NewManager(coreDB.Conn())

	transport := external.NewTelegramTransport(cfg.Telegram.BotToken, cfg.Telegram.ParseMode)
	dispatcher, err := notify.NewDispatcher(coreDB.Conn(), userConfig, transport, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build notification dispatcher")
	}

	location := cfg.MarketLocation()

	var background func(ctx context.Context)

	w := buildWorker(kind, cfg, log, location, coreDB, marketDB, contentDB, vectorsDB, userConfig, dispatcher, &background)

	srv := worker.NewServer(w, cfg.HyperAsset.UserID, log)
	httpSrv := httpserver.New(httpserver.Config{Port: port, Handler: srv.Router(), Log: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if background != nil {
		go background(ctx)
	}

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("worker server failed")
		}
	}()
	log.Info().Int("port", port).Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker forced to shut down")
	}
	log.Info().Msg("worker stopped")
}

// buildWorker constructs the concrete worker.Worker for kind, wiring only
// the collaborators that kind actually needs. background, if set, must be
// started in its own goroutine once the process is otherwise ready — today
// only the chart worker uses it, to run its engine's continuous tick loop.
func buildWorker(
	kind worker.Kind,
	cfg *config.Config,
	log zerolog.Logger,
	location *time.Location,
	coreDB, marketDB, contentDB, vectorsDB *database.DB,
	userConfig *userconfig.Manager,
	dispatcher *notify.Dispatcher,
	background *func(ctx context.Context),
) worker.Worker {
	switch kind {
	case worker.KindChart:
		cacheRepo := marketcache.NewRepository(marketDB.Conn())
		priceFeed := external.NewKISPriceFeed(
			cfg.KIS.WSURL, cfg.KIS.AppKey, cfg.KIS.AppSecret, cacheRepo, log,
		)
		engine := chart.NewEngine(marketDB.Conn(), priceFeed, dispatcher, log)
		*background = func(ctx context.Context) {
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("chart engine run loop exited")
			}
		}
		return worker.NewChartWorker(engine, userConfig, location)

	case worker.KindFlow:
		engine := flow.NewEngine(marketDB.Conn(), dispatcher, log)
		return worker.NewFlowWorker(engine, userConfig, location)

	case worker.KindReport:
		return worker.NewReportWorker(coreDB.Conn(), dispatcher, location, log)

	case worker.KindDisclosure:
		cacheRepo := marketcache.NewRepository(marketDB.Conn())
		dartClient := external.NewDARTFilingsClient(cfg.DART.APIKey, cacheRepo, log)
		crawler := external.NewDARTDisclosureCrawler(dartClient)
		gateway := buildLLMGateway(cfg, userConfig, log)
		pipeline := disclosure.NewPipeline(
			crawler,
			dedup.New(coreDB.Conn(), cfg.Dedup.HammingThreshold, cfg.Dedup.TTLHours, cfg.Dedup.LogPath, log),
			vectorstore.New(vectorsDB.Conn(), external.NewOpenAIEmbeddingFunc(cfg.LLMKeys.OpenAI)),
			gateway,
			userConfig,
			dispatcher,
			contentDB.Conn(),
			log,
		)
		return worker.NewDisclosureWorker(pipeline, userConfig, location)

	default: // worker.KindNews
		cacheRepo := marketcache.NewRepository(marketDB.Conn())
		crawler := external.NewNewsSearchCrawler(cfg.News.APIBaseURL, cfg.News.APIKeyID, cfg.News.APISecret, cacheRepo, log)
		gateway := buildLLMGateway(cfg, userConfig, log)
		pipeline := news.NewPipeline(
			crawler,
			dedup.New(coreDB.Conn(), cfg.Dedup.HammingThreshold, cfg.Dedup.TTLHours, cfg.Dedup.LogPath, log),
			vectorstore.New(vectorsDB.Conn(), external.NewOpenAIEmbeddingFunc(cfg.LLMKeys.OpenAI)),
			gateway,
			userConfig,
			dispatcher,
			contentDB.Conn(),
			log,
		)
		return worker.NewNewsWorker(pipeline, userConfig, location)
	}
}

func buildLLMGateway(cfg *config.Config, userConfig *userconfig.Manager, log zerolog.Logger) *llm.Gateway {
	var providers []external.LLMProvider
	if cfg.LLMKeys.HyperCLOVA != "" {
		providers = append(providers, llm.NewHyperCLOVAProvider(cfg.LLMKeys.HyperCLOVA))
	}
	if cfg.LLMKeys.OpenAI != "" {
		providers = append(providers, llm.NewChatGPTProvider(cfg.LLMKeys.OpenAI))
	}
	if cfg.LLMKeys.Claude != "" {
		providers = append(providers, llm.NewClaudeProvider(cfg.LLMKeys.Claude))
	}
	if cfg.LLMKeys.Gemini != "" {
		providers = append(providers, llm.NewGeminiProvider(cfg.LLMKeys.Gemini))
	}
	if cfg.LLMKeys.Grok != "" {
		providers = append(providers, llm.NewGrokProvider(cfg.LLMKeys.Grok))
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	gateway, err := llm.NewGateway(providers, userConfig, redisClient, 1000, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build LLM gateway")
	}
	return gateway
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
