// Package main is the entry point for the request gateway (C12): the
// single public HTTP surface that proxies to the per-user worker
// processes, serves /api/user/* directly against the shared user
// configuration manager (C5), and — as the one long-running process in
// this deployment — also owns the C11 supervisor (spawns and restarts the
// configured user's worker processes) and the C10 check-signal scheduler
// (polls each worker's /check-schedule on a 10-minute cron).
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/config"
	"github.com/hyperasset/sentinel/internal/database"
	"github.com/hyperasset/sentinel/internal/external"
	"github.com/hyperasset/sentinel/internal/gateway"
	"github.com/hyperasset/sentinel/internal/httpserver"
	"github.com/hyperasset/sentinel/internal/notify"
	"github.com/hyperasset/sentinel/internal/reliability"
	"github.com/hyperasset/sentinel/internal/scheduler"
	"github.com/hyperasset/sentinel/internal/supervisor"
	"github.com/hyperasset/sentinel/internal/userconfig"
	"github.com/hyperasset/sentinel/pkg/logger"
)

const (
	maintenanceInterval = 24 * time.Hour
	backupInterval      = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting request gateway")

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

	userConfig := userconfig.NewManager(coreDB.Conn())

	transport := external.NewTelegramTransport(cfg.Telegram.BotToken, cfg.Telegram.ParseMode)
	dispatcher, err := notify.NewDispatcher(coreDB.Conn(), userConfig, transport, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build notification dispatcher")
	}

	gw, err := gateway.New(cfg.Gateway, userConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	specs := buildServiceSpecs(cfg)
	sup := supervisor.NewSupervisor(specs, userConfig, dispatcher, coreDB.Conn(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if userID := cfg.HyperAsset.UserID; userID != "" {
		if err := sup.StartUserServices(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to start one or more worker processes")
		}
	} else {
		log.Warn().Msg("HYPERASSET_USER_ID not set; supervisor will not start any worker processes")
	}

	sched := scheduler.NewScheduler(buildSchedulerWorkers(cfg), dispatcher, cfg.MarketLocation(), log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start check-signal scheduler")
	}

	maintenanceJob := reliability.NewMaintenanceJob(
		map[string]*database.DB{"core": coreDB, "market": marketDB, "content": contentDB},
		buildRetentionPruners(coreDB, marketDB, contentDB),
		cfg.DataRetentionDays,
		log,
	)
	go runMaintenanceLoop(ctx, maintenanceJob, log)

	if cfg.Backup.Bucket != "" {
		backupSvc, err := buildBackupService(ctx, cfg, coreDB, marketDB, contentDB, log)
		if err != nil {
			log.Error().Err(err).Msg("failed to build backup service; backups disabled for this run")
		} else {
			go runBackupLoop(ctx, backupSvc, cfg.Backup.RetentionDays, log)
		}
	}

	srv := httpserver.New(httpserver.Config{
		Port:    cfg.Port,
		Handler: gw.Router(),
		Log:     log,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("gateway server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down gateway")
	sched.Stop()
	if userID := cfg.HyperAsset.UserID; userID != "" {
		if err := sup.StopUserServices(context.Background(), userID); err != nil {
			log.Error().Err(err).Msg("failed to stop one or more worker processes")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway forced to shut down")
	}
	log.Info().Msg("gateway stopped")
}

// buildServiceSpecs turns the gateway's five per-kind service URLs into the
// ServiceSpecs the supervisor spawns, each pointed at the one cmd/worker
// binary with WORKER_KIND/PORT injected by Supervisor.spawn.
func buildServiceSpecs(cfg *config.Config) []supervisor.ServiceSpec {
	return []supervisor.ServiceSpec{
		{Name: "news", Port: urlPort(cfg.Gateway.NewsServiceURL, 8001), BinaryPath: cfg.Gateway.WorkerBinaryPath, Description: "news analysis worker"},
		{Name: "disclosure", Port: urlPort(cfg.Gateway.DisclosureServiceURL, 8002), BinaryPath: cfg.Gateway.WorkerBinaryPath, Description: "disclosure analysis worker"},
		{Name: "chart", Port: urlPort(cfg.Gateway.ChartServiceURL, 8003), BinaryPath: cfg.Gateway.WorkerBinaryPath, Description: "chart condition worker"},
		{Name: "report", Port: urlPort(cfg.Gateway.ReportServiceURL, 8004), BinaryPath: cfg.Gateway.WorkerBinaryPath, Description: "weekly report worker"},
		{Name: "flow", Port: urlPort(cfg.Gateway.FlowServiceURL, 8010), BinaryPath: cfg.Gateway.WorkerBinaryPath, Description: "flow/pattern worker"},
	}
}

// buildSchedulerWorkers builds the C10 scheduler's poll targets, paired
// with each worker kind's quiet-hour fallback cadence per spec §4.10.
func buildSchedulerWorkers(cfg *config.Config) []scheduler.Worker {
	return []scheduler.Worker{
		{Name: "news", BaseURL: cfg.Gateway.NewsServiceURL, Enabled: true, Cadence: scheduler.CadenceHourly},
		{Name: "disclosure", BaseURL: cfg.Gateway.DisclosureServiceURL, Enabled: true, Cadence: scheduler.CadenceHourly},
		{Name: "chart", BaseURL: cfg.Gateway.ChartServiceURL, Enabled: true, Cadence: scheduler.CadenceMarketClose},
		{Name: "flow", BaseURL: cfg.Gateway.FlowServiceURL, Enabled: true, Cadence: scheduler.CadenceMarketClose},
		{Name: "report", BaseURL: cfg.Gateway.ReportServiceURL, Enabled: true, Cadence: scheduler.CadenceWeekly},
	}
}

// buildRetentionPruners lists the time-bounded tables each eligible for
// DATA_RETENTION_DAYS pruning: delivered notifications, the scored
// news/disclosure items once they've aged out of relevance, and chart
// condition hits.
func buildRetentionPruners(coreDB, marketDB, contentDB *database.DB) []reliability.RetentionPruner {
	return []reliability.RetentionPruner{
		{Name: "delivery_log", Table: "delivery_log", DB: coreDB,
			Query: "DELETE FROM delivery_log WHERE delivered_at < ?"},
		{Name: "news_items", Table: "news_items", DB: contentDB,
			Query: "DELETE FROM news_items WHERE seen_at < ?"},
		{Name: "disclosure_items", Table: "disclosure_items", DB: contentDB,
			Query: "DELETE FROM disclosure_items WHERE seen_at < ?"},
		{Name: "chart_condition_hits", Table: "chart_condition_hits", DB: marketDB,
			Query: "DELETE FROM chart_condition_hits WHERE hit_date < ?"},
	}
}

// runMaintenanceLoop runs job once immediately, then once every
// maintenanceInterval until ctx is cancelled.
func runMaintenanceLoop(ctx context.Context, job *reliability.MaintenanceJob, log zerolog.Logger) {
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Msg("maintenance pass failed")
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				log.Error().Err(err).Msg("maintenance pass failed")
			}
		}
	}
}

// buildBackupService resolves AWS credentials from the environment the
// usual SDK way (env vars, shared config file, instance role) and builds
// the S3-compatible weekly backup service over every managed database.
func buildBackupService(ctx context.Context, cfg *config.Config, coreDB, marketDB, contentDB *database.DB, log zerolog.Logger) (*reliability.S3BackupService, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return reliability.NewS3BackupService(
		client,
		cfg.Backup.Bucket,
		map[string]*database.DB{"core": coreDB, "market": marketDB, "content": contentDB},
		cfg.DataDir,
		log,
	), nil
}

// runBackupLoop runs one backup immediately, then weekly, rotating out
// archives older than retentionDays after each successful upload.
func runBackupLoop(ctx context.Context, svc *reliability.S3BackupService, retentionDays int, log zerolog.Logger) {
	runOnce := func() {
		if err := svc.CreateAndUpload(ctx); err != nil {
			log.Error().Err(err).Msg("backup failed")
			return
		}
		if err := svc.Rotate(ctx, retentionDays); err != nil {
			log.Error().Err(err).Msg("backup rotation failed")
		}
	}

	runOnce()
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func urlPort(rawURL string, fallback int) int {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		return fallback
	}
	return port
}
