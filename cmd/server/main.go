// Package main is the entry point for AdPilot, the local-first ads
// optimization control plane. One long-lived process hosts recommendation
// generation, the approval workflow, guarded execution against the ads
// platform, the append-only change ledger and the rollback monitor.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adpilot/adpilot/internal/cache"
	"github.com/adpilot/adpilot/internal/config"
	"github.com/adpilot/adpilot/internal/database"
	"github.com/adpilot/adpilot/internal/modules/adsapi"
	"github.com/adpilot/adpilot/internal/modules/approval"
	"github.com/adpilot/adpilot/internal/modules/execution"
	"github.com/adpilot/adpilot/internal/modules/guardrails"
	"github.com/adpilot/adpilot/internal/modules/ledger"
	"github.com/adpilot/adpilot/internal/modules/radar"
	"github.com/adpilot/adpilot/internal/modules/recommend"
	"github.com/adpilot/adpilot/internal/modules/rules"
	"github.com/adpilot/adpilot/internal/modules/warehouse"
	"github.com/adpilot/adpilot/internal/reliability"
	"github.com/adpilot/adpilot/internal/scheduler"
	"github.com/adpilot/adpilot/internal/server"
	"github.com/adpilot/adpilot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
		File:   cfg.LogFile,
	})
	logger.SetGlobalLogger(log)

	log.Info().Int("port", cfg.Port).Str("data_dir", cfg.DataDir).Msg("Starting AdPilot")

	clientCfg, err := config.LoadClient(cfg.ClientConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ClientConfig).Msg("Failed to load client configuration")
	}
	log.Info().
		Int64("customer_id", clientCfg.CustomerID).
		Str("mode_default", clientCfg.Execution.ModeDefault).
		Msg("Client configuration loaded")

	// Storage. The warehouse is written by the ingestion collaborator and
	// only read here; the ledger and approval stores are owned.
	warehouseDB, err := database.New(database.Config{
		Path:    cfg.WarehousePath,
		Profile: database.ProfileWarehouse,
		Name:    "warehouse",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse database")
	}
	defer warehouseDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()
	if err := ledgerDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate ledger database")
	}

	approvalsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "approvals.db"),
		Profile: database.ProfileStandard,
		Name:    "approvals",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open approvals database")
	}
	defer approvalsDB.Close()
	if err := approvalsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate approvals database")
	}

	// A rule set with any invalid rule aborts startup; there is no partial
	// registry.
	registry, err := rules.NewRegistry(rules.Builtin(rules.DefaultTargets), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build rule registry")
	}

	memCache := cache.New(clientCfg.CacheTTL(), clientCfg.Cache.MaxEntries, log)
	reader := warehouse.NewReader(warehouseDB.Conn(), log)
	approvals := approval.NewStore(approvalsDB, log)
	ledgerRepo := ledger.NewRepository(ledgerDB, log)
	checker := guardrails.NewChecker(registry, reader, clientCfg.Guardrails, log)

	adapter := adsapi.NewClient(adsapi.Options{
		Mode:              adsapi.Mode(clientCfg.Execution.ModeDefault),
		BaseURL:           cfg.AdsAPIURL,
		Token:             cfg.AdsAPIToken,
		RequestsPerSecond: cfg.AdsAPIRatePerSecond,
	}, log)

	executor := execution.NewEngine(approvals, ledgerRepo, checker, adapter, memCache, clientCfg, log)
	recommender := recommend.NewEngine(reader, registry, approvals, memCache, log)
	monitor := radar.NewMonitor(reader, ledgerRepo, executor, registry, clientCfg.Rollback, log)

	databases := map[string]*database.DB{
		"warehouse": warehouseDB,
		"ledger":    ledgerDB,
		"approvals": approvalsDB,
	}

	srv := server.New(server.Config{
		Log:            log,
		Port:           cfg.Port,
		DevMode:        cfg.DevMode,
		CustomerID:     clientCfg.CustomerID,
		Approvals:      approvals,
		Executor:       executor,
		Changes:        ledgerRepo,
		Generator:      recommender,
		SystemHandlers: server.NewSystemHandlers(log, cfg.DataDir, cfg.LogFile, databases),
	})

	sched := scheduler.New(log)
	mustRegister := func(spec string, job scheduler.Job) {
		if err := sched.Register(spec, job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
		}
	}

	mustRegister("0 2 * * *", scheduler.NewGenerateRecommendationsJob(clientCfg.CustomerID, recommender, log))
	mustRegister(fmt.Sprintf("@every %ds", clientCfg.Rollback.TickSeconds), scheduler.NewRollbackMonitorJob(monitor))
	mustRegister("@hourly", scheduler.NewApprovalExpiryJob(approvals, clientCfg.ApprovalTTL(), log))
	mustRegister("@hourly", scheduler.NewCachePurgeJob(memCache, log))
	mustRegister("30 3 * * *", scheduler.NewWALCheckpointJob(databases, log))

	if cfg.BackupEnabled() {
		s3Client, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:  cfg.BackupEndpoint,
			Bucket:    cfg.BackupBucket,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create backup client")
		}
		backupSvc := reliability.NewBackupService(
			map[string]*sql.DB{
				"ledger":    ledgerDB.Conn(),
				"approvals": approvalsDB.Conn(),
			},
			s3Client, cfg.DataDir, log,
		)
		mustRegister("0 3 * * *", scheduler.NewBackupJob(backupSvc, cfg.BackupRetentionDays))
		log.Info().Str("bucket", cfg.BackupBucket).Msg("Backup job enabled")
	} else {
		log.Info().Msg("Backups disabled; no object storage configured")
	}

	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()

	log.Info().Msg("AdPilot stopped")
}
