package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aegiscdr/internal/api"
	"aegiscdr/internal/artifact"
	"aegiscdr/internal/auditlog"
	"aegiscdr/internal/auth"
	"aegiscdr/internal/config"
	"aegiscdr/internal/kv"
	"aegiscdr/internal/logger"
	"aegiscdr/internal/models"
	"aegiscdr/internal/orchestrator"
	"aegiscdr/internal/redis"
	"aegiscdr/internal/service/analysis"
	"aegiscdr/internal/storage"
	"aegiscdr/internal/taskstore"
	"aegiscdr/internal/worker"
)

const redisKeyPrefix = "aegis:"

func main() {
	cfg, err := config.Load(os.Getenv("CDR_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl := logger.New(cfg.BasicConfig.Debug)
	defer zl.Sync()
	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	backend := strings.ToLower(cfg.Storage.Backend)
	if backend == "redis" || cfg.Redis.FanOut {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			zl.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	var substrate kv.Store
	switch backend {
	case "memory":
		substrate = kv.NewMemory()
	case "redis":
		substrate = kv.NewRedis(rdb, redisKeyPrefix)
	default:
		db, err := storage.Open(backend, cfg)
		if err != nil {
			zl.Fatal("open database", zap.String("backend", backend), zap.Error(err))
		}
		defer db.Close()
		// Create the kv_entries table backing task history and audit logs
		if err := storage.Migrate(db, backend); err != nil {
			zl.Fatal("migrate database", zap.Error(err))
		}
		substrate = kv.NewSQL(db, backend)
	}
	if cfg.Storage.QuotaBytes > 0 {
		substrate = kv.WithQuota(substrate, cfg.Storage.QuotaBytes)
	}
	zl.Info("storage ready", zap.String("backend", backend), zap.Int64("quota_bytes", cfg.Storage.QuotaBytes))

	tasks := taskstore.New(substrate, zl)
	logs := auditlog.New(substrate, zl)
	if cfg.Redis.FanOut {
		if err := logs.EnableFanOut(ctx, rdb); err != nil {
			zl.Fatal("enable audit log fan-out", zap.Error(err))
		}
	}

	analyzer, err := analysis.New(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("init threat analysis", zap.Error(err))
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(zl),
		orchestrator.WithDelays(orchestrator.Delays{
			Upload:   cfg.Pipeline.UploadDelay,
			Analysis: cfg.Pipeline.AnalysisDelay,
			Sanitize: cfg.Pipeline.SanitizeDuration,
		}),
		orchestrator.WithContentCache(cfg.Cache.ContentEntries, cfg.Cache.ContentTTL),
	}
	if cfg.Minio.Endpoint != "" {
		archive, err := artifact.NewMinioArchive(ctx, cfg.Minio, zl)
		if err != nil {
			zl.Fatal("init artifact archive", zap.Error(err))
		}
		opts = append(opts, orchestrator.WithArchiver(archive))
	}

	engine := orchestrator.New(tasks, logs, analyzer, worker.DispatcherConfig{
		MinWorkers:  cfg.Worker.MinWorkers,
		MaxWorkers:  cfg.Worker.MaxWorkers,
		IdleTimeout: cfg.Worker.IdleTimeout,
		Logger:      zl,
	}, opts...)
	defer engine.Close()
	if n := engine.RecoverInterrupted(ctx); n > 0 {
		zl.Warn("failed tasks left unfinished by a previous run", zap.Int("count", n))
	}

	guard := auth.NewGuard(cfg.BasicConfig.APIToken)
	handlers := api.NewHandler(engine, logs, guard, cfg.BasicConfig.MaxUploadBytes, zl)

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.BasicConfig.Debug {
		router.Use(gin.Logger())
	}
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	logs.Append(ctx, models.ModuleSystem, models.LevelInfo, "Aegis CDR engine online, listening on "+addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server stopped", zap.Error(err))
		}
	}()
	zl.Info("server started", zap.String("addr", addr), zap.Bool("auth", guard.Enabled()))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}
	zl.Info("server stopped")
}
