package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"cupid-crypto/internal/audit"
	"cupid-crypto/internal/boundary"
	"cupid-crypto/internal/cache"
	"cupid-crypto/internal/config"
	"cupid-crypto/internal/jobs"
	"cupid-crypto/internal/keymanager"
	"cupid-crypto/internal/repository"
	"cupid-crypto/internal/session"
	"cupid-crypto/internal/telemetry"
	"cupid-crypto/internal/trust"
	"cupid-crypto/internal/utils"
	"cupid-crypto/internal/vault"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	telemetry.InitLogger(cfg.Logging.Level, cfg.Logging.Format, "cupid-crypto")
	logger := telemetry.GetLogger()
	logger.Info("starting cupid-crypto")

	shutdown := telemetry.NewShutdownManager(30*time.Second, logger)

	sessionCache := buildSessionCache(cfg, logger)
	registerShutdown(shutdown, telemetry.CacheShutdown("session-cache", sessionCache.Close))

	ctx := context.Background()
	store, err := repository.NewStore(ctx, "postgres", cfg, sessionCache)
	if err != nil {
		logger.Fatal("failed to build protocol store: %v", err)
	}
	registerShutdown(shutdown, telemetry.DatabaseShutdown("protocol-store", store.Close))

	v, err := vault.New(cfg.Vault)
	if err != nil {
		logger.Fatal("failed to build key vault: %v", err)
	}

	keys := keymanager.New(store, v, cfg.Keys)
	auditSink := audit.New(store, 256)
	registerShutdown(shutdown, telemetry.AuditSinkShutdown("audit-sink", auditSink.Close))

	trustLedger := trust.New(store, auditSink)
	sessions := session.New(store, v, trustLedger, auditSink, session.PolicyStrict)
	jwtSvc := utils.NewJWTService(cfg.JWT.Secret)

	scheduler := jobs.NewJobScheduler()
	jobs.NewJobFactory(store, keys, cfg.Sched, cfg.Store).RegisterCommonJobs(scheduler)
	scheduler.Start()
	registerShutdown(shutdown, telemetry.SchedulerShutdown("job-scheduler", scheduler.Stop))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.GetCORSOrigins(),
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	boundary.New(keys, sessions, trustLedger, jwtSvc).SetupRoutes(api)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	registerShutdown(shutdown, telemetry.HTTPServerShutdown("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}))

	go func() {
		logger.Info("listening on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed: %v", err)
		}
	}()

	<-shutdown.ListenForShutdown()
	if err := shutdown.Shutdown(); err != nil {
		logger.Error("shutdown completed with errors: %v", err)
	}
}

func registerShutdown(sm *telemetry.ShutdownManager, cb telemetry.ShutdownCallback) {
	sm.Register(cb.Name, cb.Priority, cb.Fn)
}

func buildSessionCache(cfg *config.Config, logger *telemetry.Logger) cache.SessionCache {
	provider, err := cache.NewRedisProvider(&cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("redis cache unavailable, falling back to in-memory cache: %v", err)
		return cache.NewMemoryProvider()
	}
	return provider
}
