// auditengine runs the AI Visibility Audit engine: the audit queue worker
// pool plus a minimal operational HTTP surface (health, audit status,
// Prometheus metrics).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brandscope/visibility-audit/pkg/aggregate"
	"github.com/brandscope/visibility-audit/pkg/analyzer"
	"github.com/brandscope/visibility-audit/pkg/breaker"
	"github.com/brandscope/visibility-audit/pkg/cache"
	"github.com/brandscope/visibility-audit/pkg/config"
	"github.com/brandscope/visibility-audit/pkg/cost"
	"github.com/brandscope/visibility-audit/pkg/events"
	"github.com/brandscope/visibility-audit/pkg/gateway"
	"github.com/brandscope/visibility-audit/pkg/notify"
	"github.com/brandscope/visibility-audit/pkg/orchestrator"
	"github.com/brandscope/visibility-audit/pkg/providers"
	"github.com/brandscope/visibility-audit/pkg/querygen"
	"github.com/brandscope/visibility-audit/pkg/ratelimit"
	"github.com/brandscope/visibility-audit/pkg/storage"
	"github.com/brandscope/visibility-audit/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("AUDIT_CONFIG", "./deploy/config/audit.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	podID := getEnv("POD_ID", "pod-"+uuid.NewString()[:8])
	log.Printf("Starting audit engine, pod_id=%s", podID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Println("Connected to PostgreSQL, schema initialized")

	// Startup orphan recovery: audits this pod was running when it crashed
	// go back to the queue for resume.
	if err := orchestrator.RequeueStartupOrphans(ctx, store, podID); err != nil {
		log.Fatalf("Failed to requeue startup orphans: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("Redis unreachable at %s, falling back to in-memory cache: %v", cfg.Cache.RedisAddr, err)
			redisClient = nil
		}
	}

	responseCache := cache.New(cfg.Cache, redisClient)
	accountant := cost.New(cfg.Budget, store)
	limiters := ratelimit.NewRegistry(cfg)
	breakers := breaker.NewRegistry(cfg.ErrorHandling)
	metrics := telemetry.New(prometheus.DefaultRegisterer)

	registry, err := providers.BuildRegistry(ctx, cfg.Providers)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}

	gw := gateway.New(registry, accountant, limiters, breakers, responseCache, metrics)

	bus := events.NewBus(redisClient)
	publisher := events.NewPublisher(bus, cfg.Queue.ProgressEmitMinInterval)
	notifier := notify.NewService(cfg.Notify)

	executor := orchestrator.NewExecutor(
		store, gw,
		querygen.NewTemplateGenerator(),
		analyzer.NewRuleBased(),
		aggregate.New(cfg.Aggregation, nil),
		publisher,
		&cfg.Queue,
		orchestrator.WithIncludeSubdomains(cfg.Ranking.IncludeSubdomains),
		orchestrator.WithCacheNamespace(cfg.Cache.Namespace),
	)

	pool := orchestrator.NewWorkerPool(podID, store, &cfg.Queue, executor, publisher, notifier)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	// Daily/monthly cost rollover; Rollover itself is idempotent so an
	// hourly cadence just bounds how late a reset can land.
	go runCostRollover(ctx, accountant)

	// Cache warm-up: issue cache-bypass requests in the background so the
	// first audit of the day doesn't pay full LLM latency for boilerplate
	// queries. The gateway's success path writes the cache entries.
	if cfg.Cache.Enabled && len(cfg.Cache.WarmupQueries) > 0 {
		go func() {
			for _, q := range cfg.Cache.WarmupQueries {
				if ctx.Err() != nil {
					return
				}
				if _, err := gw.Search(ctx, q, gateway.Options{BypassCache: true, Namespace: cfg.Cache.Namespace}); err != nil {
					slog.Warn("Cache warmup query failed", "query", q, "error", err)
				}
			}
			slog.Info("Cache warmup complete", "queries", len(cfg.Cache.WarmupQueries))
		}()
	}

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := pool.Health()
		if err := store.Ping(reqCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error(), "pool": health})
			return
		}
		status := http.StatusOK
		if !health.IsHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "healthy", "pool": health})
	})

	router.GET("/audits/:id", func(c *gin.Context) {
		audit, err := store.GetAudit(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "AUDIT_NOT_FOUND", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":                audit.ID,
			"status":            audit.Status,
			"phase":             audit.Phase,
			"total_queries":     audit.TotalQueries,
			"queries_completed": audit.QueriesCompleted,
			"error":             audit.Error,
			"warning":           audit.Warning,
			"started_at":        audit.StartedAt,
			"completed_at":      audit.CompletedAt,
		})
	})

	router.POST("/audits/:id/cancel", func(c *gin.Context) {
		if pool.CancelAudit(c.Param("id")) {
			c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"code": "AUDIT_NOT_FOUND", "message": "audit not running on this pod"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	pool.Stop()
	slog.Info("Audit engine stopped")
}

// runCostRollover ticks the accountant's period rollover.
func runCostRollover(ctx context.Context, accountant *cost.Accountant) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accountant.Rollover(ctx)
		}
	}
}
