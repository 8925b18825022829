package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"domain-limiter/internal/clock"
	"domain-limiter/internal/config"
	"domain-limiter/internal/domain"
	"domain-limiter/internal/handler"
	"domain-limiter/internal/logger"
	"domain-limiter/internal/service"
	"domain-limiter/internal/storage"
)

// configEventLogger é implementado pelo logger estruturado
type configEventLogger interface {
	LogConfigEvent(eventType string, details map[string]interface{})
}

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := configLoader.GetConfig()

	// Inicializar logger
	appLogger := logger.NewLogger(serverConfig.LogLevel, serverConfig.LogFormat)
	logConfig(appLogger, configLoader, cfg)

	appLogger.Info("Starting Domain Rate Limiter", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": serverConfig.LogLevel,
		"port":      serverConfig.ServerPort,
		"use_redis": cfg.UseRedis,
	})

	// Registro de domínios e backend de tokens
	factory := storage.NewStorageFactory()
	realClock := clock.NewReal()
	registry := factory.CreateRegistry(realClock, cfg.DomainIdleTTL, appLogger)

	storageConfig := storage.BuildStorageConfig(cfg.UseRedis, serverConfig.RedisHost, serverConfig.RedisPort, serverConfig.RedisPassword, serverConfig.RedisDB)
	tokenStore, err := factory.CreateTokenStore(storageConfig, appLogger)
	if err != nil {
		// Sem Redis o limiter segue com buckets locais
		appLogger.Error("Failed to create token store, falling back to local buckets", err, nil)
		tokenStore = nil
	}

	opts := []service.Option{service.WithClock(realClock)}
	if tokenStore != nil {
		opts = append(opts, service.WithTokenStore(tokenStore))
	}

	rateLimiterService, err := service.NewRateLimiterService(cfg, registry, appLogger, opts...)
	if err != nil {
		log.Fatalf("Failed to create rate limiter: %v", err)
	}

	// Configurar Gin
	if serverConfig.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	handler.NewHandlers(rateLimiterService, appLogger).SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", serverConfig.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // POST /v1/check com wait pode aguardar a fila
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": serverConfig.ServerPort,
			"addr": server.Addr,
			"endpoints": []string{
				"GET  /health",
				"GET  /metrics",
				"POST /v1/check",
				"POST /v1/report",
				"GET  /v1/domains",
				"GET  /v1/domains/:domain/stats",
				"POST /v1/domains/:domain/queue/process",
				"GET  /admin/config",
				"POST /admin/reset",
			},
		})

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Close rejeita quem ainda espera na fila antes do drain das conexões
		closeErr := rateLimiterService.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return closeErr
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Server stopped with error", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Server stopped gracefully", nil)
}

// logConfig registra os avisos do carregamento e a configuração efetiva
func logConfig(appLogger domain.Logger, loader *config.ConfigLoader, cfg *domain.LimiterConfig) {
	events, ok := appLogger.(configEventLogger)
	if !ok {
		return
	}

	for _, warning := range loader.Warnings() {
		events.LogConfigEvent("warning", map[string]interface{}{
			"message": warning,
		})
	}

	events.LogConfigEvent("loaded", map[string]interface{}{
		"requests_per_second": cfg.RequestsPerSecond,
		"burst_size":          cfg.BurstSize,
		"adaptive_throttling": cfg.AdaptiveThrottling,
		"circuit_threshold":   cfg.CircuitBreakerThreshold,
		"circuit_timeout":     cfg.CircuitBreakerTimeout.String(),
		"domain_overrides":    len(cfg.DomainLimits),
		"user_agents":         len(cfg.UserAgents),
		"queue_high_priority": cfg.QueueHighPriority,
	})
}
