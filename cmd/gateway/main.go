package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/handler"
	"llm-tunnel/internal/logger"
	"llm-tunnel/internal/middleware"
	"llm-tunnel/internal/ratelimit"
	"llm-tunnel/internal/storage"
	"llm-tunnel/internal/tunnel"
)

func main() {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting LLM Tunnel Gateway", map[string]interface{}{
		"log_level": cfg.LogLevel,
		"port":      cfg.ServerPort,
		"storage":   cfg.StorageDriver,
	})

	store, err := storage.NewStateStore(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize state store", err, nil)
		os.Exit(1)
	}
	defer store.Close()

	violations := ratelimit.NewViolationRing(0)
	userLimiter := ratelimit.NewUserLimiter(cfg, store, violations, appLogger)
	defer userLimiter.Stop()
	addressLimiter := ratelimit.NewAddressLimiter(cfg, store, violations, appLogger)
	defer addressLimiter.Stop()

	verifier := middleware.NewJWTVerifier(cfg.JWTSecret)
	admission := middleware.NewAdmissionMiddleware(userLimiter, addressLimiter, verifier, appLogger, cfg.SkipFailedRequests)

	hub := tunnel.NewHub(appLogger)
	defer hub.CloseAll()

	settings := tunnel.Settings{
		KeepaliveInterval: cfg.KeepaliveInterval,
		PongTimeout:       cfg.PongTimeout,
		StreamEndGrace:    cfg.StreamEndGrace,
		MaxDecodeErrors:   cfg.MaxDecodeErrors,
	}
	handlers := handler.NewHandlers(userLimiter, addressLimiter, hub, settings, appLogger)

	if cfg.GinMode == "release" {
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

	handlers.SetupRoutes(router, admission)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Streaming responses and tunnel upgrades hold the connection
		// open; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"addr": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("LLM Tunnel Gateway is running", map[string]interface{}{
		"port": cfg.ServerPort,
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"POST /v1/chat/completions (rate limited)",
			"GET  /tunnel              (rate limited, websocket)",
			"GET  /admin/stats",
		},
	})

	<-quit
	appLogger.Info("Shutting down server...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Server stopped gracefully", nil)
}
