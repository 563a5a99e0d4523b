package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/cmd/upload-gateway/middleware"
	"github.com/chunkvault/chunkvault/internal/chunkstore"
	"github.com/chunkvault/chunkvault/internal/common"
	"github.com/chunkvault/chunkvault/internal/content"
	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/quota"
	"github.com/chunkvault/chunkvault/internal/storage"
	"github.com/chunkvault/chunkvault/internal/upload"
	"github.com/chunkvault/chunkvault/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting ChunkVault upload gateway")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize cache
	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	// Initialize services
	chunkStore, err := chunkstore.NewStore(cfg.Storage.StagingPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chunk staging store")
	}
	quotaService := quota.NewService(db, cfg.Upload.DefaultQuota)
	contentService := content.NewService(db, blobStorage)
	registry := upload.NewRegistry(db)
	engine := upload.NewEngine(registry, chunkStore, locks.NewManager(), quotaService, contentService, cache, cfg.Upload)

	// Start the expiry sweeper
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := upload.NewSweeper(engine, cfg.Upload.SweepInterval)
	go sweeper.Run(sweeperCtx)

	// Setup HTTP server
	router := setupRouter(engine, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stopSweeper()

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

func setupRouter(engine *upload.Engine, cfg *config.Config) *gin.Engine {
	// Set Gin mode based on log level
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chunkvault-upload-gateway",
			"time":    time.Now().UTC(),
		})
	})

	// API routes
	api := router.Group("/api/v1")
	{
		sessions := api.Group("/upload-sessions")
		sessions.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
		{
			sessions.POST("", handleStartSession(engine))
			sessions.PUT("/:clientId/chunks/:index", handleUploadChunk(engine))
			sessions.POST("/:clientId/pause", handlePauseSession(engine))
			sessions.POST("/:clientId/resume", handleResumeSession(engine))
			sessions.POST("/:clientId/complete", handleCompleteSession(engine))
			sessions.DELETE("/:clientId", handleCancelSession(engine))
			sessions.GET("/:clientId", handleSessionStatus(engine))
			sessions.GET("/:clientId/progress", handleSessionProgress(engine))
		}
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
