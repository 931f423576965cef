package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scan-service/aiexport"
	"scan-service/config"
	"scan-service/database"
	"scan-service/handlers"
	"scan-service/middleware"
	"scan-service/notify"
	"scan-service/scanner"
	"scan-service/version"
	"scan-service/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Create database connection and ensure schema
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to create database connection:", err)
	}
	defer db.Close()

	// Wire services
	campaigns := database.NewCampaignService(db, cfg.ReserveMaxAttempts)
	scans := database.NewScanService(db, campaigns)
	notifications := database.NewNotificationService(db)
	batches := database.NewBatchService(db, notifications)
	ai := aiexport.NewService(db, campaigns)
	engine := scanner.NewClient(cfg.ScannerURL, cfg.ScannerTimeout)

	// Initialize RabbitMQ publisher for completion events
	var publisher *notify.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = notify.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			log.Printf("Warning: Failed to initialize RabbitMQ publisher: %v", err)
			log.Printf("Completion events will not be published. Continuing without RabbitMQ...")
			publisher = nil
		}
	}

	// Start background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := worker.NewProcessor(cfg, scans, batches, campaigns, notifications, engine)
	go processor.Run(ctx)

	dispatcher := notify.NewDispatcher(cfg, notifications, scans, batches, notify.NewEmailSender(cfg), publisher)
	go dispatcher.Run(ctx)

	// Setup HTTP server
	h := handlers.NewHandlers(cfg, campaigns, scans, batches, ai)
	router := setupRouter(cfg, h)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Printf("Failed to close RabbitMQ publisher: %v", err)
		}
	}

	log.Println("Server exited")
}

func setupRouter(cfg *config.Config, h *handlers.Handlers) *gin.Engine {
	router := gin.Default()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Printf("Warning: failed to set trusted proxies: %v", err)
	}

	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeaders())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "scan-service"})
	})

	api := router.Group("/api/v1")
	{
		api.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, version.Get("scan-service"))
		})

		api.POST("/scans", h.CreateScan)
		api.GET("/scans/:id", h.GetScan)
		api.POST("/batches", h.CreateBatch)
		api.GET("/batches/:id", h.GetBatch)
		api.GET("/queue/stats", h.GetQueueStats)

		admin := api.Group("")
		admin.Use(middleware.AdminAuth(cfg.AdminAPIToken))
		{
			admin.POST("/scans/:id/retry", h.RetryScan)
			admin.POST("/batches/:id/cancel", h.CancelBatch)

			admin.POST("/campaigns", h.CreateCampaign)
			admin.GET("/campaigns", h.ListCampaigns)
			admin.GET("/campaigns/active", h.GetActiveCampaign)
			admin.GET("/campaigns/:id/metrics", h.GetCampaignMetrics)
			admin.POST("/campaigns/:id/pause", h.PauseCampaign)
			admin.POST("/campaigns/:id/resume", h.ResumeCampaign)
			admin.POST("/campaigns/:id/end", h.EndCampaign)

			admin.GET("/ai/export", h.ExportAIScans)
			admin.POST("/ai/import", h.ImportAIScans)
		}
	}

	return router
}
