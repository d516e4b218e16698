package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/modhub/backend/internal/config"
	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/handlers"
	"github.com/modhub/backend/internal/middleware"
	"github.com/modhub/backend/internal/models"
	"github.com/modhub/backend/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Wire the download accounting engine
	limits := services.QuotaLimits{
		DailyAnonymous:    cfg.QuotaDailyAnonymous,
		DailyRegistered:   cfg.QuotaDailyRegistered,
		DailyPremium:      cfg.QuotaDailyPremium,
		WeeklyMultiplier:  cfg.QuotaWeeklyMultiplier,
		MonthlyMultiplier: cfg.QuotaMonthlyMultiplier,
	}
	evaluator := services.NewQuotaEvaluator(database.DB, limits, cfg.QuotaStoreTimeout)
	dedup := services.NewDedupTracker(database.DB, database.Redis, cfg.DedupWindow)
	recorder := services.NewDownloadRecorder(database.DB, database.Redis, evaluator, dedup, cfg.QuotaScopes, cfg.QuotaFailOpen)
	stats := services.NewDownloadStats(database.DB)

	// Start event-log retention cleanup
	retention := services.NewRetentionCleanupService(database.DB, cfg.EventRetentionDays)
	retention.Start()
	defer retention.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "ModHub API v1.0",
		ServerHeader: "ModHub",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "modhub-api",
		})
	})

	// Initialize handlers
	modHandler := handlers.NewModHandler()
	downloadHandler := handlers.NewDownloadHandler(recorder)
	statsHandler := handlers.NewStatsHandler(stats)

	// API routes
	api := app.Group("/api")

	// Apply rate limiting to API routes (100 requests per minute)
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Mod catalog (read-only resolution surface)
	mods := api.Group("/mods")
	mods.Get("/", modHandler.List)
	mods.Get("/:id", modHandler.Get)

	// Download path (auth optional: anonymous callers fall back to IP quota)
	download := api.Group("", middleware.OptionalAuth(cfg))
	download.Post("/mods/:id/versions/:version/download", downloadHandler.Download)
	download.Get("/quota", downloadHandler.QuotaStatus)

	// Statistics and reporting
	mods.Get("/:id/stats", statsHandler.GetModStats)
	mods.Get("/:id/stats/versions", statsHandler.GetVersionStats)
	mods.Get("/:id/stats/daily", statsHandler.GetDailyStats)
	api.Get("/reports/downloads/export", statsHandler.ExportDownloadsReport)

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		retention.Stop()
		_ = app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting ModHub API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
