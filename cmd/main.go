package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lessonforge/lessonforge-backend/internal/db"
	"github.com/lessonforge/lessonforge-backend/internal/handlers"
	"github.com/lessonforge/lessonforge-backend/internal/jobs"
	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/server"
	"github.com/lessonforge/lessonforge-backend/internal/services"
	"github.com/lessonforge/lessonforge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	port := utils.GetEnv("PORT", "8080", log)
	modelBaseURL := utils.GetEnv("MODEL_BASE_URL", "https://api.openai.com", log)
	modelAPIKey := utils.GetEnv("MODEL_API_KEY", "", log)
	modelRetries := utils.GetEnvAsInt("MODEL_MAX_RETRIES", 3, log)
	// Must cover the longest stage deadline (gap analysis runs under 120s).
	modelTimeout := utils.GetEnvAsDuration("MODEL_TIMEOUT", 120*time.Second, log)
	pricesPath := utils.GetEnv("MODEL_PRICES_PATH", "", log)
	redisAddr := utils.GetEnv("REDIS_ADDR", "", log)
	redisChannel := utils.GetEnv("REDIS_JOB_CHANNEL", "job_events", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	accountRepo := repos.NewAccountRepo(thePG, log)
	jobRepo := repos.NewGenerationJobRepo(thePG, log)
	logRepo := repos.NewJobLogRepo(thePG, log)
	callRepo := repos.NewModelCallLogRepo(thePG, log)

	// Model backend
	aiClient, err := llm.NewClient(log, llm.Config{
		BaseURL:    modelBaseURL,
		APIKey:     modelAPIKey,
		MaxRetries: modelRetries,
		Timeout:    modelTimeout,
	})
	if err != nil {
		log.Error("Could not init model client", "error", err)
		os.Exit(1)
	}

	// Prices
	prices, err := jobs.LoadPriceTable(pricesPath)
	if err != nil {
		log.Warn("Could not load price table, using defaults", "error", err)
		prices = jobs.DefaultPriceTable()
	}

	// Notifier
	var notifier jobs.JobNotifier = jobs.NopNotifier{}
	if redisAddr != "" {
		notifier, err = jobs.NewRedisNotifier(log, redisAddr, redisChannel)
		if err != nil {
			log.Warn("Redis notifier unavailable, events disabled", "error", err)
			notifier = jobs.NopNotifier{}
		}
	}

	// Orchestrator + services
	log.Info("Setting up Services from main...")
	orch := jobs.NewOrchestrator(thePG, log, jobs.DefaultConfig(), prices, jobRepo, logRepo, callRepo, accountRepo, aiClient, notifier)
	processService := services.NewProcessService(log, thePG, jobRepo, logRepo, orch)

	// Handlers
	jobsHandler := handlers.NewJobsHandler(processService)

	// Router
	router := server.NewRouter(server.RouterConfig{
		JobsHandler: jobsHandler,
	})
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server exited", "error", err)
		os.Exit(1)
	}
}
