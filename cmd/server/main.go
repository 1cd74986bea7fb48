package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studylink/internal/aggregate"
	"studylink/internal/auth"
	"studylink/internal/consent"
	"studylink/internal/database"
	"studylink/internal/handlers"
	"studylink/internal/sensing"
	"studylink/internal/sources"
	"studylink/internal/studies"
	"studylink/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Connect to the application database
	if err := database.Connect(database.LoadConfig()); err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Connect to the read-only sensing backend. The server still serves
	// everything else when the backend is down; sensing sources fail closed.
	var backend sources.Backend
	sensingConn, err := sensing.Connect(sensing.LoadConfig())
	if err != nil {
		log.Printf("WARNING: sensing backend unavailable: %v", err)
	} else {
		backend = sensingConn
	}

	// Wire the consent service and the source registry. The registry's
	// adapters use the consent service as their gate, so it is attached
	// after construction.
	consents := consent.NewService(database.DB)
	registry := sources.BuildRegistry(database.DB, consents, backend)
	consents.SetRegistry(registry)

	// Start background workers
	workerService := worker.NewService(database.DB, registry, consents, processInterval())
	if err := workerService.Start(); err != nil {
		log.Fatal("Failed to start background workers:", err)
	}

	setupGracefulShutdown(workerService)
	setupServer(registry, consents)
}

func processInterval() time.Duration {
	if raw := os.Getenv("PROCESS_INTERVAL"); raw != "" {
		if interval, err := time.ParseDuration(raw); err == nil {
			return interval
		}
		log.Printf("Invalid PROCESS_INTERVAL %q, using default", raw)
	}
	return 5 * time.Minute
}

func setupGracefulShutdown(workerService *worker.Service) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Received shutdown signal, gracefully shutting down...")
		workerService.Stop()
		database.Close()
		log.Println("Shutdown complete")
		os.Exit(0)
	}()
}

func setupServer(registry *sources.Registry, consents *consent.Service) {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	tokens := auth.NewTokenService("")
	content := studies.NewContentService(nil)
	studyService := studies.NewService(database.DB, consents)
	engine := aggregate.NewEngine(database.DB, registry)

	authHandler := handlers.NewAuthHandler(database.DB, tokens)
	sourcesHandler := handlers.NewSourcesHandler(database.DB, registry, consents)
	oauthHandler := handlers.NewOAuthHandler(database.DB, registry)
	configHandler := handlers.NewDeviceConfigHandler(database.DB, content, studyService)
	studiesHandler := handlers.NewStudiesHandler(database.DB, studyService, content, consents, engine)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Unauthenticated: account endpoints, the OAuth callback (the provider
	// redirects the browser here) and the token-scoped device config.
	r.POST("/api/auth/register", authHandler.Register)
	r.POST("/api/auth/login", authHandler.Login)
	r.GET("/api/auth/callback", oauthHandler.AuthCallback)
	r.GET("/api/device/:token/config", configHandler.GetDeviceConfig)

	api := r.Group("/api", tokens.Middleware(database.DB))
	{
		api.POST("/sources/:type", sourcesHandler.CreateSource)
		api.DELETE("/sources/:id", sourcesHandler.DeleteSource)
		api.GET("/sources/:id/data", sourcesHandler.GetSourceData)
		api.POST("/sources/:id/confirm", sourcesHandler.ConfirmSource)
		api.GET("/sources/:id/setup", sourcesHandler.SetupSource)
		api.GET("/auth/start/:id", oauthHandler.StartAuth)

		api.POST("/studies/:id/join", studiesHandler.JoinStudy)
		api.GET("/studies/:id/page", studiesHandler.StudyPage)
		api.GET("/studies/:id/consent/:type", studiesHandler.ConsentText)
		api.POST("/consents/:id/revoke", studiesHandler.RevokeConsent)
		api.GET("/me/data", studiesHandler.ParticipantData)

		api.GET("/studies/:id/data", auth.RequireResearcher(), studiesHandler.StudyData)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Starting server on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
