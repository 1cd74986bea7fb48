package main

import (
	"context"
	"flag"
	"log"

	"studylink/internal/consent"
	"studylink/internal/database"
	"studylink/internal/models"
	"studylink/internal/sensing"
	"studylink/internal/sources"
	"studylink/internal/workers"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// One-shot version of the background sweep, for cron-driven deployments and
// for advancing a single stuck source by hand.
func main() {
	sourceID := flag.String("source", "", "Source ID to process (optional, sweeps all pending sources if not specified)")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	if err := database.Connect(database.LoadConfig()); err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	var backend sources.Backend
	sensingConn, err := sensing.Connect(sensing.LoadConfig())
	if err != nil {
		log.Printf("WARNING: sensing backend unavailable: %v", err)
	} else {
		backend = sensingConn
	}

	consents := consent.NewService(database.DB)
	registry := sources.BuildRegistry(database.DB, consents, backend)
	consents.SetRegistry(registry)

	ctx := context.Background()

	if *sourceID != "" {
		processSingle(ctx, registry, consents, *sourceID)
		return
	}

	processor := workers.NewSourcesProcessor(database.DB, registry, consents, 0)
	if err := processor.Sweep(ctx); err != nil {
		log.Fatal("Sweep failed:", err)
	}
	log.Println("✅ Sweep completed")
}

func processSingle(ctx context.Context, registry *sources.Registry, consents *consent.Service, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		log.Fatalf("Invalid source ID %q: %v", rawID, err)
	}

	var source models.DataSource
	if err := database.DB.First(&source, "id = ?", id).Error; err != nil {
		log.Fatalf("Source %s not found: %v", id, err)
	}

	adapter, err := registry.AdapterFor(&source)
	if err != nil {
		log.Fatal(err)
	}

	done, message := adapter.Process(ctx, &source)
	if message != "" {
		log.Printf("Source %s: %s", source.ID, message)
	}
	if done {
		if err := consents.RefreshForSource(ctx, &source); err != nil {
			log.Printf("Failed to refresh consents: %v", err)
		}
		log.Println("✅ Source processed")
	} else {
		log.Println("⏳ Source still pending, run again later")
	}
}
