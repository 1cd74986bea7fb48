package sources

import (
	"context"
	"testing"

	"studylink/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func newTestProfileID() uuid.UUID { return uuid.New() }

// allowAllConsent grants every consent check.
type allowAllConsent struct{}

func (allowAllConsent) HasActiveConsent(context.Context, uuid.UUID) bool { return true }

// denyAllConsent denies every consent check.
type denyAllConsent struct{}

func (denyAllConsent) HasActiveConsent(context.Context, uuid.UUID) bool { return false }
