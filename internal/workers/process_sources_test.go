package workers

import (
	"context"
	"testing"
	"time"

	"studylink/internal/consent"
	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// advancingAdapter flips its sources to active on the first Process call.
type advancingAdapter struct {
	sources.UnimplementedAdapter
	db        *gorm.DB
	processed int
}

func (a *advancingAdapter) Process(ctx context.Context, source *models.DataSource) (bool, string) {
	a.processed++
	source.Status = models.StatusActive
	a.db.WithContext(ctx).Save(source)
	return true, "activated"
}

// panickingAdapter simulates a broken variant.
type panickingAdapter struct {
	sources.UnimplementedAdapter
}

func (panickingAdapter) Process(context.Context, *models.DataSource) (bool, string) {
	panic("boom")
}

func setupProcessorTest(t *testing.T) (*gorm.DB, *sources.Registry, *consent.Service) {
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

	registry := sources.NewRegistry()
	consents := consent.NewService(db)
	consents.SetRegistry(registry)
	return db, registry, consents
}

func TestSweepAdvancesPendingSources(t *testing.T) {
	db, registry, consents := setupProcessorTest(t)
	adapter := &advancingAdapter{db: db}
	registry.Register(&sources.Descriptor{Type: sources.TypeMobileSensing, Adapter: adapter})

	pending := models.NewDataSource(sources.TypeMobileSensing, uuid.New(), "Phone")
	require.NoError(t, db.Create(pending).Error)
	active := models.NewDataSource(sources.TypeMobileSensing, uuid.New(), "Done Phone")
	active.Status = models.StatusActive
	require.NoError(t, db.Create(active).Error)

	processor := NewSourcesProcessor(db, registry, consents, time.Minute)
	require.NoError(t, processor.Sweep(context.Background()))

	assert.Equal(t, 1, adapter.processed, "active sources are not reprocessed")

	var stored models.DataSource
	require.NoError(t, db.First(&stored, "id = ?", pending.ID).Error)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestSweepRefreshesConsentsAfterActivation(t *testing.T) {
	db, registry, consents := setupProcessorTest(t)
	adapter := &advancingAdapter{db: db}
	registry.Register(&sources.Descriptor{Type: sources.TypeMobileSensing, Adapter: adapter})

	source := models.NewDataSource(sources.TypeMobileSensing, uuid.New(), "Phone")
	require.NoError(t, db.Create(source).Error)
	record := models.Consent{
		ID:                  uuid.New(),
		ParticipantID:       source.ProfileID,
		StudyID:             uuid.New(),
		SourceType:          sources.TypeMobileSensing,
		DataSourceID:        &source.ID,
		ConsentTextAccepted: true,
	}
	require.NoError(t, db.Create(&record).Error)

	processor := NewSourcesProcessor(db, registry, consents, time.Minute)
	require.NoError(t, processor.Sweep(context.Background()))

	var stored models.Consent
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	assert.True(t, stored.IsComplete, "consent completeness follows source activation")
}

func TestSweepContainsPanics(t *testing.T) {
	db, registry, consents := setupProcessorTest(t)
	registry.Register(&sources.Descriptor{Type: sources.TypeGooglePortability, Adapter: panickingAdapter{}})
	adapter := &advancingAdapter{db: db}
	registry.Register(&sources.Descriptor{Type: sources.TypeMobileSensing, Adapter: adapter})

	// The broken source sorts first so the healthy one proves the sweep
	// survived the panic.
	broken := models.NewDataSource(sources.TypeGooglePortability, uuid.New(), "Broken")
	require.NoError(t, db.Create(broken).Error)
	healthy := models.NewDataSource(sources.TypeMobileSensing, uuid.New(), "Phone")
	require.NoError(t, db.Create(healthy).Error)

	processor := NewSourcesProcessor(db, registry, consents, time.Minute)
	require.NoError(t, processor.Sweep(context.Background()))
	assert.Equal(t, 1, adapter.processed)
}

func TestSweepSkipsUnregisteredTypes(t *testing.T) {
	db, registry, consents := setupProcessorTest(t)

	orphan := models.NewDataSource("retired_type", uuid.New(), "Legacy")
	require.NoError(t, db.Create(orphan).Error)

	processor := NewSourcesProcessor(db, registry, consents, time.Minute)
	assert.NoError(t, processor.Sweep(context.Background()))
}
