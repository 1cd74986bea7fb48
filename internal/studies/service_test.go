package studies

import (
	"context"
	"testing"

	"studylink/internal/consent"
	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type inertAdapter struct{ sources.UnimplementedAdapter }

func setupStudyTest(t *testing.T) (*gorm.DB, *Service) {
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
	registry.Register(&sources.Descriptor{
		Type:        sources.TypeURLJSON,
		DisplayName: "URL JSON",
		Adapter:     &inertAdapter{},
	})
	registry.Register(&sources.Descriptor{
		Type:                 sources.TypeMobileSensing,
		DisplayName:          "Mobile Sensing",
		RequiresSetup:        true,
		RequiresConfirmation: true,
		Adapter:              &inertAdapter{},
	})

	consents := consent.NewService(db)
	consents.SetRegistry(registry)
	return db, NewService(db, consents)
}

func TestJoinStudyCreatesConsentsPerSourceType(t *testing.T) {
	db, service := setupStudyTest(t)

	participantID := uuid.New()
	study := models.Study{
		ID:                  uuid.New(),
		Title:               "Screens Study",
		RequiredSourceTypes: datatypes.NewJSONSlice([]string{sources.TypeURLJSON, sources.TypeMobileSensing}),
		OptionalSourceTypes: datatypes.NewJSONSlice([]string{sources.TypeGooglePortability}),
	}
	require.NoError(t, db.Create(&study).Error)

	pending, err := service.JoinStudy(context.Background(), participantID, study.ID, true)
	require.NoError(t, err)

	// The url_json consent completes instantly; the sensing one waits on
	// device confirmation.
	require.Len(t, pending, 1)
	assert.Equal(t, sources.TypeMobileSensing, pending[0].SourceType)

	var total int64
	db.Model(&models.Consent{}).Where("participant_id = ?", participantID).Count(&total)
	assert.EqualValues(t, 3, total)

	// Optional consents create no source until the participant opts in.
	var optional models.Consent
	require.NoError(t, db.Where("participant_id = ? AND source_type = ?", participantID, sources.TypeGooglePortability).First(&optional).Error)
	assert.True(t, optional.IsOptional)
	assert.Nil(t, optional.DataSourceID)
}

func TestJoinStudyUnknownStudy(t *testing.T) {
	_, service := setupStudyTest(t)
	_, err := service.JoinStudy(context.Background(), uuid.New(), uuid.New(), true)
	assert.Error(t, err)
}

func TestJoinStudyTwiceIsIdempotent(t *testing.T) {
	db, service := setupStudyTest(t)

	participantID := uuid.New()
	study := models.Study{
		ID:                  uuid.New(),
		Title:               "Screens Study",
		RequiredSourceTypes: datatypes.NewJSONSlice([]string{sources.TypeURLJSON}),
	}
	require.NoError(t, db.Create(&study).Error)

	_, err := service.JoinStudy(context.Background(), participantID, study.ID, true)
	require.NoError(t, err)
	_, err = service.JoinStudy(context.Background(), participantID, study.ID, true)
	require.NoError(t, err)

	var total int64
	db.Model(&models.Consent{}).Where("participant_id = ?", participantID).Count(&total)
	assert.EqualValues(t, 1, total)
}

func TestActiveStudiesForParticipant(t *testing.T) {
	db, service := setupStudyTest(t)

	participantID := uuid.New()
	joined := models.Study{ID: uuid.New(), Title: "Joined", RequiredSourceTypes: datatypes.NewJSONSlice([]string{sources.TypeURLJSON})}
	other := models.Study{ID: uuid.New(), Title: "Other"}
	require.NoError(t, db.Create(&joined).Error)
	require.NoError(t, db.Create(&other).Error)

	_, err := service.JoinStudy(context.Background(), participantID, joined.ID, true)
	require.NoError(t, err)

	active, err := service.ActiveStudiesForParticipant(context.Background(), participantID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Joined", active[0].Title)
}
