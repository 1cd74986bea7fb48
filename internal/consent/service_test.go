package consent

import (
	"context"
	"testing"

	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type noopAdapter struct {
	sources.UnimplementedAdapter
	revoked int
}

func (a *noopAdapter) RevokeBeforeDelete(context.Context, *models.DataSource) { a.revoked++ }

func setupTest(t *testing.T) (*gorm.DB, *Service, *noopAdapter) {
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

	adapter := &noopAdapter{}
	registry := sources.NewRegistry()
	registry.Register(&sources.Descriptor{
		Type:        sources.TypeURLJSON,
		DisplayName: "URL JSON",
		Adapter:     adapter,
	})
	registry.Register(&sources.Descriptor{
		Type:                 sources.TypeMobileSensing,
		DisplayName:          "Mobile Sensing",
		RequiresSetup:        true,
		RequiresConfirmation: true,
		Adapter:              adapter,
	})

	service := NewService(db)
	service.SetRegistry(registry)
	return db, service, adapter
}

func createParticipantAndStudy(t *testing.T, db *gorm.DB) (uuid.UUID, uuid.UUID) {
	t.Helper()
	profile := models.Profile{ID: uuid.New(), Username: "p-" + uuid.NewString(), UserType: models.UserTypeParticipant}
	require.NoError(t, db.Create(&profile).Error)
	study := models.Study{ID: uuid.New(), Title: "Sleep Study"}
	require.NoError(t, db.Create(&study).Error)
	return profile.ID, study.ID
}

func TestCreateConsentCreatesAndLinksSource(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	require.NotNil(t, record.DataSourceID)

	// url_json needs neither setup nor confirmation, so the new source is
	// active and the consent complete immediately.
	var source models.DataSource
	require.NoError(t, db.First(&source, "id = ?", *record.DataSourceID).Error)
	assert.Equal(t, models.StatusActive, source.Status)
	assert.Equal(t, "URL JSON Source", source.Name)
	assert.True(t, record.IsComplete)
}

func TestCreateConsentIsIdempotentPerTuple(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	first, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	second, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	db.Model(&models.Consent{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestCreateConsentReusesExistingSource(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)
	_, otherStudyID := createParticipantAndStudy(t, db)

	first, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	second, err := service.CreateConsent(context.Background(), participantID, otherStudyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)

	// One source serves both studies.
	assert.Equal(t, *first.DataSourceID, *second.DataSourceID)
	var count int64
	db.Model(&models.DataSource{}).Where("profile_id = ?", participantID).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestConsentIncompleteUntilSourceActive(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeMobileSensing, false, true)
	require.NoError(t, err)
	require.NotNil(t, record.DataSourceID)
	assert.False(t, record.IsComplete, "sensing source starts pending")

	var source models.DataSource
	require.NoError(t, db.First(&source, "id = ?", *record.DataSourceID).Error)
	source.Status = models.StatusActive
	require.NoError(t, db.Save(&source).Error)

	require.NoError(t, service.RefreshForSource(context.Background(), &source))
	require.NoError(t, db.First(record, "id = ?", record.ID).Error)
	assert.True(t, record.IsComplete)
}

func TestConsentWithoutTextNeverComplete(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, false)
	require.NoError(t, err)
	assert.False(t, record.IsComplete)

	var source models.DataSource
	require.NoError(t, db.First(&source, "id = ?", *record.DataSourceID).Error)
	assert.True(t, source.IsActive(), "source active yet consent unsatisfied without accepted text")
}

func TestHasActiveConsent(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	sourceID := *record.DataSourceID
	assert.True(t, service.HasActiveConsent(context.Background(), sourceID))

	require.NoError(t, service.Revoke(context.Background(), record.ID))
	assert.False(t, service.HasActiveConsent(context.Background(), sourceID))
}

func TestRevokeIsSoftAndSingleShot(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)

	require.NoError(t, service.Revoke(context.Background(), record.ID))

	// The row survives with its history.
	var stored models.Consent
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	assert.True(t, stored.IsRevoked())
	assert.False(t, stored.IsComplete)

	// Revoking again is an error, not a silent success.
	assert.Error(t, service.Revoke(context.Background(), record.ID))
}

func TestStudyCompleteIgnoresOptionalAndRevoked(t *testing.T) {
	db, service, _ := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	required, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	_, err = service.CreateConsent(context.Background(), participantID, studyID, sources.TypeMobileSensing, true, true)
	require.NoError(t, err)

	complete, err := service.StudyComplete(context.Background(), participantID, studyID)
	require.NoError(t, err)
	assert.True(t, complete, "pending optional consent does not block completeness")

	require.NoError(t, service.Revoke(context.Background(), required.ID))
	complete, err = service.StudyComplete(context.Background(), participantID, studyID)
	require.NoError(t, err)
	assert.True(t, complete, "revoked required consent no longer counts against completeness")
}

func TestDeleteSourceGuardedByActiveConsents(t *testing.T) {
	db, service, adapter := setupTest(t)
	participantID, studyID := createParticipantAndStudy(t, db)

	record, err := service.CreateConsent(context.Background(), participantID, studyID, sources.TypeURLJSON, false, true)
	require.NoError(t, err)
	var source models.DataSource
	require.NoError(t, db.First(&source, "id = ?", *record.DataSourceID).Error)

	err = service.DeleteSource(context.Background(), &source)
	require.ErrorIs(t, err, ErrSourceInUse)
	assert.Contains(t, err.Error(), "Sleep Study")
	assert.Zero(t, adapter.revoked)

	require.NoError(t, service.Revoke(context.Background(), record.ID))
	require.NoError(t, service.DeleteSource(context.Background(), &source))
	assert.Equal(t, 1, adapter.revoked)

	// The revoked consent keeps its row, unlinked from the deleted source.
	var stored models.Consent
	require.NoError(t, db.First(&stored, "id = ?", record.ID).Error)
	assert.Nil(t, stored.DataSourceID)
}
