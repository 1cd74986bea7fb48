// Package consent implements the consent state machine: the
// (participant, study, source type) agreement records that gate both source
// creation and data visibility.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrSourceInUse blocks deletion of a source still referenced by a
// non-revoked consent.
var ErrSourceInUse = errors.New("source is still linked to active studies")

// Service orchestrates consents and the sources they drive. Source creation
// is an explicit step of consent creation, not a persistence side effect.
type Service struct {
	db       *gorm.DB
	registry *sources.Registry
}

// NewService creates the service. The registry is attached afterwards via
// SetRegistry because the adapters themselves need this service as their
// consent checker.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// SetRegistry wires the source registry once it has been built.
func (s *Service) SetRegistry(registry *sources.Registry) {
	s.registry = registry
}

// HasActiveConsent reports whether any complete, non-revoked consent
// references the source. Adapters call this before exposing data.
func (s *Service) HasActiveConsent(ctx context.Context, sourceID uuid.UUID) bool {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("data_source_id = ? AND revocation_date IS NULL AND is_complete = ?", sourceID, true).
		Count(&count).Error
	if err != nil {
		return false
	}
	return count > 0
}

// CreateConsent persists the consent tuple, then, for required consents,
// explicitly creates or reuses a source of the requested type and links it.
// Calling it again for the same tuple returns the existing record.
func (s *Service) CreateConsent(ctx context.Context, participantID, studyID uuid.UUID, sourceType string, optional, textAccepted bool) (*models.Consent, error) {
	var existing models.Consent
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND study_id = ? AND source_type = ?", participantID, studyID, sourceType).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up consent: %w", err)
	}

	record := &models.Consent{
		ID:                  uuid.New(),
		ParticipantID:       participantID,
		StudyID:             studyID,
		SourceType:          sourceType,
		IsOptional:          optional,
		ConsentTextAccepted: textAccepted,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create consent: %w", err)
	}

	if !optional {
		source, err := s.CreateOrReuseSource(ctx, participantID, sourceType, "")
		if err != nil {
			return record, err
		}
		if err := s.LinkSource(ctx, record, source); err != nil {
			return record, err
		}
	}
	return record, nil
}

// CreateOrReuseSource prefers the participant's existing source of the type
// over creating a duplicate. New sources of types needing neither setup nor
// confirmation activate immediately.
func (s *Service) CreateOrReuseSource(ctx context.Context, participantID uuid.UUID, sourceType, name string) (*models.DataSource, error) {
	descriptor, err := s.registry.Lookup(sourceType)
	if err != nil {
		return nil, err
	}

	var existing models.DataSource
	err = s.db.WithContext(ctx).
		Where("profile_id = ? AND type = ?", participantID, sourceType).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up sources: %w", err)
	}

	if name == "" {
		name = descriptor.DisplayName + " Source"
	}
	source := models.NewDataSource(sourceType, participantID, name)
	if !descriptor.RequiresSetup && !descriptor.RequiresConfirmation {
		source.Status = models.StatusActive
	}
	if err := s.db.WithContext(ctx).Create(source).Error; err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}
	return source, nil
}

// LinkSource attaches a source to the consent and recomputes completeness.
func (s *Service) LinkSource(ctx context.Context, record *models.Consent, source *models.DataSource) error {
	record.DataSourceID = &source.ID
	record.IsComplete = record.Satisfied(source)
	return s.db.WithContext(ctx).Save(record).Error
}

// RecomputeComplete refreshes the cached is_complete flag from the linked
// source's current status. Called after a source transitions to active.
func (s *Service) RecomputeComplete(ctx context.Context, record *models.Consent) error {
	var source *models.DataSource
	if record.DataSourceID != nil {
		var linked models.DataSource
		if err := s.db.WithContext(ctx).First(&linked, "id = ?", *record.DataSourceID).Error; err == nil {
			source = &linked
		}
	}
	record.IsComplete = record.Satisfied(source)
	return s.db.WithContext(ctx).Save(record).Error
}

// RefreshForSource recomputes completeness for every consent linked to the
// source.
func (s *Service) RefreshForSource(ctx context.Context, source *models.DataSource) error {
	var records []models.Consent
	if err := s.db.WithContext(ctx).Where("data_source_id = ?", source.ID).Find(&records).Error; err != nil {
		return err
	}
	for i := range records {
		records[i].IsComplete = records[i].Satisfied(source)
		if err := s.db.WithContext(ctx).Save(&records[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

// Revoke withdraws a consent. Revocation is soft: the row keeps its history
// under revocation_date and is never hard-deleted while the study
// relationship exists.
func (s *Service) Revoke(ctx context.Context, consentID uuid.UUID) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("id = ? AND revocation_date IS NULL", consentID).
		Updates(map[string]interface{}{"revocation_date": now, "is_complete": false})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("consent %s not found or already revoked", consentID)
	}
	return nil
}

// StudyComplete reports whether every required consent for the participant
// in the study is satisfied or revoked.
func (s *Service) StudyComplete(ctx context.Context, participantID, studyID uuid.UUID) (bool, error) {
	var records []models.Consent
	err := s.db.WithContext(ctx).
		Where("participant_id = ? AND study_id = ? AND is_optional = ?", participantID, studyID, false).
		Find(&records).Error
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.IsRevoked() {
			continue
		}
		if !record.IsComplete {
			return false, nil
		}
	}
	return true, nil
}

// DeleteSource removes a source after verifying no active consent still
// references it. Adapter-specific revocation runs before the row is removed;
// revoked consents are unlinked, not deleted.
func (s *Service) DeleteSource(ctx context.Context, source *models.DataSource) error {
	var active []models.Consent
	err := s.db.WithContext(ctx).Preload("Study").
		Where("data_source_id = ? AND revocation_date IS NULL", source.ID).
		Find(&active).Error
	if err != nil {
		return err
	}
	if len(active) > 0 {
		titles := make([]string, 0, len(active))
		for _, record := range active {
			titles = append(titles, record.Study.Title)
		}
		return fmt.Errorf("%w: %s", ErrSourceInUse, strings.Join(titles, ", "))
	}

	adapter, err := s.registry.AdapterFor(source)
	if err != nil {
		return err
	}
	adapter.RevokeBeforeDelete(ctx, source)

	if err := s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("data_source_id = ?", source.ID).
		Update("data_source_id", nil).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(source).Error
}
