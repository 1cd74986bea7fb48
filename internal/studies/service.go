package studies

import (
	"context"
	"fmt"

	"studylink/internal/consent"
	"studylink/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service handles study membership.
type Service struct {
	db       *gorm.DB
	consents *consent.Service
}

// NewService creates the service.
func NewService(db *gorm.DB, consents *consent.Service) *Service {
	return &Service{db: db, consents: consents}
}

// JoinStudy enrolls a participant: one required consent per required source
// type (which creates or reuses the matching source) and one optional
// consent per optional type. Returns the consents still waiting on a source
// setup or confirmation step.
func (s *Service) JoinStudy(ctx context.Context, participantID, studyID uuid.UUID, textAccepted bool) ([]models.Consent, error) {
	var study models.Study
	if err := s.db.WithContext(ctx).First(&study, "id = ?", studyID).Error; err != nil {
		return nil, fmt.Errorf("study not found: %w", err)
	}

	var pending []models.Consent
	for _, sourceType := range study.RequiredSourceTypes {
		record, err := s.consents.CreateConsent(ctx, participantID, studyID, sourceType, false, textAccepted)
		if err != nil {
			return pending, err
		}
		if !record.IsComplete {
			pending = append(pending, *record)
		}
	}
	for _, sourceType := range study.OptionalSourceTypes {
		if _, err := s.consents.CreateConsent(ctx, participantID, studyID, sourceType, true, textAccepted); err != nil {
			return pending, err
		}
	}
	return pending, nil
}

// ActiveStudiesForParticipant returns the studies the participant holds any
// complete, non-revoked consent for. The device config endpoint merges their
// content fragments.
func (s *Service) ActiveStudiesForParticipant(ctx context.Context, participantID uuid.UUID) ([]models.Study, error) {
	var studyIDs []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("participant_id = ? AND revocation_date IS NULL AND is_complete = ?", participantID, true).
		Distinct().Pluck("study_id", &studyIDs).Error
	if err != nil {
		return nil, err
	}
	if len(studyIDs) == 0 {
		return nil, nil
	}

	var result []models.Study
	if err := s.db.WithContext(ctx).Where("id IN ?", studyIDs).Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
