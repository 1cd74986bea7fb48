package models

import (
	"time"

	"github.com/google/uuid"
)

// Consent records a participant's agreement to share one source type with one
// study. A consent is satisfied only when the text was accepted, a source is
// linked and that source is active; IsComplete caches that derived state.
type Consent struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	ParticipantID uuid.UUID  `json:"participant_id" gorm:"not null;uniqueIndex:idx_consent_tuple"`
	StudyID       uuid.UUID  `json:"study_id" gorm:"not null;uniqueIndex:idx_consent_tuple"`
	SourceType    string     `json:"source_type" gorm:"not null;uniqueIndex:idx_consent_tuple"`
	DataSourceID  *uuid.UUID `json:"data_source_id,omitempty" gorm:"index"`

	IsOptional          bool       `json:"is_optional" gorm:"default:false"`
	IsComplete          bool       `json:"is_complete" gorm:"default:false"`
	ConsentTextAccepted bool       `json:"consent_text_accepted" gorm:"default:false"`
	ConsentDate         time.Time  `json:"consent_date" gorm:"autoCreateTime"`
	RevocationDate      *time.Time `json:"revocation_date,omitempty"`

	// Relationships
	Participant Profile     `json:"participant,omitempty" gorm:"foreignKey:ParticipantID;references:ID"`
	Study       Study       `json:"study,omitempty" gorm:"foreignKey:StudyID;references:ID"`
	DataSource  *DataSource `json:"data_source,omitempty" gorm:"foreignKey:DataSourceID;references:ID;constraint:OnDelete:SET NULL"`
}

// TableName sets the table name for the Consent model
func (Consent) TableName() string {
	return "consents"
}

// IsRevoked reports whether the consent has been withdrawn.
func (c *Consent) IsRevoked() bool {
	return c.RevocationDate != nil
}

// Satisfied evaluates the consent invariant against the linked source.
// The source must be the record referenced by DataSourceID.
func (c *Consent) Satisfied(source *DataSource) bool {
	if c.IsRevoked() || !c.ConsentTextAccepted {
		return false
	}
	return c.DataSourceID != nil && source != nil && source.IsActive()
}
