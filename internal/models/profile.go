package models

import (
	"time"

	"github.com/google/uuid"
)

// User types
const (
	UserTypeParticipant = "participant"
	UserTypeResearcher  = "researcher"
)

// Profile represents a platform account, either a study participant or a researcher
type Profile struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Username     string    `json:"username" gorm:"uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	UserType     string    `json:"user_type" gorm:"not null;default:participant"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationships
	DataSources []DataSource `json:"data_sources,omitempty" gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`
	Consents    []Consent    `json:"consents,omitempty" gorm:"foreignKey:ParticipantID;constraint:OnDelete:CASCADE"`
}

// TableName sets the table name for the Profile model
func (Profile) TableName() string {
	return "profiles"
}

// IsResearcher reports whether this profile may query aggregated study data.
func (p *Profile) IsResearcher() bool {
	return p.UserType == UserTypeResearcher
}
