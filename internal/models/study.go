package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Study represents a research study participants can join. Consent text,
// front pages and per-study source configuration live in an external
// repository reachable under the content base URL.
type Study struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Title       string    `json:"title" gorm:"not null"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Source type tags required from, or offered to, every participant.
	RequiredSourceTypes datatypes.JSONSlice[string] `json:"required_source_types"`
	OptionalSourceTypes datatypes.JSONSlice[string] `json:"optional_source_types"`

	// ConfigURL points at the repository hosting the study's content.
	ConfigURL string `json:"config_url"`

	// SourceConfigurations maps a source type tag to its configuration
	// filename within the content repository.
	SourceConfigurations datatypes.JSONMap `json:"source_configurations"`

	// Relationships
	Consents []Consent `json:"consents,omitempty" gorm:"foreignKey:StudyID"`
}

// TableName sets the table name for the Study model
func (Study) TableName() string {
	return "studies"
}

// RawContentBaseURL converts a repository URL to its raw content base URL for
// known hosting services. Raw URLs pass through unchanged.
func (s *Study) RawContentBaseURL() string {
	if s.ConfigURL == "" {
		return ""
	}
	if strings.Contains(s.ConfigURL, "github.com") {
		return strings.Replace(s.ConfigURL, "github.com", "raw.githubusercontent.com", 1) + "/main"
	}
	if strings.Contains(s.ConfigURL, "gitlab.com") {
		return s.ConfigURL + "/-/raw/main"
	}
	return strings.TrimSuffix(s.ConfigURL, "/")
}

// ConfigFilename returns the configuration filename for a source type, or the
// provided default when the study doesn't override it.
func (s *Study) ConfigFilename(sourceType, fallback string) string {
	if name, ok := s.SourceConfigurations[sourceType].(string); ok && name != "" {
		return name
	}
	return fallback
}
