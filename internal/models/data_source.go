package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DataSource lifecycle statuses. Active is terminal; pending and processing
// are transient.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusActive     = "active"
)

// Processing sub-statuses for portability sources.
const (
	ProcessingAuthorized    = "authorized"
	ProcessingDataRequested = "data_requested"
	ProcessingInProgress    = "processing"
	ProcessingProcessed     = "processed"
	ProcessingError         = "error"
)

// DataSource is the polymorphic entity representing one linked data source.
// All variants share a single table; Type is the discriminator and the
// variant-specific columns are nullable for the variants that don't use them.
type DataSource struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Type      string    `json:"type" gorm:"not null;index"`
	ProfileID uuid.UUID `json:"profile_id" gorm:"not null;index"`
	Name      string    `json:"name" gorm:"not null"`
	Status    string    `json:"status" gorm:"not null;default:pending"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// DeviceID is the canonical correlation identifier every fetched row is
	// tagged with. Mobile-sensing confirmation overwrites the random default
	// with the backend device identifier, so the unique index doubles as the
	// claim-conflict backstop.
	DeviceID string `json:"device_id" gorm:"uniqueIndex;not null"`

	// ConfigToken is an unguessable capability token for unauthenticated
	// device-facing endpoints. Never reused across sources.
	ConfigToken uuid.UUID `json:"-" gorm:"uniqueIndex;type:uuid;not null"`

	// URL-JSON variant
	URL string `json:"url,omitempty"`

	// Mobile-sensing variant
	DeviceLabel       string                     `json:"device_label,omitempty" gorm:"index"`
	ResolvedDeviceIDs datatypes.JSONSlice[string] `json:"resolved_device_ids,omitempty"`

	// OAuth-portability variant
	AccessToken       string                      `json:"-"`
	RefreshToken      string                      `json:"-"`
	TokenExpiry       *time.Time                  `json:"token_expiry,omitempty"`
	ExternalAccountID *string                     `json:"external_account_id,omitempty" gorm:"uniqueIndex"`
	OAuthState        *string                     `json:"-" gorm:"column:oauth_state;index"`
	CodeVerifier      string                      `json:"-"`
	ProcessingStatus  string                      `json:"processing_status,omitempty"`
	ProcessingLog     string                      `json:"-"`
	DataJobIDs        datatypes.JSONSlice[string] `json:"data_job_ids,omitempty"`
	JobStatus         datatypes.JSONMap           `json:"job_status,omitempty"`
	FileStatus        datatypes.JSONMap           `json:"file_status,omitempty"`
	DownloadedFiles   datatypes.JSONSlice[string] `json:"downloaded_files,omitempty"`

	// Relationships
	Profile  Profile   `json:"profile,omitempty" gorm:"foreignKey:ProfileID;references:ID"`
	Consents []Consent `json:"consents,omitempty" gorm:"foreignKey:DataSourceID"`
}

// TableName sets the table name for the DataSource model
func (DataSource) TableName() string {
	return "data_sources"
}

// NewDataSource creates a pending source of the given type with fresh
// correlation and config tokens.
func NewDataSource(sourceType string, profileID uuid.UUID, name string) *DataSource {
	return &DataSource{
		ID:          uuid.New(),
		Type:        sourceType,
		ProfileID:   profileID,
		Name:        name,
		Status:      StatusPending,
		DeviceID:    uuid.NewString(),
		ConfigToken: uuid.New(),
	}
}

// IsActive reports whether the source has reached its terminal status.
func (ds *DataSource) IsActive() bool {
	return ds.Status == StatusActive
}

// AppendLog appends one line to the processing log.
func (ds *DataSource) AppendLog(line string) {
	ds.ProcessingLog += line + "\n"
}

// JobState returns the mutable status map entry for a job id.
func (ds *DataSource) JobState(jobID string) map[string]interface{} {
	if ds.JobStatus == nil {
		ds.JobStatus = datatypes.JSONMap{}
	}
	if state, ok := ds.JobStatus[jobID].(map[string]interface{}); ok {
		return state
	}
	state := map[string]interface{}{}
	ds.JobStatus[jobID] = state
	return state
}

// FileState returns the mutable status map entry for a downloaded file.
func (ds *DataSource) FileState(path string) map[string]interface{} {
	if ds.FileStatus == nil {
		ds.FileStatus = datatypes.JSONMap{}
	}
	if state, ok := ds.FileStatus[path].(map[string]interface{}); ok {
		return state
	}
	state := map[string]interface{}{}
	ds.FileStatus[path] = state
	return state
}

// JobDone reports whether a job's archive has already been downloaded.
func (ds *DataSource) JobDone(jobID string) bool {
	state, ok := ds.JobStatus[jobID].(map[string]interface{})
	if !ok {
		return false
	}
	done, _ := state["completed"].(bool)
	return done
}

// FileDone reports whether a downloaded file has already been processed.
func (ds *DataSource) FileDone(path string) bool {
	state, ok := ds.FileStatus[path].(map[string]interface{})
	if !ok {
		return false
	}
	done, _ := state["processed"].(bool)
	return done
}
