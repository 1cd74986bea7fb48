package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PortabilityRecord is the durable intermediate store for rows parsed out of
// provider export archives. Rows are keyed by the owning source's correlation
// identifier so later fetches can filter without touching the provider again.
type PortabilityRecord struct {
	ID        uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	DeviceID  string         `json:"device_id" gorm:"not null;index:idx_portability_lookup"`
	DataType  string         `json:"data_type" gorm:"not null;index:idx_portability_lookup"`
	Timestamp int64          `json:"timestamp" gorm:"not null;index"` // milliseconds
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

// TableName sets the table name for the PortabilityRecord model
func (PortabilityRecord) TableName() string {
	return "portability_records"
}
