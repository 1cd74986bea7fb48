package sources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"studylink/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Backend is the sensing backend query surface the adapter delegates to.
// Implemented by sensing.Connector.
type Backend interface {
	DeviceIDsForLabel(ctx context.Context, label string) ([]string, error)
	AvailableTables(ctx context.Context, label string, deviceIDs []string) []string
	Query(ctx context.Context, table string, deviceIDs []string, start, end *time.Time, limit, offset int) []map[string]interface{}
	Count(ctx context.Context, table string, deviceIDs []string, start, end *time.Time) int
}

// Confirmation messages. Tests and the UI rely on the exact wording.
const (
	MsgDeviceAlreadyActive = "This device is already active."
	MsgDeviceConfirmed     = "Device confirmed and linked successfully!"
	MsgNoDeviceData        = "No data with that device label. It may take a few hours for data to appear. Please ensure the sensing app is running on your device."
)

// MobileSensingAdapter serves push-collected telemetry. The participant picks
// a device label; the backend later resolves it to concrete device
// identifiers once the device first phones home, which is why uniqueness is
// enforced at confirmation time rather than at save time.
type MobileSensingAdapter struct {
	UnimplementedAdapter

	db      *gorm.DB
	consent ConsentChecker
	backend Backend

	// BaseURL is the public address device deep links are built against.
	BaseURL string
}

// NewMobileSensingAdapter creates the adapter.
func NewMobileSensingAdapter(db *gorm.DB, consent ConsentChecker, backend Backend, baseURL string) *MobileSensingAdapter {
	return &MobileSensingAdapter{db: db, consent: consent, backend: backend, BaseURL: baseURL}
}

// Confirm resolves the device label and binds the source to the backend
// identifiers. Idempotent: an active source returns success without touching
// the backend.
func (a *MobileSensingAdapter) Confirm(ctx context.Context, source *models.DataSource) (string, error) {
	if source.IsActive() {
		return MsgDeviceAlreadyActive, nil
	}
	if a.backend == nil {
		return "", &TransportError{Op: "Could not reach the sensing backend", Err: errors.New("backend not configured")}
	}

	deviceIDs, err := a.backend.DeviceIDsForLabel(ctx, source.DeviceLabel)
	if err != nil {
		return "", &TransportError{Op: "Could not reach the sensing backend", Err: err}
	}
	if len(deviceIDs) == 0 {
		return "", errors.New(MsgNoDeviceData)
	}

	// User-friendly pre-check; the unique index on device_id is the actual
	// correctness backstop against the read-then-write race.
	var claimed int64
	a.db.WithContext(ctx).Model(&models.DataSource{}).
		Where("device_id IN ? AND id <> ?", deviceIDs, source.ID).
		Count(&claimed)
	if claimed > 0 {
		return "", &ClaimConflictError{What: "device ID"}
	}

	source.DeviceID = deviceIDs[0]
	source.ResolvedDeviceIDs = datatypes.NewJSONSlice(deviceIDs)
	source.Status = models.StatusActive
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		// A concurrent claim loses here on the unique constraint.
		source.Status = models.StatusPending
		return "", &ClaimConflictError{What: "device ID"}
	}
	return MsgDeviceConfirmed, nil
}

// DataTypes performs schema discovery over the resolved device identifiers.
// Fails closed while the source is unconfirmed.
func (a *MobileSensingAdapter) DataTypes(ctx context.Context, source *models.DataSource) []string {
	ids := a.resolvedIDs(source)
	if a.backend == nil || !source.IsActive() || len(ids) == 0 {
		return nil
	}
	return a.backend.AvailableTables(ctx, source.DeviceLabel, ids)
}

// FetchData delegates to the backend query layer, which merges the current
// and transformed representations of the requested table.
func (a *MobileSensingAdapter) FetchData(ctx context.Context, source *models.DataSource, q FetchQuery) ([]Row, error) {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return nil, ErrNoConsent
	}
	ids := a.resolvedIDs(source)
	if a.backend == nil || !source.IsActive() || len(ids) == 0 {
		return nil, nil
	}

	rows := a.backend.Query(ctx, q.DataType, ids, q.StartDate, q.EndDate, q.Limit, q.Offset)
	return EnrichRows(rows, source.DeviceID), nil
}

// CountRows shares the backend's filter building; fails closed to zero.
func (a *MobileSensingAdapter) CountRows(ctx context.Context, source *models.DataSource, q FetchQuery) int {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return 0
	}
	ids := a.resolvedIDs(source)
	if a.backend == nil || !source.IsActive() || len(ids) == 0 {
		return 0
	}
	return a.backend.Count(ctx, q.DataType, ids, q.StartDate, q.EndDate)
}

// SetupInfo exposes the one-time provisioning deep link. The embedded config
// token authenticates the device-facing config endpoint without a session.
func (a *MobileSensingAdapter) SetupInfo(source *models.DataSource) *SetupInfo {
	return &SetupInfo{
		Kind:        "device_config",
		URL:         fmt.Sprintf("%s/api/device/%s/config", a.BaseURL, source.ConfigToken),
		ConfigToken: source.ConfigToken.String(),
	}
}

// Process retries confirmation for sources still waiting on first device
// contact. Failures here are routine and only logged.
func (a *MobileSensingAdapter) Process(ctx context.Context, source *models.DataSource) (bool, string) {
	if source.IsActive() || source.DeviceLabel == "" {
		return true, ""
	}
	msg, err := a.Confirm(ctx, source)
	if err != nil {
		log.Printf("mobile sensing: confirmation retry for %s: %v", source.ID, err)
		return false, err.Error()
	}
	return true, msg
}

func (a *MobileSensingAdapter) resolvedIDs(source *models.DataSource) []string {
	if len(source.ResolvedDeviceIDs) > 0 {
		return source.ResolvedDeviceIDs
	}
	if source.IsActive() && source.DeviceID != "" {
		return []string{source.DeviceID}
	}
	return nil
}
