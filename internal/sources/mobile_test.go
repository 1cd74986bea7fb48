package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"studylink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeBackend is an in-memory sensing backend keyed by device label.
type fakeBackend struct {
	labels map[string][]string
	tables []string
	rows   map[string][]map[string]interface{}
	err    error
}

func (f *fakeBackend) DeviceIDsForLabel(_ context.Context, label string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.labels[label], nil
}

func (f *fakeBackend) AvailableTables(_ context.Context, _ string, _ []string) []string {
	return f.tables
}

func (f *fakeBackend) Query(_ context.Context, table string, _ []string, _, _ *time.Time, _, _ int) []map[string]interface{} {
	return f.rows[table]
}

func (f *fakeBackend) Count(_ context.Context, table string, _ []string, _, _ *time.Time) int {
	return len(f.rows[table])
}

func newSensingSource(db *gorm.DB, t *testing.T, label string) *models.DataSource {
	t.Helper()
	source := models.NewDataSource(TypeMobileSensing, newTestProfileID(), "My Phone")
	source.DeviceLabel = label
	if err := db.Create(source).Error; err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}
	return source
}

func TestMobileConfirmBindsDevice(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{labels: map[string][]string{"L1": {"D1", "D2"}}}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	source := newSensingSource(db, t, "L1")
	msg, err := adapter.Confirm(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, MsgDeviceConfirmed, msg)
	assert.Equal(t, models.StatusActive, source.Status)
	assert.Equal(t, "D1", source.DeviceID)
	assert.Equal(t, []string{"D1", "D2"}, []string(source.ResolvedDeviceIDs))
}

func TestMobileConfirmIdempotent(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{err: errors.New("backend down")}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	source := newSensingSource(db, t, "L1")
	source.Status = models.StatusActive
	require.NoError(t, db.Save(source).Error)

	// An active source confirms again without touching the backend.
	msg, err := adapter.Confirm(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, MsgDeviceAlreadyActive, msg)
}

func TestMobileConfirmNoData(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{labels: map[string][]string{}}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	source := newSensingSource(db, t, "unseen-label")
	_, err := adapter.Confirm(context.Background(), source)
	require.Error(t, err)
	assert.Equal(t, MsgNoDeviceData, err.Error())
	assert.Equal(t, models.StatusPending, source.Status)
}

// Two participants pick labels that resolve to the same backend device. The
// second claim must fail and leave the second source pending.
func TestMobileConfirmClaimConflict(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{labels: map[string][]string{
		"L1": {"D1"},
		"L2": {"D1"},
	}}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	first := newSensingSource(db, t, "L1")
	_, err := adapter.Confirm(context.Background(), first)
	require.NoError(t, err)

	second := newSensingSource(db, t, "L2")
	_, err = adapter.Confirm(context.Background(), second)
	var conflict *ClaimConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "already been claimed by another user")
	assert.Equal(t, models.StatusPending, second.Status)
}

func TestMobileDataTypesFailsClosed(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{tables: []string{"accelerometer", "screen"}}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	source := newSensingSource(db, t, "L1")
	assert.Empty(t, adapter.DataTypes(context.Background(), source), "unconfirmed source exposes no data types")

	source.Status = models.StatusActive
	source.DeviceID = "D1"
	assert.Equal(t, []string{"accelerometer", "screen"}, adapter.DataTypes(context.Background(), source))
}

func TestMobileFetchEnrichesBackendRows(t *testing.T) {
	db := setupTestDB(t)
	backend := &fakeBackend{
		labels: map[string][]string{"L1": {"D1"}},
		rows: map[string][]map[string]interface{}{
			"screen": {
				{"timestamp": int64(100), "device_id": "D1", "screen_status": 1},
			},
		},
	}
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, backend, "http://localhost:8080")

	source := newSensingSource(db, t, "L1")
	_, err := adapter.Confirm(context.Background(), source)
	require.NoError(t, err)

	rows, err := adapter.FetchData(context.Background(), source, FetchQuery{DataType: "screen"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// The backend's raw identifier is replaced by the source correlation id,
	// which Confirm set to the same value here.
	assert.Equal(t, source.DeviceID, rows[0]["device_id"])
	assert.Equal(t, 1, adapter.CountRows(context.Background(), source, FetchQuery{DataType: "screen"}))
}

func TestMobileFetchRequiresConsent(t *testing.T) {
	db := setupTestDB(t)
	adapter := NewMobileSensingAdapter(db, denyAllConsent{}, &fakeBackend{}, "http://localhost:8080")

	source := newSensingSource(db, t, "L1")
	_, err := adapter.FetchData(context.Background(), source, FetchQuery{DataType: "screen"})
	assert.ErrorIs(t, err, ErrNoConsent)
}

func TestMobileSetupInfoEmbedsConfigToken(t *testing.T) {
	db := setupTestDB(t)
	adapter := NewMobileSensingAdapter(db, allowAllConsent{}, &fakeBackend{}, "https://example.org")

	source := newSensingSource(db, t, "L1")
	info := adapter.SetupInfo(source)
	require.NotNil(t, info)
	assert.Equal(t, "device_config", info.Kind)
	assert.Equal(t, "https://example.org/api/device/"+source.ConfigToken.String()+"/config", info.URL)
	assert.Equal(t, source.ConfigToken.String(), info.ConfigToken)
}
