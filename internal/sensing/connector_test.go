package sensing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewConnector(sqlx.NewDb(mockDB, "sqlmock")), mock
}

const listTablesQuery = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'"

func expectTables(mock sqlmock.Sqlmock, tables ...string) {
	rows := sqlmock.NewRows([]string{"table_name"})
	for _, table := range tables {
		rows.AddRow(table)
	}
	mock.ExpectQuery(regexp.QuoteMeta(listTablesQuery)).WillReturnRows(rows)
}

func expectSurrogates(mock sqlmock.Sqlmock, deviceID string, surrogates ...string) {
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range surrogates {
		rows.AddRow(id)
	}
	mock.ExpectQuery("SELECT id FROM device_lookup WHERE device_uuid IN").
		WithArgs(deviceID).
		WillReturnRows(rows)
}

func TestApplyFiltersBindsAllValues(t *testing.T) {
	start := time.UnixMilli(1000)
	end := time.UnixMilli(9000)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*").From("screen")
	applyFilters(sb, "device_id", []string{"D1", "D2"}, &start, &end)
	query, args := sb.Build()

	// Everything goes through bound parameters, nothing is interpolated.
	assert.NotContains(t, query, "D1")
	assert.NotContains(t, query, "1000")
	assert.Contains(t, query, "device_id IN")
	assert.Contains(t, query, "timestamp >=")
	assert.Contains(t, query, "timestamp <=")
	assert.Equal(t, []interface{}{"D1", "D2", int64(1000), int64(9000)}, args)
}

func TestApplyFiltersOpenEndedWindow(t *testing.T) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*").From("screen")
	applyFilters(sb, "device_id", []string{"D1"}, nil, nil)
	query, args := sb.Build()

	assert.NotContains(t, query, "timestamp")
	assert.Equal(t, []interface{}{"D1"}, args)
}

func TestRowTimestampCoercions(t *testing.T) {
	assert.EqualValues(t, 42, rowTimestamp(map[string]interface{}{"timestamp": int64(42)}))
	assert.EqualValues(t, 42, rowTimestamp(map[string]interface{}{"timestamp": float64(42.7)}))
	assert.EqualValues(t, 42, rowTimestamp(map[string]interface{}{"timestamp": []byte("42")}))
	assert.EqualValues(t, 0, rowTimestamp(map[string]interface{}{"timestamp": "soon"}))
	assert.EqualValues(t, 0, rowTimestamp(map[string]interface{}{}))
}

func TestLoadConfigDefaults(t *testing.T) {
	config := LoadConfig()
	assert.Equal(t, "5432", config.Port)
	assert.Equal(t, "require", config.SSLMode)
}

func TestDeviceIDsForLabel(t *testing.T) {
	connector, mock := newMockConnector(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT device_id FROM aware_device WHERE label = $1")).
		WithArgs("L1").
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("D1").AddRow("D2"))

	ids, err := connector.DeviceIDsForLabel(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceIDsForEmptyLabel(t *testing.T) {
	connector, mock := newMockConnector(t)

	// An empty label never reaches the backend.
	ids, err := connector.DeviceIDsForLabel(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAvailableTablesDiscoveryAndMemoization(t *testing.T) {
	connector, mock := newMockConnector(t)

	expectTables(mock, deviceTable, lookupTable, "screen", "screen_transformed", "accelerometer")
	expectSurrogates(mock, "D1", "7")
	// screen has rows, its transformed twin and accelerometer have none.
	mock.ExpectQuery("SELECT 1 FROM screen WHERE device_id IN").
		WithArgs("D1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM screen_transformed WHERE device_uid IN").
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectQuery("SELECT 1 FROM accelerometer WHERE device_id IN").
		WithArgs("D1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	tables := connector.AvailableTables(context.Background(), "L1", []string{"D1"})
	assert.Equal(t, []string{"screen"}, tables)

	// A second discovery within the TTL is served from the cache: no further
	// round trips are expected on the mock.
	tables = connector.AvailableTables(context.Background(), "L1", []string{"D1"})
	assert.Equal(t, []string{"screen"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryMergesTransformedRows(t *testing.T) {
	connector, mock := newMockConnector(t)

	expectTables(mock, "screen", "screen_transformed")
	mock.ExpectQuery(`SELECT \* FROM screen WHERE device_id IN`).
		WithArgs("D1").
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "device_id", "screen_status"}).
			AddRow(int64(200), "D1", 1))
	expectSurrogates(mock, "D1", "7")
	mock.ExpectQuery(`SELECT \* FROM screen_transformed WHERE device_uid IN`).
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"timestamp", "device_uid"}).
			AddRow(int64(100), "7"))

	rows := connector.Query(context.Background(), "screen", []string{"D1"}, nil, nil, 10, 0)
	require.Len(t, rows, 2)

	// Merged ascending; the transformed row's surrogate key is remapped to
	// the canonical identifier.
	assert.EqualValues(t, 100, rows[0]["timestamp"])
	assert.Equal(t, "D1", rows[0]["device_id"])
	_, hasSurrogate := rows[0]["device_uid"]
	assert.False(t, hasSurrogate)
	assert.EqualValues(t, 200, rows[1]["timestamp"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountSumsBothRepresentations(t *testing.T) {
	connector, mock := newMockConnector(t)

	expectTables(mock, "screen", "screen_transformed")
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM screen WHERE device_id IN`).
		WithArgs("D1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	expectSurrogates(mock, "D1", "7")
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM screen_transformed WHERE device_uid IN`).
		WithArgs("7").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	assert.Equal(t, 3, connector.Count(context.Background(), "screen", []string{"D1"}, nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryUnknownTable(t *testing.T) {
	connector, mock := newMockConnector(t)
	expectTables(mock, "screen")

	rows := connector.Query(context.Background(), "keyboard", []string{"D1"}, nil, nil, 10, 0)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}
