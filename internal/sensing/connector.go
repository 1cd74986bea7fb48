// Package sensing talks to the read-only mobile-sensing backend database. It
// resolves device labels to backend device identifiers, discovers which
// sensor tables hold data for a device, and runs range-filtered queries over
// both the current and the legacy transformed representation of each table.
package sensing

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"studylink/internal/cache"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	deviceTable       = "aware_device"
	lookupTable       = "device_lookup"
	transformedSuffix = "_transformed"
	discoveryTTL      = 30 * time.Second
	defaultQueryLimit = 10000
)

// Config holds sensing backend connection settings
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// LoadConfig loads sensing backend configuration from environment variables.
// The backend is self-hosted; SENSING_DB_SSLMODE=disable is the documented
// operational exception for it, not a general default.
func LoadConfig() *Config {
	return &Config{
		Host:     getEnv("SENSING_DB_HOST", "localhost"),
		Port:     getEnv("SENSING_DB_PORT", "5432"),
		User:     getEnv("SENSING_DB_RO_USER", "sensing_ro"),
		Password: getEnv("SENSING_DB_RO_PASSWORD", ""),
		DBName:   getEnv("SENSING_DB_NAME", "sensing"),
		SSLMode:  getEnv("SENSING_DB_SSLMODE", "require"),
	}
}

// Connector runs queries against the sensing backend. The discovery cache is
// per-connector state with a populate-on-first-use lifecycle; it does not
// persist across restarts.
type Connector struct {
	db    *sqlx.DB
	cache *cache.TTL[[]string]
}

// Connect opens a connection pool to the sensing backend.
func Connect(config *Config) (*Connector, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sensing backend: %w", err)
	}
	return NewConnector(db), nil
}

// NewConnector wraps an existing connection, mainly for tests.
func NewConnector(db *sqlx.DB) *Connector {
	return &Connector{
		db:    db,
		cache: cache.NewTTL[[]string](discoveryTTL),
	}
}

// DeviceIDsForLabel resolves a user-chosen device label to the backend device
// identifiers registered under it. An unknown label yields an empty slice.
func (c *Connector) DeviceIDsForLabel(ctx context.Context, label string) ([]string, error) {
	if label == "" {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("device_id").From(deviceTable)
	sb.Where(sb.Equal("label", label))
	query, args := sb.Build()

	var ids []string
	if err := c.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("device label lookup failed: %w", err)
	}
	return ids, nil
}

// AvailableTables returns the logical sensor tables that hold at least one
// row for any of the given device identifiers. Transformed tables are probed
// through the device_lookup indirection and reported under their logical
// name. Results are memoized per label for a short TTL.
func (c *Connector) AvailableTables(ctx context.Context, label string, deviceIDs []string) []string {
	if len(deviceIDs) == 0 {
		return nil
	}

	if tables, ok := c.cache.Get(label); ok {
		return tables
	}

	allTables, err := c.listTables(ctx)
	if err != nil {
		log.Printf("sensing: table enumeration failed: %v", err)
		return nil
	}

	surrogates, err := c.surrogateIDs(ctx, deviceIDs)
	if err != nil {
		log.Printf("sensing: device_lookup resolution failed: %v", err)
		surrogates = nil
	}

	found := map[string]bool{}
	for _, table := range allTables {
		if table == deviceTable || table == lookupTable {
			continue
		}
		if strings.HasSuffix(table, transformedSuffix) {
			if len(surrogates) == 0 {
				continue
			}
			if c.probe(ctx, table, "device_uid", surrogates) {
				found[strings.TrimSuffix(table, transformedSuffix)] = true
			}
			continue
		}
		if c.probe(ctx, table, "device_id", deviceIDs) {
			found[table] = true
		}
	}

	tables := make([]string, 0, len(found))
	for table := range found {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	c.cache.Set(label, tables)
	return tables
}

// Query fetches range-filtered rows for a logical table across its current
// and transformed representations, merged ascending by timestamp. Timestamps
// are milliseconds. Failures are operational, not exceptional: a missing
// table, an empty identifier set or a transport error all yield no rows.
func (c *Connector) Query(ctx context.Context, table string, deviceIDs []string, start, end *time.Time, limit, offset int) []map[string]interface{} {
	if len(deviceIDs) == 0 || !c.tableExists(ctx, table) {
		return nil
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	rows := c.fetchRows(ctx, table, "device_id", deviceIDs, start, end, limit+offset)

	if surrogates, err := c.surrogateIDs(ctx, deviceIDs); err == nil && len(surrogates) > 0 {
		transformed := c.fetchRows(ctx, table+transformedSuffix, "device_uid", surrogates, start, end, limit+offset)
		// Remap the surrogate key back to the canonical identifier so both
		// representations group under one key downstream.
		for _, row := range transformed {
			delete(row, "device_uid")
			row["device_id"] = deviceIDs[0]
		}
		rows = append(rows, transformed...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rowTimestamp(rows[i]) < rowTimestamp(rows[j])
	})

	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// Count returns the number of rows the same filters would match, summed over
// both representations. It fails closed to zero.
func (c *Connector) Count(ctx context.Context, table string, deviceIDs []string, start, end *time.Time) int {
	if len(deviceIDs) == 0 || !c.tableExists(ctx, table) {
		return 0
	}

	total := c.countRows(ctx, table, "device_id", deviceIDs, start, end)
	if surrogates, err := c.surrogateIDs(ctx, deviceIDs); err == nil && len(surrogates) > 0 {
		total += c.countRows(ctx, table+transformedSuffix, "device_uid", surrogates, start, end)
	}
	return total
}

func (c *Connector) listTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := c.db.SelectContext(ctx, &tables,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'")
	if err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *Connector) tableExists(ctx context.Context, table string) bool {
	tables, err := c.listTables(ctx)
	if err != nil {
		log.Printf("sensing: table enumeration failed: %v", err)
		return false
	}
	for _, t := range tables {
		if t == table || t == table+transformedSuffix {
			return true
		}
	}
	return false
}

// surrogateIDs resolves canonical device identifiers to the surrogate ids the
// transformed tables are keyed by.
func (c *Connector) surrogateIDs(ctx context.Context, deviceIDs []string) ([]string, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id").From(lookupTable)
	sb.Where(sb.In("device_uuid", toAnySlice(deviceIDs)...))
	query, args := sb.Build()

	var ids []string
	if err := c.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// probe runs a LIMIT-1 existence check.
func (c *Connector) probe(ctx context.Context, table, column string, ids []string) bool {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1").From(table)
	sb.Where(sb.In(column, toAnySlice(ids)...))
	sb.Limit(1)
	query, args := sb.Build()

	var one int
	if err := c.db.GetContext(ctx, &one, query, args...); err != nil {
		return false
	}
	return true
}

func (c *Connector) fetchRows(ctx context.Context, table, column string, ids []string, start, end *time.Time, limit int) []map[string]interface{} {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*").From(table)
	applyFilters(sb, column, ids, start, end)
	sb.OrderBy("timestamp").Desc()
	sb.Limit(limit)
	query, args := sb.Build()

	rows, err := c.db.QueryxContext(ctx, query, args...)
	if err != nil {
		log.Printf("sensing: query on %s failed: %v", table, err)
		return nil
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			log.Printf("sensing: row scan on %s failed: %v", table, err)
			return results
		}
		results = append(results, row)
	}
	return results
}

func (c *Connector) countRows(ctx context.Context, table, column string, ids []string, start, end *time.Time) int {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)").From(table)
	applyFilters(sb, column, ids, start, end)
	query, args := sb.Build()

	var count int
	if err := c.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0
	}
	return count
}

// applyFilters attaches the shared identifier and time-range conditions. All
// values go through bound parameters.
func applyFilters(sb *sqlbuilder.SelectBuilder, column string, ids []string, start, end *time.Time) {
	sb.Where(sb.In(column, toAnySlice(ids)...))
	if start != nil {
		sb.Where(sb.GreaterEqualThan("timestamp", start.UnixMilli()))
	}
	if end != nil {
		sb.Where(sb.LessEqualThan("timestamp", end.UnixMilli()))
	}
}

func rowTimestamp(row map[string]interface{}) int64 {
	switch ts := row["timestamp"].(type) {
	case int64:
		return ts
	case float64:
		return int64(ts)
	case []byte:
		var v int64
		fmt.Sscanf(string(ts), "%d", &v)
		return v
	default:
		return 0
	}
}

func toAnySlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
