// Package sources holds the data-source registry and the adapters that give
// heterogeneous source kinds one uniform query surface. Every adapter call
// may block on network I/O; callers must treat adapter methods as slow,
// bounded-timeout operations.
package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studylink/internal/models"

	"github.com/google/uuid"
)

// Row is one fetched record. Rows from every adapter carry the canonical
// correlation identifier under "device_id".
type Row = map[string]interface{}

// FetchQuery carries the shared fetch parameters.
type FetchQuery struct {
	DataType  string
	Limit     int
	Offset    int
	StartDate *time.Time
	EndDate   *time.Time
}

// ErrNoConsent is returned before any external call when no active, complete,
// non-revoked consent references the source. The message is user-facing.
var ErrNoConsent = errors.New("No consent found.")

// ErrNoRefreshToken is returned when a token refresh is attempted without a
// stored refresh token.
var ErrNoRefreshToken = errors.New("No refresh token available.")

// TransportError wraps a network or provider failure. Adapters never let the
// underlying error escape raw; aggregation callers can render Message.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedTypeError reports a data type the source does not expose.
type UnsupportedTypeError struct {
	DataType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("Invalid data type requested: %q.", e.DataType)
}

// ClaimConflictError reports that a backend device or external account is
// already bound to a different participant's source.
type ClaimConflictError struct {
	What string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("Error: This %s has already been claimed by another user. Contact the administrator if you believe this is an error.", e.What)
}

// ConsentChecker is the capability check adapters run before exposing data.
// Implemented by the consent service.
type ConsentChecker interface {
	HasActiveConsent(ctx context.Context, sourceID uuid.UUID) bool
}

// SetupInfo describes the one-time provisioning step a source needs.
type SetupInfo struct {
	Kind        string `json:"kind"` // "device_config" or "oauth"
	URL         string `json:"url"`
	ConfigToken string `json:"config_token,omitempty"`
}

// Adapter is the uniform capability set every source kind implements.
type Adapter interface {
	// DataTypes lists the data kinds currently available from the source.
	// Fails closed to an empty list when the source is not active or has no
	// resolvable backend identity.
	DataTypes(ctx context.Context, source *models.DataSource) []string

	// FetchData returns enriched rows for one data type. It verifies active
	// consent before any external call and returns ErrNoConsent,
	// *UnsupportedTypeError or *TransportError as structured failures.
	FetchData(ctx context.Context, source *models.DataSource, q FetchQuery) ([]Row, error)

	// CountRows is best-effort and fails closed to zero.
	CountRows(ctx context.Context, source *models.DataSource, q FetchQuery) int

	// Confirm runs the source's verification step. The returned message is
	// user-facing; a nil error means success. Idempotent for active sources.
	Confirm(ctx context.Context, source *models.DataSource) (string, error)

	// SetupInfo returns the provisioning step, or nil when none is needed.
	SetupInfo(source *models.DataSource) *SetupInfo

	// Process runs one background sweep step for the source.
	Process(ctx context.Context, source *models.DataSource) (bool, string)

	// RevokeBeforeDelete revokes external grants and cleans local artifacts,
	// in that order, best-effort.
	RevokeBeforeDelete(ctx context.Context, source *models.DataSource)
}

// EnrichRows tags every row with the source's correlation identifier. A
// pre-existing device_id value is preserved under json_device_id so the
// canonical key never collides with payload fields.
func EnrichRows(rows []Row, deviceID string) []Row {
	for _, row := range rows {
		if original, ok := row["device_id"]; ok && original != deviceID {
			row["json_device_id"] = original
		}
		row["device_id"] = deviceID
	}
	return rows
}

// RowTimestamp extracts a millisecond timestamp from a row, zero when absent
// or non-numeric.
func RowTimestamp(row Row) int64 {
	switch ts := row["timestamp"].(type) {
	case int64:
		return ts
	case int:
		return int64(ts)
	case float64:
		return int64(ts)
	default:
		return 0
	}
}

// filterByWindow drops rows whose millisecond timestamp falls outside the
// window. Rows without a numeric timestamp pass through.
func filterByWindow(rows []Row, start, end *time.Time) []Row {
	if start == nil && end == nil {
		return rows
	}
	filtered := make([]Row, 0, len(rows))
	for _, row := range rows {
		ms, numeric := numericTimestamp(row)
		if !numeric {
			filtered = append(filtered, row)
			continue
		}
		if start != nil && ms < start.UnixMilli() {
			continue
		}
		if end != nil && ms > end.UnixMilli() {
			continue
		}
		filtered = append(filtered, row)
	}
	return filtered
}

func numericTimestamp(row Row) (int64, bool) {
	switch ts := row["timestamp"].(type) {
	case int64:
		return ts, true
	case int:
		return int64(ts), true
	case float64:
		return int64(ts), true
	default:
		return 0, false
	}
}

// sliceRows applies positional offset/limit slicing.
func sliceRows(rows []Row, limit, offset int) []Row {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// UnimplementedAdapter is the base every adapter embeds. Calling a capability
// the variant does not override is a programmer error and crashes loudly
// instead of silently returning empty data.
type UnimplementedAdapter struct{}

func (UnimplementedAdapter) DataTypes(context.Context, *models.DataSource) []string {
	panic("sources: DataTypes not implemented")
}

func (UnimplementedAdapter) FetchData(context.Context, *models.DataSource, FetchQuery) ([]Row, error) {
	panic("sources: FetchData not implemented")
}

func (UnimplementedAdapter) CountRows(context.Context, *models.DataSource, FetchQuery) int {
	panic("sources: CountRows not implemented")
}

func (UnimplementedAdapter) Confirm(context.Context, *models.DataSource) (string, error) {
	return "This source does not require confirmation.", nil
}

func (UnimplementedAdapter) SetupInfo(*models.DataSource) *SetupInfo { return nil }

func (UnimplementedAdapter) Process(context.Context, *models.DataSource) (bool, string) {
	return true, ""
}

func (UnimplementedAdapter) RevokeBeforeDelete(context.Context, *models.DataSource) {}
