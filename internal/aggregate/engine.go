// Package aggregate fans a time-windowed query out over every active,
// consented source in scope and merges the results into one ordered,
// paginated stream.
package aggregate

import (
	"context"
	"log"
	"sort"
	"time"

	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Query scopes one aggregation run. Exactly one of ParticipantID or StudyID
// must be set. An empty DataType means every data kind each source exposes.
type Query struct {
	ParticipantID *uuid.UUID
	StudyID       *uuid.UUID
	DataType      string
	StartDate     *time.Time
	EndDate       *time.Time
	Limit         int
	Offset        int
}

// Engine merges rows from heterogeneous sources under the uniform adapter
// surface. The fan-out is sequential and bounded; one source's failure never
// aborts collection from the others.
type Engine struct {
	db       *gorm.DB
	registry *sources.Registry
}

// NewEngine creates the engine.
func NewEngine(db *gorm.DB, registry *sources.Registry) *Engine {
	return &Engine{db: db, registry: registry}
}

// Rows runs the aggregation. Rows are merged ascending by their millisecond
// timestamp (rows without one sort last, in arrival order) and then sliced by
// offset/limit.
func (e *Engine) Rows(ctx context.Context, q Query) ([]sources.Row, error) {
	scoped, err := e.scopedSources(ctx, q)
	if err != nil {
		return nil, err
	}

	var merged []sources.Row
	for i := range scoped {
		source := &scoped[i]
		adapter, err := e.registry.AdapterFor(source)
		if err != nil {
			log.Printf("aggregate: skipping source %s: %v", source.ID, err)
			continue
		}

		// Each source must contribute enough rows to survive the post-merge
		// offset; an unlimited query stays uncapped per source too.
		fetchLimit := 0
		if q.Limit > 0 {
			fetchLimit = q.Limit + q.Offset
		}

		for _, kind := range adapter.DataTypes(ctx, source) {
			if q.DataType != "" && kind != q.DataType {
				continue
			}
			fetch := sources.FetchQuery{
				DataType:  kind,
				Limit:     fetchLimit,
				StartDate: q.StartDate,
				EndDate:   q.EndDate,
			}
			rows, err := adapter.FetchData(ctx, source, fetch)
			if err != nil {
				// Per-source error isolation: this source contributes
				// nothing for the window.
				log.Printf("aggregate: fetch from source %s (%s) failed: %v", source.ID, kind, err)
				continue
			}
			merged = append(merged, rows...)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		ti, iOK := numericTimestamp(merged[i])
		tj, jOK := numericTimestamp(merged[j])
		if iOK != jOK {
			return iOK
		}
		return ti < tj
	})

	if q.Offset >= len(merged) {
		return nil, nil
	}
	merged = merged[q.Offset:]
	if q.Limit > 0 && len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged, nil
}

// Count sums the per-source best-effort counts for the window.
func (e *Engine) Count(ctx context.Context, q Query) (int, error) {
	scoped, err := e.scopedSources(ctx, q)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range scoped {
		source := &scoped[i]
		adapter, err := e.registry.AdapterFor(source)
		if err != nil {
			continue
		}
		for _, kind := range adapter.DataTypes(ctx, source) {
			if q.DataType != "" && kind != q.DataType {
				continue
			}
			total += adapter.CountRows(ctx, source, sources.FetchQuery{
				DataType:  kind,
				StartDate: q.StartDate,
				EndDate:   q.EndDate,
			})
		}
	}
	return total, nil
}

// scopedSources loads the active sources covered by complete, non-revoked
// consents in the query scope.
func (e *Engine) scopedSources(ctx context.Context, q Query) ([]models.DataSource, error) {
	consentQuery := e.db.WithContext(ctx).Model(&models.Consent{}).
		Where("revocation_date IS NULL AND is_complete = ? AND data_source_id IS NOT NULL", true)
	if q.StudyID != nil {
		consentQuery = consentQuery.Where("study_id = ?", *q.StudyID)
	}
	if q.ParticipantID != nil {
		consentQuery = consentQuery.Where("participant_id = ?", *q.ParticipantID)
	}

	var sourceIDs []uuid.UUID
	if err := consentQuery.Distinct().Pluck("data_source_id", &sourceIDs).Error; err != nil {
		return nil, err
	}
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	var result []models.DataSource
	err := e.db.WithContext(ctx).
		Where("id IN ? AND status = ?", sourceIDs, models.StatusActive).
		Order("created_at ASC").
		Find(&result).Error
	if err != nil {
		return nil, err
	}
	return result, nil
}

func numericTimestamp(row sources.Row) (int64, bool) {
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
