// Package handlers exposes the JSON API surface.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"studylink/internal/auth"
	"studylink/internal/consent"
	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourcesHandler handles data-source lifecycle and per-source data viewing.
type SourcesHandler struct {
	db       *gorm.DB
	registry *sources.Registry
	consents *consent.Service
}

// NewSourcesHandler creates the handler.
func NewSourcesHandler(db *gorm.DB, registry *sources.Registry, consents *consent.Service) *SourcesHandler {
	return &SourcesHandler{db: db, registry: registry, consents: consents}
}

type createSourceRequest struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	DeviceLabel string `json:"device_label"`
	ConsentID   string `json:"consent_id"`
}

// CreateSource handles POST /api/sources/:type. One source per type per
// participant is reused over creating a duplicate.
func (h *SourcesHandler) CreateSource(c *gin.Context) {
	profileID, ok := auth.ProfileID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User authentication required"})
		return
	}

	var req createSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	sourceType := c.Param("type")
	descriptor, err := h.registry.Lookup(sourceType)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	source, err := h.consents.CreateOrReuseSource(c.Request.Context(), profileID, sourceType, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create source", "details": err.Error()})
		return
	}

	// Variant attributes only apply to freshly created sources.
	updated := false
	if req.URL != "" && source.URL == "" {
		source.URL = req.URL
		updated = true
	}
	if req.DeviceLabel != "" && source.DeviceLabel == "" {
		source.DeviceLabel = req.DeviceLabel
		updated = true
	}
	if updated {
		if err := h.db.Save(source).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save source"})
			return
		}
	}

	if req.ConsentID != "" {
		h.linkConsent(c, req.ConsentID, profileID, source)
	}

	response := gin.H{"success": true, "message": "Successfully added data source: " + source.Name, "source": source}
	if descriptor.RequiresSetup {
		if adapter, err := h.registry.AdapterFor(source); err == nil {
			if info := adapter.SetupInfo(source); info != nil {
				response["setup"] = info
			}
		}
	}
	c.JSON(http.StatusCreated, response)
}

func (h *SourcesHandler) linkConsent(c *gin.Context, consentID string, profileID uuid.UUID, source *models.DataSource) {
	id, err := uuid.Parse(consentID)
	if err != nil {
		return
	}
	var record models.Consent
	err = h.db.Where("id = ? AND participant_id = ?", id, profileID).First(&record).Error
	if err != nil {
		return
	}
	if err := h.consents.LinkSource(c.Request.Context(), &record, source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to link consent"})
	}
}

// DeleteSource handles DELETE /api/sources/:id. Deletion is refused while a
// non-revoked consent still references the source.
func (h *SourcesHandler) DeleteSource(c *gin.Context) {
	source, ok := ownedSource(c, h.db)
	if !ok {
		return
	}

	if err := h.consents.DeleteSource(c.Request.Context(), source); err != nil {
		if errors.Is(err, consent.ErrSourceInUse) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"message": "Cannot delete '" + source.Name + "': " + err.Error() + ". Withdraw from those studies first.",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete source", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Successfully deleted data source: " + source.Name})
}

// ConfirmSource handles POST /api/sources/:id/confirm.
func (h *SourcesHandler) ConfirmSource(c *gin.Context) {
	source, ok := ownedSource(c, h.db)
	if !ok {
		return
	}
	adapter, err := h.registry.AdapterFor(source)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	message, err := adapter.Confirm(c.Request.Context(), source)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
		return
	}
	if err := h.consents.RefreshForSource(c.Request.Context(), source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update consents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

// SetupSource handles GET /api/sources/:id/setup.
func (h *SourcesHandler) SetupSource(c *gin.Context) {
	source, ok := ownedSource(c, h.db)
	if !ok {
		return
	}
	adapter, err := h.registry.AdapterFor(source)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	info := adapter.SetupInfo(source)
	if info == nil {
		c.JSON(http.StatusOK, gin.H{"message": "This source does not require setup."})
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetSourceData handles GET /api/sources/:id/data with pagination.
func (h *SourcesHandler) GetSourceData(c *gin.Context) {
	source, ok := ownedSource(c, h.db)
	if !ok {
		return
	}
	adapter, err := h.registry.AdapterFor(source)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	limit, page := pagination(c)

	query := sources.FetchQuery{
		DataType:  c.Query("data_type"),
		Limit:     limit,
		Offset:    (page - 1) * limit,
		StartDate: parseDate(c.Query("start_date")),
		EndDate:   parseDate(c.Query("end_date")),
	}
	if query.DataType == "" {
		kinds := adapter.DataTypes(c.Request.Context(), source)
		if len(kinds) == 0 {
			c.JSON(http.StatusOK, gin.H{"data_types": []string{}, "rows": []sources.Row{}})
			return
		}
		query.DataType = kinds[0]
	}

	rows, err := adapter.FetchData(c.Request.Context(), source, query)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data_types": adapter.DataTypes(c.Request.Context(), source),
		"data_type":  query.DataType,
		"page":       page,
		"limit":      limit,
		"total":      adapter.CountRows(c.Request.Context(), source, query),
		"rows":       rows,
	})
}

// ownedSource loads the :id source and verifies the caller owns it.
func ownedSource(c *gin.Context, db *gorm.DB) (*models.DataSource, bool) {
	profileID, ok := auth.ProfileID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User authentication required"})
		return nil, false
	}
	sourceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid source ID format"})
		return nil, false
	}

	var source models.DataSource
	err = db.Where("id = ? AND profile_id = ?", sourceID, profileID).First(&source).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return nil, false
	}
	return &source, true
}

func parseDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return &parsed
		}
	}
	return nil
}
