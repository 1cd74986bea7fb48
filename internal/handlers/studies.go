package handlers

import (
	"net/http"
	"strconv"

	"studylink/internal/aggregate"
	"studylink/internal/auth"
	"studylink/internal/consent"
	"studylink/internal/export"
	"studylink/internal/models"
	"studylink/internal/studies"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StudiesHandler handles study enrollment, hosted content and aggregated
// data export.
type StudiesHandler struct {
	db       *gorm.DB
	studies  *studies.Service
	content  *studies.ContentService
	consents *consent.Service
	engine   *aggregate.Engine
}

// NewStudiesHandler creates the handler.
func NewStudiesHandler(db *gorm.DB, studyService *studies.Service, content *studies.ContentService, consents *consent.Service, engine *aggregate.Engine) *StudiesHandler {
	return &StudiesHandler{db: db, studies: studyService, content: content, consents: consents, engine: engine}
}

type joinStudyRequest struct {
	ConsentTextAccepted bool `json:"consent_text_accepted"`
}

// JoinStudy handles POST /api/studies/:id/join. Pending consents in the
// response are the ones still waiting on a source setup or confirmation step.
func (h *StudiesHandler) JoinStudy(c *gin.Context) {
	profileID, ok := auth.ProfileID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User authentication required"})
		return
	}
	studyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid study ID format"})
		return
	}

	var req joinStudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	pending, err := h.studies.JoinStudy(c.Request.Context(), profileID, studyID, req.ConsentTextAccepted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join study", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          "Successfully joined study",
		"pending_consents": pending,
	})
}

// StudyPage handles GET /api/studies/:id/page: the hosted front page plus its
// extracted title.
func (h *StudiesHandler) StudyPage(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	page, err := h.content.StudyPageHTML(c.Request.Context(), study)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": studies.PageTitle(page), "html": page})
}

// ConsentText handles GET /api/studies/:id/consent/:type: the rendered
// consent document participants accept before linking a source.
func (h *StudiesHandler) ConsentText(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	html := h.content.ConsentHTML(c.Request.Context(), study, c.Param("type"))
	c.JSON(http.StatusOK, gin.H{"source_type": c.Param("type"), "html": html})
}

// RevokeConsent handles POST /api/consents/:id/revoke. Revocation is soft:
// the record keeps its history.
func (h *StudiesHandler) RevokeConsent(c *gin.Context) {
	profileID, ok := auth.ProfileID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User authentication required"})
		return
	}
	consentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid consent ID format"})
		return
	}

	var record models.Consent
	err = h.db.Where("id = ? AND participant_id = ?", consentID, profileID).First(&record).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Consent not found"})
		return
	}
	if err := h.consents.Revoke(c.Request.Context(), consentID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Consent revoked"})
}

// StudyData handles GET /api/studies/:id/data?format=csv|json for
// researchers: the aggregation engine's merged stream across every consented
// participant source in the study.
func (h *StudiesHandler) StudyData(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}

	limit, page := pagination(c)
	query := aggregate.Query{
		StudyID:   &study.ID,
		DataType:  c.Query("data_type"),
		StartDate: parseDate(c.Query("start_date")),
		EndDate:   parseDate(c.Query("end_date")),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}

	rows, err := h.engine.Rows(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Aggregation failed", "details": err.Error()})
		return
	}

	if c.DefaultQuery("format", "json") == "csv" {
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="study_data.csv"`)
		if err := export.WriteCSV(c.Writer, rows); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "CSV export failed"})
		}
		return
	}

	total, err := h.engine.Count(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Count failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"study_id": study.ID,
		"page":     page,
		"limit":    limit,
		"total":    total,
		"rows":     rows,
	})
}

// ParticipantData handles GET /api/me/data: the participant's own merged
// stream across their consented sources.
func (h *StudiesHandler) ParticipantData(c *gin.Context) {
	profileID, ok := auth.ProfileID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User authentication required"})
		return
	}

	limit, page := pagination(c)
	query := aggregate.Query{
		ParticipantID: &profileID,
		DataType:      c.Query("data_type"),
		StartDate:     parseDate(c.Query("start_date")),
		EndDate:       parseDate(c.Query("end_date")),
		Limit:         limit,
		Offset:        (page - 1) * limit,
	}

	rows, err := h.engine.Rows(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Aggregation failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "limit": limit, "rows": rows})
}

func (h *StudiesHandler) loadStudy(c *gin.Context) (*models.Study, bool) {
	studyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid study ID format"})
		return nil, false
	}
	var study models.Study
	if err := h.db.First(&study, "id = ?", studyID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Study not found"})
		return nil, false
	}
	return &study, true
}

func pagination(c *gin.Context) (limit, page int) {
	limit = intQuery(c, "limit", 100)
	page = intQuery(c, "page", 1)
	if limit > 1000 {
		limit = 1000
	}
	if limit < 1 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	return limit, page
}

func intQuery(c *gin.Context, name string, fallback int) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return value
}
