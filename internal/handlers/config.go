package handlers

import (
	"log"
	"net/http"
	"os"
	"time"

	"studylink/internal/models"
	"studylink/internal/sources"
	"studylink/internal/studies"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fallbackSensingConfig is used when a study names no configuration file for
// the sensing source type.
const fallbackSensingConfig = "sensing_config.json"

// DeviceConfigHandler serves the sensing app's configuration document. The
// endpoint is scoped by the source's unguessable config token, not by a user
// session: the phone fetching it is not logged in.
type DeviceConfigHandler struct {
	db      *gorm.DB
	content *studies.ContentService
	studies *studies.Service
}

// NewDeviceConfigHandler creates the handler.
func NewDeviceConfigHandler(db *gorm.DB, content *studies.ContentService, studyService *studies.Service) *DeviceConfigHandler {
	return &DeviceConfigHandler{db: db, content: content, studies: studyService}
}

// GetDeviceConfig handles GET /api/device/:token/config. The base document
// carries the device label and ingest database coordinates; each active
// study's sensor, question and schedule fragments are merged in. A study
// whose fragment is missing or unreachable is skipped, never fatal.
func (h *DeviceConfigHandler) GetDeviceConfig(c *gin.Context) {
	token, err := uuid.Parse(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown config token"})
		return
	}

	var source models.DataSource
	err = h.db.Where("config_token = ? AND type = ?", token, sources.TypeMobileSensing).First(&source).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown config token"})
		return
	}

	config := gin.H{
		"device_label": source.DeviceLabel,
		"database": gin.H{
			"database_host":     os.Getenv("SENSING_INGEST_HOST"),
			"database_port":     os.Getenv("SENSING_INGEST_PORT"),
			"database_name":     os.Getenv("SENSING_INGEST_NAME"),
			"database_username": os.Getenv("SENSING_INGEST_USER"),
			"database_password": os.Getenv("SENSING_INGEST_PASSWORD"),
			"require_ssl":       true,
		},
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
		"questions": []interface{}{},
		"schedules": []interface{}{},
		"sensors":   []interface{}{},
	}

	active, err := h.studies.ActiveStudiesForParticipant(c.Request.Context(), source.ProfileID)
	if err != nil {
		log.Printf("device config: failed to load studies for source %s: %v", source.ID, err)
		active = nil
	}
	for i := range active {
		study := &active[i]
		fragment, err := h.content.SourceConfigFragment(c.Request.Context(), study, sources.TypeMobileSensing, fallbackSensingConfig)
		if err != nil {
			log.Printf("device config: skipping study %s: %v", study.ID, err)
			continue
		}
		for _, key := range []string{"questions", "schedules", "sensors"} {
			if items, ok := fragment[key].([]interface{}); ok {
				config[key] = append(config[key].([]interface{}), items...)
			}
		}
	}

	c.JSON(http.StatusOK, config)
}
