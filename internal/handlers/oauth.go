package handlers

import (
	"net/http"

	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// OAuthHandler drives the authorization flow for portability sources.
type OAuthHandler struct {
	db       *gorm.DB
	registry *sources.Registry
}

// NewOAuthHandler creates the handler.
func NewOAuthHandler(db *gorm.DB, registry *sources.Registry) *OAuthHandler {
	return &OAuthHandler{db: db, registry: registry}
}

// StartAuth handles GET /api/auth/start/:id: redirects the participant to the
// provider's consent screen.
func (h *OAuthHandler) StartAuth(c *gin.Context) {
	source, ok := ownedSource(c, h.db)
	if !ok {
		return
	}

	adapter, err := h.registry.AdapterFor(source)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	oauth, ok := adapter.(sources.OAuthAdapter)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "This source does not use authorization"})
		return
	}

	authURL, err := oauth.AuthStartURL(c.Request.Context(), source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start authorization", "details": err.Error()})
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, authURL)
}

// AuthCallback handles GET /api/auth/callback?code=...&state=... The state
// nonce locates the pending source; an unknown or reused nonce is rejected.
func (h *OAuthHandler) AuthCallback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing code or state parameter"})
		return
	}

	var source models.DataSource
	err := h.db.Where("oauth_state = ?", state).First(&source).Error
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired authorization state"})
		return
	}

	adapter, err := h.registry.AdapterFor(&source)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	oauth, ok := adapter.(sources.OAuthAdapter)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "This source does not use authorization"})
		return
	}

	message, err := oauth.HandleAuthCallback(c.Request.Context(), &source, code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}
