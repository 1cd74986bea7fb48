package handlers

import (
	"net/http"

	"studylink/internal/auth"
	"studylink/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler registers accounts and issues API tokens.
type AuthHandler struct {
	db     *gorm.DB
	tokens *auth.TokenService
}

// NewAuthHandler creates the handler.
func NewAuthHandler(db *gorm.DB, tokens *auth.TokenService) *AuthHandler {
	return &AuthHandler{db: db, tokens: tokens}
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register handles POST /api/auth/register. New accounts are always
// participants; researcher accounts are provisioned out of band.
func (h *AuthHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	profile := models.Profile{
		ID:           uuid.New(),
		Username:     req.Username,
		PasswordHash: string(hash),
		UserType:     models.UserTypeParticipant,
	}
	if err := h.db.Create(&profile).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Username already taken"})
		return
	}

	token, err := h.tokens.Issue(&profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Account created", "token": token, "profile": profile})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return
	}

	var profile models.Profile
	err := h.db.Where("username = ?", req.Username).First(&profile).Error
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, err := h.tokens.Issue(&profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "profile": profile})
}
