// Package auth issues and verifies the API tokens participants and
// researchers authenticate with.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"studylink/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Context keys set by Middleware.
const (
	ContextProfileID = "profile_id"
	ContextUserType  = "user_type"
)

// TokenService signs and verifies HS256 tokens carrying the profile identity.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates the service. An empty secret falls back to the
// JWT_SECRET environment variable.
func NewTokenService(secret string) *TokenService {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    24 * time.Hour,
	}
}

// Issue creates a token for a profile.
func (ts *TokenService) Issue(profile *models.Profile) (string, error) {
	claims := jwt.MapClaims{
		"sub":       profile.ID.String(),
		"user_type": profile.UserType,
		"exp":       time.Now().Add(ts.ttl).Unix(),
		"iat":       time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ts.secret)
}

// Verify parses a token and returns the profile id and user type.
func (ts *TokenService) Verify(tokenString string) (uuid.UUID, string, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, "", fmt.Errorf("invalid token")
	}
	sub, _ := claims["sub"].(string)
	profileID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid subject claim")
	}
	userType, _ := claims["user_type"].(string)
	return profileID, userType, nil
}

// Middleware authenticates requests and loads the profile identity into the
// gin context.
func (ts *TokenService) Middleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}

		profileID, userType, err := ts.Verify(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		var profile models.Profile
		if err := db.First(&profile, "id = ?", profileID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unknown profile"})
			return
		}

		c.Set(ContextProfileID, profileID.String())
		c.Set(ContextUserType, userType)
		c.Next()
	}
}

// RequireResearcher gates aggregation endpoints to researcher profiles.
func RequireResearcher() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextUserType) != models.UserTypeResearcher {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Researcher access required"})
			return
		}
		c.Next()
	}
}

// ProfileID reads the authenticated profile id from the gin context.
func ProfileID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetString(ContextProfileID))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
