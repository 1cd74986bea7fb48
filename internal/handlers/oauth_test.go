package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"studylink/internal/models"
	"studylink/internal/sources"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// callbackAdapter satisfies both Adapter and OAuthAdapter, recording calls.
type callbackAdapter struct {
	sources.UnimplementedAdapter
	db       *gorm.DB
	handled  int
	lastCode string
}

func (a *callbackAdapter) AuthStartURL(context.Context, *models.DataSource) (string, error) {
	return "https://provider.test/auth", nil
}

func (a *callbackAdapter) HandleAuthCallback(ctx context.Context, source *models.DataSource, code string) (string, error) {
	a.handled++
	a.lastCode = code
	source.OAuthState = nil
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		return "", err
	}
	return "Authorization successful.", nil
}

func oauthRouter(db *gorm.DB, adapter *callbackAdapter) *gin.Engine {
	registry := sources.NewRegistry()
	registry.Register(&sources.Descriptor{
		Type:          sources.TypeGooglePortability,
		DisplayName:   "Google",
		RequiresSetup: true,
		Adapter:       adapter,
	})
	handler := NewOAuthHandler(db, registry)
	r := gin.New()
	r.GET("/api/auth/callback", handler.AuthCallback)
	return r
}

func TestAuthCallbackCorrelatesByState(t *testing.T) {
	db := setupHandlerTest(t)
	adapter := &callbackAdapter{db: db}
	router := oauthRouter(db, adapter)

	state := "nonce-1"
	source := models.NewDataSource(sources.TypeGooglePortability, uuid.New(), "Export")
	source.OAuthState = &state
	require.NoError(t, db.Create(source).Error)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=code-1&state=nonce-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, adapter.handled)
	assert.Equal(t, "code-1", adapter.lastCode)

	// The nonce was consumed; the same callback replayed finds nothing.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=code-1&state=nonce-1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, adapter.handled)
}

func TestAuthCallbackRejectsMissingParams(t *testing.T) {
	db := setupHandlerTest(t)
	router := oauthRouter(db, &callbackAdapter{db: db})

	for _, target := range []string{
		"/api/auth/callback",
		"/api/auth/callback?code=code-1",
		"/api/auth/callback?state=nonce-1",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestAuthCallbackUnknownState(t *testing.T) {
	db := setupHandlerTest(t)
	adapter := &callbackAdapter{db: db}
	router := oauthRouter(db, adapter)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback?code=code-1&state=unseen", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, adapter.handled)
}
