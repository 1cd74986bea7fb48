package auth

import (
	"testing"

	"studylink/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	service := NewTokenService("test-secret")
	profile := &models.Profile{ID: uuid.New(), Username: "alice", UserType: models.UserTypeResearcher}

	token, err := service.Issue(profile)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	profileID, userType, err := service.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, profileID)
	assert.Equal(t, models.UserTypeResearcher, userType)
}

func TestVerifyStripsBearerPrefix(t *testing.T) {
	service := NewTokenService("test-secret")
	profile := &models.Profile{ID: uuid.New(), Username: "alice", UserType: models.UserTypeParticipant}

	token, err := service.Issue(profile)
	require.NoError(t, err)

	profileID, _, err := service.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, profileID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a")
	verifier := NewTokenService("secret-b")
	profile := &models.Profile{ID: uuid.New(), Username: "alice", UserType: models.UserTypeParticipant}

	token, err := issuer.Issue(profile)
	require.NoError(t, err)

	_, _, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	service := NewTokenService("test-secret")
	_, _, err := service.Verify("not-a-token")
	assert.Error(t, err)
}
