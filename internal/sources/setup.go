package sources

import (
	"os"

	"studylink/internal/portability"

	"gorm.io/gorm"
)

// BuildRegistry registers every supported source type. Called once at
// startup; source type tags in study configurations must match these keys.
func BuildRegistry(db *gorm.DB, consent ConsentChecker, backend Backend) *Registry {
	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	redirectURI := getEnv("OAUTH_REDIRECT_URL", baseURL+"/api/auth/callback")
	dataDir := getEnv("DATA_DIR", "data")

	registry := NewRegistry()

	registry.Register(&Descriptor{
		Type:        TypeURLJSON,
		DisplayName: "JSON URL Data",
		Adapter:     NewURLJSONAdapter(consent, nil),
	})

	registry.Register(&Descriptor{
		Type:                 TypeMobileSensing,
		DisplayName:          "Mobile Sensing Data",
		RequiresSetup:        true,
		RequiresConfirmation: true,
		Adapter:              NewMobileSensingAdapter(db, consent, backend, baseURL),
	})

	registry.Register(&Descriptor{
		Type:                 TypeGooglePortability,
		DisplayName:          "Google Portability Data",
		RequiresSetup:        true,
		RequiresConfirmation: true,
		Adapter: NewPortabilityAdapter(db, consent,
			portability.NewGoogleProvider(portability.LoadGoogleConfig()), redirectURI, dataDir),
	})

	registry.Register(&Descriptor{
		Type:                 TypeTikTokPortability,
		DisplayName:          "TikTok Portability Data",
		RequiresSetup:        true,
		RequiresConfirmation: true,
		Adapter: NewPortabilityAdapter(db, consent,
			portability.NewTikTokProvider(portability.LoadTikTokConfig()), redirectURI, dataDir),
	})

	return registry
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
