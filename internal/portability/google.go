package portability

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// GoogleConfig holds Google Data Portability API settings.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	OAuthBaseURL string
	TokenURL     string
	APIBaseURL   string
	Resources    []string
}

// LoadGoogleConfig loads Google settings from environment variables.
func LoadGoogleConfig() *GoogleConfig {
	return &GoogleConfig{
		ClientID:     os.Getenv("GOOGLE_OAUTH_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET"),
		OAuthBaseURL: "https://accounts.google.com/o/oauth2",
		TokenURL:     "https://oauth2.googleapis.com/token",
		APIBaseURL:   "https://dataportability.googleapis.com/v1",
		Resources:    []string{"myactivity.youtube"},
	}
}

// GoogleProvider exports activity history through the Google Data
// Portability API.
type GoogleProvider struct {
	config     *GoogleConfig
	httpClient *http.Client
}

// NewGoogleProvider creates the provider with a bounded-timeout client.
func NewGoogleProvider(config *GoogleConfig) *GoogleProvider {
	return &GoogleProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *GoogleProvider) Name() string        { return "google" }
func (g *GoogleProvider) DataTypes() []string { return []string{"youtube_history"} }
func (g *GoogleProvider) UsesPKCE() bool      { return false }

func (g *GoogleProvider) AuthURL(state, challenge, redirectURI string) string {
	params := url.Values{}
	params.Set("client_id", g.config.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "https://www.googleapis.com/auth/dataportability.myactivity.youtube")
	params.Set("access_type", "offline")
	params.Set("state", state)
	params.Set("prompt", "consent")
	return g.config.OAuthBaseURL + "/auth?" + params.Encode()
}

type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (g *GoogleProvider) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Tokens, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", g.config.ClientID)
	data.Set("client_secret", g.config.ClientSecret)
	data.Set("redirect_uri", redirectURI)

	var tokenResp googleTokenResponse
	if err := g.postForm(ctx, g.config.TokenURL, data, &tokenResp, ErrTokenExchange); err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

func (g *GoogleProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", g.config.ClientID)
	data.Set("client_secret", g.config.ClientSecret)

	var tokenResp googleTokenResponse
	if err := g.postForm(ctx, g.config.TokenURL, data, &tokenResp, ErrTokenRefresh); err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken: tokenResp.AccessToken,
		ExpiresIn:   tokenResp.ExpiresIn,
	}, nil
}

// InitiateExport kicks off a portability archive job for the configured
// resources.
func (g *GoogleProvider) InitiateExport(ctx context.Context, accessToken string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{"resources": g.config.Resources})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportJob, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.config.APIBaseURL+"/portabilityArchive:initiate", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var initResp struct {
		ArchiveJobID string `json:"archiveJobId"`
	}
	if err := g.doJSON(req, &initResp, ErrExportJob); err != nil {
		return "", err
	}
	if initResp.ArchiveJobID == "" {
		return "", fmt.Errorf("%w: no archiveJobId in response", ErrExportJob)
	}
	return initResp.ArchiveJobID, nil
}

func (g *GoogleProvider) ExportJobStatus(ctx context.Context, accessToken, jobID string) (*JobStatus, error) {
	statusURL := fmt.Sprintf("%s/archiveJobs/%s/portabilityArchiveState", g.config.APIBaseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var stateResp struct {
		State string   `json:"state"`
		URLs  []string `json:"urls"`
	}
	if err := g.doJSON(req, &stateResp, ErrExportJob); err != nil {
		return nil, err
	}
	return &JobStatus{
		State:        stateResp.State,
		Complete:     stateResp.State == "COMPLETED",
		DownloadURLs: stateResp.URLs,
	}, nil
}

func (g *GoogleProvider) DownloadArchive(ctx context.Context, accessToken, archiveURL string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrExportJob, resp.StatusCode)
	}
	_, err = io.Copy(dest, resp.Body)
	return err
}

// ParseArchive reads a Takeout-style zip and extracts watch-history entries
// into canonical records.
func (g *GoogleProvider) ParseArchive(path string) ([]Record, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	var records []Record
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, ".json") || !strings.Contains(strings.ToLower(file.Name), "history") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		entries, err := parseWatchHistory(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file.Name, err)
		}
		records = append(records, entries...)
	}
	return records, nil
}

type watchHistoryEntry struct {
	Header   string `json:"header"`
	Title    string `json:"title"`
	TitleURL string `json:"titleUrl"`
	Time     string `json:"time"`
}

func parseWatchHistory(r io.Reader) ([]Record, error) {
	var entries []watchHistoryEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		ts := int64(0)
		if parsed, err := time.Parse(time.RFC3339, entry.Time); err == nil {
			ts = parsed.UnixMilli()
		}
		records = append(records, Record{
			DataType:  "youtube_history",
			Timestamp: ts,
			Payload: map[string]interface{}{
				"header":    entry.Header,
				"title":     entry.Title,
				"title_url": entry.TitleURL,
				"time":      entry.Time,
			},
		})
	}
	return records, nil
}

// RevokeToken resets the portability authorization for this account.
func (g *GoogleProvider) RevokeToken(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.config.APIBaseURL+"/authorization:reset", strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed: status %d", resp.StatusCode)
	}
	return nil
}

func (g *GoogleProvider) postForm(ctx context.Context, endpoint string, data url.Values, out interface{}, sentinel error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return g.doJSON(req, out, sentinel)
}

func (g *GoogleProvider) doJSON(req *http.Request, out interface{}, sentinel error) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return nil
}
