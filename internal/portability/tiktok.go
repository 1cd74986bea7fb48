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

// TikTokConfig holds TikTok open API settings.
type TikTokConfig struct {
	ClientKey    string
	ClientSecret string
	AuthBaseURL  string
	APIBaseURL   string
}

// LoadTikTokConfig loads TikTok settings from environment variables.
func LoadTikTokConfig() *TikTokConfig {
	return &TikTokConfig{
		ClientKey:    os.Getenv("TIKTOK_CLIENT_KEY"),
		ClientSecret: os.Getenv("TIKTOK_CLIENT_SECRET"),
		AuthBaseURL:  "https://www.tiktok.com/v2/auth",
		APIBaseURL:   "https://open.tiktokapis.com/v2",
	}
}

// TikTokProvider exports account data through the TikTok data portability
// flow. TikTok requires PKCE on the authorization grant.
type TikTokProvider struct {
	config     *TikTokConfig
	httpClient *http.Client
}

// NewTikTokProvider creates the provider with a bounded-timeout client.
func NewTikTokProvider(config *TikTokConfig) *TikTokProvider {
	return &TikTokProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TikTokProvider) Name() string        { return "tiktok" }
func (t *TikTokProvider) DataTypes() []string { return []string{"tiktok_activity"} }
func (t *TikTokProvider) UsesPKCE() bool      { return true }

func (t *TikTokProvider) AuthURL(state, challenge, redirectURI string) string {
	params := url.Values{}
	params.Set("client_key", t.config.ClientKey)
	params.Set("response_type", "code")
	params.Set("scope", "user.info.basic,portability.all.single")
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	return t.config.AuthBaseURL + "/authorize?" + params.Encode()
}

type tiktokTokenResponse struct {
	Data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		OpenID       string `json:"open_id"`
	} `json:"data"`
}

func (t *TikTokProvider) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Tokens, error) {
	data := url.Values{}
	data.Set("code", code)
	data.Set("client_key", t.config.ClientKey)
	data.Set("client_secret", t.config.ClientSecret)
	data.Set("redirect_uri", redirectURI)
	data.Set("grant_type", "authorization_code")
	data.Set("code_verifier", verifier)

	var tokenResp tiktokTokenResponse
	if err := t.postForm(ctx, t.config.APIBaseURL+"/oauth/token/", data, &tokenResp, ErrTokenExchange); err != nil {
		return nil, err
	}
	if tokenResp.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrTokenExchange)
	}
	return &Tokens{
		AccessToken:  tokenResp.Data.AccessToken,
		RefreshToken: tokenResp.Data.RefreshToken,
		ExpiresIn:    tokenResp.Data.ExpiresIn,
		AccountID:    tokenResp.Data.OpenID,
	}, nil
}

func (t *TikTokProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	data := url.Values{}
	data.Set("client_key", t.config.ClientKey)
	data.Set("client_secret", t.config.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	var tokenResp tiktokTokenResponse
	if err := t.postForm(ctx, t.config.APIBaseURL+"/oauth/token/", data, &tokenResp, ErrTokenRefresh); err != nil {
		return nil, err
	}
	if tokenResp.Data.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrTokenRefresh)
	}
	return &Tokens{
		AccessToken: tokenResp.Data.AccessToken,
		ExpiresIn:   tokenResp.Data.ExpiresIn,
	}, nil
}

// InitiateExport submits a data portability request and returns its request
// identifier.
func (t *TikTokProvider) InitiateExport(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.APIBaseURL+"/user/data/add/", strings.NewReader(`{"category":"all"}`))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var addResp struct {
		Data struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
	}
	if err := t.doJSON(req, &addResp, ErrExportJob); err != nil {
		return "", err
	}
	if addResp.Data.RequestID == "" {
		return "", fmt.Errorf("%w: no request_id in response", ErrExportJob)
	}
	return addResp.Data.RequestID, nil
}

func (t *TikTokProvider) ExportJobStatus(ctx context.Context, accessToken, jobID string) (*JobStatus, error) {
	body := fmt.Sprintf(`{"request_id":%q}`, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.APIBaseURL+"/user/data/check/", strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var checkResp struct {
		Data struct {
			Status      string `json:"status"`
			DownloadURL string `json:"download_url"`
		} `json:"data"`
	}
	if err := t.doJSON(req, &checkResp, ErrExportJob); err != nil {
		return nil, err
	}

	status := &JobStatus{
		State:    checkResp.Data.Status,
		Complete: checkResp.Data.Status == "ready",
	}
	if checkResp.Data.DownloadURL != "" {
		status.DownloadURLs = []string{checkResp.Data.DownloadURL}
	}
	return status, nil
}

func (t *TikTokProvider) DownloadArchive(ctx context.Context, accessToken, archiveURL string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportJob, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := t.httpClient.Do(req)
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

// ParseArchive reads the exported zip and flattens activity lists into
// canonical records.
func (t *TikTokProvider) ParseArchive(path string) ([]Record, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	var records []Record
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, ".json") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		entries, err := parseActivityList(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file.Name, err)
		}
		records = append(records, entries...)
	}
	return records, nil
}

func parseActivityList(r io.Reader) ([]Record, error) {
	var entries []map[string]interface{}
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		ts := int64(0)
		if date, ok := entry["Date"].(string); ok {
			if parsed, err := time.Parse("2006-01-02 15:04:05", date); err == nil {
				ts = parsed.UnixMilli()
			}
		}
		records = append(records, Record{
			DataType:  "tiktok_activity",
			Timestamp: ts,
			Payload:   entry,
		})
	}
	return records, nil
}

// RevokeToken revokes the grant with TikTok.
func (t *TikTokProvider) RevokeToken(ctx context.Context, accessToken string) error {
	data := url.Values{}
	data.Set("client_key", t.config.ClientKey)
	data.Set("client_secret", t.config.ClientSecret)
	data.Set("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.APIBaseURL+"/oauth/revoke/", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed: status %d", resp.StatusCode)
	}
	return nil
}

func (t *TikTokProvider) postForm(ctx context.Context, endpoint string, data url.Values, out interface{}, sentinel error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.doJSON(req, out, sentinel)
}

func (t *TikTokProvider) doJSON(req *http.Request, out interface{}, sentinel error) error {
	resp, err := t.httpClient.Do(req)
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
