package sources

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"studylink/internal/models"
	"studylink/internal/portability"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OAuthAdapter is implemented by adapters whose setup step is an OAuth
// authorization flow. Handlers type-assert against it.
type OAuthAdapter interface {
	AuthStartURL(ctx context.Context, source *models.DataSource) (string, error)
	HandleAuthCallback(ctx context.Context, source *models.DataSource, code string) (string, error)
}

// PortabilityAdapter drives a provider's archive-export state machine:
// authorized -> data_requested/processing -> processed, or -> error with
// manual retry. Parsed rows land in the portability_records table so fetches
// never touch the provider.
type PortabilityAdapter struct {
	UnimplementedAdapter

	db          *gorm.DB
	consent     ConsentChecker
	provider    portability.Provider
	redirectURI string
	dataDir     string
}

// NewPortabilityAdapter creates the adapter. Archives are downloaded under
// dataDir before parsing.
func NewPortabilityAdapter(db *gorm.DB, consent ConsentChecker, provider portability.Provider, redirectURI, dataDir string) *PortabilityAdapter {
	if dataDir == "" {
		dataDir = "data"
	}
	return &PortabilityAdapter{
		db:          db,
		consent:     consent,
		provider:    provider,
		redirectURI: redirectURI,
		dataDir:     dataDir,
	}
}

// AuthStartURL generates the anti-CSRF state nonce (and PKCE pair where the
// provider requires one), persists them on the source and returns the
// provider authorization URL.
func (a *PortabilityAdapter) AuthStartURL(ctx context.Context, source *models.DataSource) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}

	challenge := ""
	if a.provider.UsesPKCE() {
		verifier, ch, err := portability.PKCEPair(rand.Read)
		if err != nil {
			return "", fmt.Errorf("failed to generate PKCE pair: %w", err)
		}
		source.CodeVerifier = verifier
		challenge = ch
	}

	source.OAuthState = &state
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		return "", fmt.Errorf("failed to persist authorization state: %w", err)
	}
	return a.provider.AuthURL(state, challenge, a.redirectURI), nil
}

// HandleAuthCallback exchanges the authorization code, stores tokens and the
// external account id, and initiates the provider's export job. The state
// nonce is single-use: it is cleared before the exchange so a replayed
// callback cannot find the source again.
func (a *PortabilityAdapter) HandleAuthCallback(ctx context.Context, source *models.DataSource, code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("authorization code not provided")
	}
	if a.provider.UsesPKCE() && source.CodeVerifier == "" {
		return "", fmt.Errorf("missing code verifier, authorization may have expired")
	}

	source.OAuthState = nil
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		return "", fmt.Errorf("failed to consume authorization state: %w", err)
	}

	tokens, err := a.provider.ExchangeCode(ctx, code, source.CodeVerifier, a.redirectURI)
	if err != nil {
		return "", &TransportError{Op: "Token request failed", Err: err}
	}

	source.AccessToken = tokens.AccessToken
	source.RefreshToken = tokens.RefreshToken
	expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	source.TokenExpiry = &expiry
	if tokens.AccountID != "" {
		source.ExternalAccountID = &tokens.AccountID
	}
	source.CodeVerifier = ""
	source.ProcessingStatus = models.ProcessingAuthorized
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		// The unique index on external_account_id rejects a second source
		// claiming the same provider account.
		return "", &ClaimConflictError{What: "account"}
	}

	jobID, err := a.provider.InitiateExport(ctx, source.AccessToken)
	if err != nil {
		return "", &TransportError{Op: "Failed to initiate data export", Err: err}
	}

	source.DataJobIDs = append(source.DataJobIDs, jobID)
	state := source.JobState(jobID)
	state["completed"] = false
	state["state"] = ""
	source.ProcessingStatus = models.ProcessingDataRequested
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		return "", fmt.Errorf("failed to record export job: %w", err)
	}
	return "Authorization successful.", nil
}

// RefreshAccessToken runs the refresh grant and stores the new token.
func (a *PortabilityAdapter) RefreshAccessToken(ctx context.Context, source *models.DataSource) error {
	if source.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	tokens, err := a.provider.RefreshAccessToken(ctx, source.RefreshToken)
	if err != nil {
		return &TransportError{Op: "Token refresh failed", Err: err}
	}
	source.AccessToken = tokens.AccessToken
	expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	source.TokenExpiry = &expiry
	return a.db.WithContext(ctx).Save(source).Error
}

// DownloadDataFiles polls export jobs and downloads completed archives.
// Idempotent: jobs already marked completed are skipped, so repeated sweeps
// are safe no-ops once everything is down.
func (a *PortabilityAdapter) DownloadDataFiles(ctx context.Context, source *models.DataSource) (bool, string) {
	if err := a.RefreshAccessToken(ctx, source); err != nil {
		return false, "Cannot download data: no valid access token."
	}
	if len(source.DataJobIDs) == 0 {
		return false, "No data export jobs found. Please initiate a data export first."
	}

	for _, jobID := range source.DataJobIDs {
		if source.JobDone(jobID) {
			continue
		}

		status, err := a.provider.ExportJobStatus(ctx, source.AccessToken, jobID)
		if err != nil {
			return false, fmt.Sprintf("Error during data retrieval: %v", err)
		}
		state := source.JobState(jobID)
		state["state"] = status.State
		if !status.Complete {
			a.save(ctx, source)
			return false, "Data export is still processing. Please check back later."
		}

		for i, archiveURL := range status.DownloadURLs {
			path := filepath.Join(a.dataDir, fmt.Sprintf("%s_%s_%d.zip", a.provider.Name(), jobID, i))
			if err := a.downloadTo(ctx, source.AccessToken, archiveURL, path); err != nil {
				return false, fmt.Sprintf("Error during data retrieval: %v", err)
			}
			source.DownloadedFiles = append(source.DownloadedFiles, path)
		}

		state["completed"] = true
		state["downloaded_at"] = time.Now().Format(time.RFC3339)
		source.ProcessingStatus = models.ProcessingInProgress
		source.Status = models.StatusProcessing
		if err := a.save(ctx, source); err != nil {
			return false, fmt.Sprintf("Failed to record download: %v", err)
		}
	}
	return true, "Data files downloaded."
}

// ExtractAndProcess parses downloaded archives into the durable record
// store. Per-file processed flags make repeat invocations no-ops; the source
// transitions to processed/active only when every job and file is done. A
// parse failure flips the sub-status to error and appends to the processing
// log instead of raising.
func (a *PortabilityAdapter) ExtractAndProcess(ctx context.Context, source *models.DataSource) {
	if source.ProcessingStatus != models.ProcessingInProgress {
		return
	}

	for _, path := range source.DownloadedFiles {
		if source.FileDone(path) {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			source.AppendLog(fmt.Sprintf("File not found: %s", path))
			continue
		}

		records, err := a.provider.ParseArchive(path)
		if err != nil {
			source.AppendLog(fmt.Sprintf("Error during processing: %v", err))
			source.ProcessingStatus = models.ProcessingError
			a.save(ctx, source)
			return
		}
		if err := a.storeRecords(ctx, source, records); err != nil {
			source.AppendLog(fmt.Sprintf("Error during processing: %v", err))
			source.ProcessingStatus = models.ProcessingError
			a.save(ctx, source)
			return
		}

		state := source.FileState(path)
		state["processed"] = true
		state["processed_at"] = time.Now().Format(time.RFC3339)
		a.save(ctx, source)
	}

	allDone := len(source.DownloadedFiles) > 0
	for _, jobID := range source.DataJobIDs {
		if !source.JobDone(jobID) {
			allDone = false
		}
	}
	for _, path := range source.DownloadedFiles {
		if !source.FileDone(path) {
			allDone = false
		}
	}
	if allDone {
		source.AppendLog("Data processed successfully.")
		source.ProcessingStatus = models.ProcessingProcessed
		source.Status = models.StatusActive
		a.save(ctx, source)
	}
}

// Process is the background sweep step: poll, download, extract. It is not
// consent-gated: the linked consent can only become complete once the source
// goes active, which happens here. FetchData and CountRows keep the gate.
func (a *PortabilityAdapter) Process(ctx context.Context, source *models.DataSource) (bool, string) {
	ok, msg := a.DownloadDataFiles(ctx, source)
	a.ExtractAndProcess(ctx, source)
	return ok, msg
}

// Confirm triggers a download attempt, mirroring the sweep step, so a
// participant can poke a stuck export manually.
func (a *PortabilityAdapter) Confirm(ctx context.Context, source *models.DataSource) (string, error) {
	ok, msg := a.DownloadDataFiles(ctx, source)
	a.ExtractAndProcess(ctx, source)
	if !ok {
		return "", fmt.Errorf("%s", msg)
	}
	return msg, nil
}

// DataTypes reflects the processing status: kinds become visible only once
// the archive is fully processed.
func (a *PortabilityAdapter) DataTypes(ctx context.Context, source *models.DataSource) []string {
	if source.ProcessingStatus != models.ProcessingProcessed {
		return nil
	}
	return a.provider.DataTypes()
}

// FetchData reads parsed rows from the durable record store.
func (a *PortabilityAdapter) FetchData(ctx context.Context, source *models.DataSource, q FetchQuery) ([]Row, error) {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return nil, ErrNoConsent
	}
	if !supportedType(a.provider.DataTypes(), q.DataType) {
		return nil, &UnsupportedTypeError{DataType: q.DataType}
	}
	if source.ProcessingStatus != models.ProcessingProcessed {
		return nil, nil
	}

	var records []models.PortabilityRecord
	query := a.recordQuery(ctx, source, q).Order("timestamp ASC").Offset(q.Offset)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, &TransportError{Op: "Could not read processed data", Err: err}
	}

	rows := make([]Row, 0, len(records))
	for _, record := range records {
		row := Row{}
		if err := json.Unmarshal(record.Payload, &row); err != nil {
			continue
		}
		row["timestamp"] = record.Timestamp
		rows = append(rows, row)
	}
	return EnrichRows(rows, source.DeviceID), nil
}

// CountRows counts stored records; fails closed to zero.
func (a *PortabilityAdapter) CountRows(ctx context.Context, source *models.DataSource, q FetchQuery) int {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return 0
	}
	if !supportedType(a.provider.DataTypes(), q.DataType) || source.ProcessingStatus != models.ProcessingProcessed {
		return 0
	}
	var count int64
	if err := a.recordQuery(ctx, source, q).Count(&count).Error; err != nil {
		return 0
	}
	return int(count)
}

// SetupInfo points at the OAuth authorization start endpoint.
func (a *PortabilityAdapter) SetupInfo(source *models.DataSource) *SetupInfo {
	return &SetupInfo{
		Kind: "oauth",
		URL:  fmt.Sprintf("/api/auth/start/%s", source.ID),
	}
}

// RevokeBeforeDelete revokes the provider grant first, then cleans local
// artifacts, in that order so revocation is attempted even if cleanup fails.
func (a *PortabilityAdapter) RevokeBeforeDelete(ctx context.Context, source *models.DataSource) {
	if err := a.RefreshAccessToken(ctx, source); err != nil {
		log.Printf("portability: token refresh before revocation for %s: %v", source.ID, err)
	}
	if source.AccessToken != "" {
		if err := a.provider.RevokeToken(ctx, source.AccessToken); err != nil {
			log.Printf("portability: revocation for %s failed: %v", source.ID, err)
		}
	}
	a.cleanupFiles(ctx, source)
}

func (a *PortabilityAdapter) cleanupFiles(ctx context.Context, source *models.DataSource) {
	for _, path := range source.DownloadedFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("portability: failed to remove %s: %v", path, err)
		}
	}
	source.DownloadedFiles = nil
	a.db.WithContext(ctx).
		Where("device_id = ?", source.DeviceID).
		Delete(&models.PortabilityRecord{})
	a.save(ctx, source)
}

func (a *PortabilityAdapter) recordQuery(ctx context.Context, source *models.DataSource, q FetchQuery) *gorm.DB {
	query := a.db.WithContext(ctx).Model(&models.PortabilityRecord{}).
		Where("device_id = ? AND data_type = ?", source.DeviceID, q.DataType)
	if q.StartDate != nil {
		query = query.Where("timestamp >= ?", q.StartDate.UnixMilli())
	}
	if q.EndDate != nil {
		query = query.Where("timestamp <= ?", q.EndDate.UnixMilli())
	}
	return query
}

func (a *PortabilityAdapter) storeRecords(ctx context.Context, source *models.DataSource, records []portability.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]models.PortabilityRecord, 0, len(records))
	for _, record := range records {
		payload, err := json.Marshal(record.Payload)
		if err != nil {
			return err
		}
		rows = append(rows, models.PortabilityRecord{
			ID:        uuid.New(),
			DeviceID:  source.DeviceID,
			DataType:  record.DataType,
			Timestamp: record.Timestamp,
			Payload:   datatypes.JSON(payload),
		})
	}
	return a.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (a *PortabilityAdapter) downloadTo(ctx context.Context, accessToken, archiveURL, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return a.provider.DownloadArchive(ctx, accessToken, archiveURL, file)
}

func (a *PortabilityAdapter) save(ctx context.Context, source *models.DataSource) error {
	if err := a.db.WithContext(ctx).Save(source).Error; err != nil {
		log.Printf("portability: failed to save source %s: %v", source.ID, err)
		return err
	}
	return nil
}

func supportedType(types []string, dataType string) bool {
	for _, t := range types {
		if t == dataType {
			return true
		}
	}
	return false
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
