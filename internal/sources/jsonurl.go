package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"studylink/internal/models"
)

const dataTypeRawJSON = "raw_json"

// URLJSONAdapter pulls a JSON document from a participant-hosted URL on every
// fetch. The remote end offers no server-side filtering, so date filtering
// and offset/limit slicing happen client-side after the download.
type URLJSONAdapter struct {
	UnimplementedAdapter

	consent ConsentChecker
	client  *http.Client
}

// NewURLJSONAdapter creates the adapter. A nil client gets a 10 second
// timeout default.
func NewURLJSONAdapter(consent ConsentChecker, client *http.Client) *URLJSONAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &URLJSONAdapter{consent: consent, client: client}
}

// DataTypes for a URL source is the constant raw_json kind.
func (a *URLJSONAdapter) DataTypes(ctx context.Context, source *models.DataSource) []string {
	return []string{dataTypeRawJSON}
}

// FetchData downloads the document, enriches rows with the correlation
// identifier, applies the date window to rows carrying a numeric millisecond
// timestamp, then slices by position.
func (a *URLJSONAdapter) FetchData(ctx context.Context, source *models.DataSource, q FetchQuery) ([]Row, error) {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return nil, ErrNoConsent
	}
	if q.DataType != dataTypeRawJSON {
		return nil, &UnsupportedTypeError{DataType: q.DataType}
	}

	rows, err := a.download(ctx, source.URL)
	if err != nil {
		return nil, err
	}

	rows = EnrichRows(rows, source.DeviceID)
	rows = filterByWindow(rows, q.StartDate, q.EndDate)
	return sliceRows(rows, q.Limit, q.Offset), nil
}

// CountRows measures the full feed length. Acceptable only because these
// feeds are bounded; fails closed to zero.
func (a *URLJSONAdapter) CountRows(ctx context.Context, source *models.DataSource, q FetchQuery) int {
	if !a.consent.HasActiveConsent(ctx, source.ID) {
		return 0
	}
	rows, err := a.download(ctx, source.URL)
	if err != nil {
		return 0
	}
	rows = EnrichRows(rows, source.DeviceID)
	return len(filterByWindow(rows, q.StartDate, q.EndDate))
}

func (a *URLJSONAdapter) download(ctx context.Context, sourceURL string) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "Could not fetch data from URL", Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "Could not fetch data from URL", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "Could not fetch data from URL", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "Could not fetch data from URL", Err: err}
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}

	// The response must be an array. A bare object is assumed to be a single
	// record and wrapped.
	var single Row
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, &TransportError{Op: "Could not fetch data from URL", Err: fmt.Errorf("response is not a JSON array or object: %w", err)}
	}
	return []Row{single}, nil
}
