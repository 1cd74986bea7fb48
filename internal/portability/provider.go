// Package portability holds the OAuth data-portability provider clients.
// Each provider exposes the same contract: authorize, exchange, refresh,
// initiate an asynchronous export job, poll it, download the archive and
// parse it into canonical records.
package portability

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrTokenExchange = errors.New("provider token exchange failed")
	ErrTokenRefresh  = errors.New("provider token refresh failed")
	ErrExportJob     = errors.New("provider export job request failed")
)

// Tokens are the credentials returned by a provider token endpoint.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	AccountID    string
}

// JobStatus is the state of one asynchronous export job.
type JobStatus struct {
	State        string
	Complete     bool
	DownloadURLs []string
}

// Record is one canonical row parsed from an export archive. Timestamp is
// milliseconds since epoch.
type Record struct {
	DataType  string
	Timestamp int64
	Payload   map[string]interface{}
}

// Provider is the per-service portability client.
type Provider interface {
	Name() string

	// DataTypes lists the data kinds this provider's archives parse into.
	DataTypes() []string

	// UsesPKCE reports whether the authorization flow needs a PKCE pair.
	UsesPKCE() bool

	// AuthURL builds the provider authorization URL. challenge is empty for
	// providers without PKCE.
	AuthURL(state, challenge, redirectURI string) string

	// ExchangeCode trades an authorization code for tokens. verifier is the
	// PKCE code verifier when UsesPKCE.
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Tokens, error)

	// RefreshAccessToken runs the refresh-token grant.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error)

	// InitiateExport starts an asynchronous archive export and returns the
	// job identifier.
	InitiateExport(ctx context.Context, accessToken string) (string, error)

	// ExportJobStatus polls one job.
	ExportJobStatus(ctx context.Context, accessToken, jobID string) (*JobStatus, error)

	// DownloadArchive streams one completed archive file.
	DownloadArchive(ctx context.Context, accessToken, url string, dest io.Writer) error

	// ParseArchive reads a downloaded archive into canonical records.
	ParseArchive(path string) ([]Record, error)

	// RevokeToken revokes the grant with the provider, best-effort.
	RevokeToken(ctx context.Context, accessToken string) error
}

// PKCEPair generates a code verifier and its S256 challenge: verifier is 32
// random bytes base64url-encoded without padding, challenge is the unpadded
// base64url SHA-256 of the verifier.
func PKCEPair(random func([]byte) (int, error)) (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := random(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
