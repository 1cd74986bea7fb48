// Package studies serves study membership and the externally-hosted study
// content: front pages, consent text and per-study source configuration all
// live in a repository under the study's content base URL.
package studies

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studylink/internal/cache"
	"studylink/internal/models"

	"github.com/russross/blackfriday/v2"
	"golang.org/x/net/html"
)

const (
	contentTTL     = 5 * time.Minute
	contentTimeout = 5 * time.Second
)

// DefaultConsentText is used when a study hosts no consent document for a
// source type.
const DefaultConsentText = "## Consent\n\nBy linking this data source you agree to share its data with the study."

// ContentService fetches and caches externally hosted study content.
type ContentService struct {
	client *http.Client
	cache  *cache.TTL[string]
}

// NewContentService creates the service. A nil client gets the default
// bounded timeout.
func NewContentService(client *http.Client) *ContentService {
	if client == nil {
		client = &http.Client{Timeout: contentTimeout}
	}
	return &ContentService{
		client: client,
		cache:  cache.NewTTL[string](contentTTL),
	}
}

// StudyPageHTML returns the study's hosted front page.
func (s *ContentService) StudyPageHTML(ctx context.Context, study *models.Study) (string, error) {
	base := study.RawContentBaseURL()
	if base == "" {
		return "", fmt.Errorf("study page has not been configured")
	}
	return s.fetchCached(ctx, base+"/front_page.html")
}

// PageTitle extracts the first <title> or <h1> text from an HTML document,
// for dashboard display.
func PageTitle(document string) string {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return ""
	}
	for _, tag := range []string{"title", "h1"} {
		if title := findFirstText(root, tag); title != "" {
			return title
		}
	}
	return ""
}

func findFirstText(n *html.Node, tag string) string {
	if n.Type == html.ElementNode && n.Data == tag {
		var text strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				text.WriteString(c.Data)
			}
		}
		return strings.TrimSpace(text.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirstText(c, tag); found != "" {
			return found
		}
	}
	return ""
}

// ConsentHTML returns the rendered consent document for a source type. The
// hosted document is markdown; a missing or unreachable document falls back
// to the default text.
func (s *ContentService) ConsentHTML(ctx context.Context, study *models.Study, sourceType string) string {
	markdown := DefaultConsentText
	if base := study.RawContentBaseURL(); base != "" {
		url := fmt.Sprintf("%s/consent_%s.md", base, strings.ToLower(sourceType))
		if fetched, err := s.fetchCached(ctx, url); err == nil {
			markdown = fetched
		}
	}
	return string(blackfriday.Run([]byte(markdown)))
}

// SourceConfigFragment fetches the study's configuration fragment for a
// source type as parsed JSON. A missing fragment is an error the caller may
// skip over, not a fatal condition.
func (s *ContentService) SourceConfigFragment(ctx context.Context, study *models.Study, sourceType, fallbackName string) (map[string]interface{}, error) {
	base := study.RawContentBaseURL()
	if base == "" {
		return nil, fmt.Errorf("study %s has no content base URL", study.ID)
	}
	body, err := s.fetchCached(ctx, base+"/"+study.ConfigFilename(sourceType, fallbackName))
	if err != nil {
		return nil, err
	}

	var fragment map[string]interface{}
	if err := json.Unmarshal([]byte(body), &fragment); err != nil {
		return nil, fmt.Errorf("invalid config fragment for study %s: %w", study.ID, err)
	}
	return fragment, nil
}

func (s *ContentService) fetchCached(ctx context.Context, url string) (string, error) {
	if cached, ok := s.cache.Get(url); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	content := string(body)
	s.cache.Set(url, content)
	return content, nil
}
