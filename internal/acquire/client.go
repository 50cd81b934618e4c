// Package acquire fetches raw TCX artifacts from the source platform.
package acquire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrorKind classifies acquisition failures for the orchestrator.
type ErrorKind int

const (
	// KindAuthExpired means the session credential is no longer valid. Fatal
	// for the whole run; the operator must refresh the cookie.
	KindAuthExpired ErrorKind = iota
	// KindNotFound means the workout does not exist or is private. Terminal
	// for the record.
	KindNotFound
	// KindTransient covers network failures and 5xx responses; the record
	// stays pending and a later run retries it.
	KindTransient
)

// Error is a classified acquisition failure.
type Error struct {
	Kind       ErrorKind
	ExternalID int64
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquire workout %d: %v", e.ExternalID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Client downloads TCX exports using a pre-established session cookie.
type Client struct {
	baseURL     string
	cookie      string
	artifactDir string
	httpClient  *http.Client
	logger      *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger used to report download progress.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient substitutes the transport, primarily for tests. The client
// is copied before the redirect policy is applied, so the caller's client is
// never mutated.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		copied := *hc
		copied.CheckRedirect = noRedirect
		c.httpClient = &copied
	}
}

// NewClient constructs a Client writing artifacts under artifactDir.
func NewClient(baseURL, cookie, artifactDir string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		cookie:      cookie,
		artifactDir: artifactDir,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// A redirect here is the login page, not the artifact. Surface it
			// so it classifies as expired authentication.
			CheckRedirect: noRedirect,
		},
		logger: log.New(log.Writer(), "[acquire] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// ArtifactPath returns the id-addressed location for a workout's artifact.
func (c *Client) ArtifactPath(externalID int64) string {
	return filepath.Join(c.artifactDir, fmt.Sprintf("%d.tcx", externalID))
}

// Fetch downloads the TCX export for one workout and writes it to the
// artifact directory, returning the written path.
func (c *Client) Fetch(ctx context.Context, externalID int64) (string, error) {
	url := fmt.Sprintf("%s/%d/tcx", c.baseURL, externalID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &Error{Kind: KindTransient, ExternalID: externalID, Err: err}
	}
	req.Header.Set("Cookie", c.cookie)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransient, ExternalID: externalID, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return "", &Error{Kind: KindAuthExpired, ExternalID: externalID,
			Err: fmt.Errorf("redirected to login (status %d); session cookie expired", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &Error{Kind: KindAuthExpired, ExternalID: externalID,
			Err: fmt.Errorf("authentication rejected (status %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", &Error{Kind: KindNotFound, ExternalID: externalID,
			Err: fmt.Errorf("workout not found or private (status %d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", &Error{Kind: KindTransient, ExternalID: externalID,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransient, ExternalID: externalID, Err: err}
	}

	// An HTML body in place of TCX means the server served a page (usually
	// login) instead of the export, even with a 200.
	if isHTML(resp.Header.Get("Content-Type"), body) {
		c.describeHTMLPage(externalID, body)
		return "", &Error{Kind: KindAuthExpired, ExternalID: externalID,
			Err: fmt.Errorf("received HTML page instead of TCX data; session cookie expired")}
	}

	if err := os.MkdirAll(c.artifactDir, 0o755); err != nil {
		return "", &Error{Kind: KindTransient, ExternalID: externalID, Err: err}
	}
	path := c.ArtifactPath(externalID)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", &Error{Kind: KindTransient, ExternalID: externalID, Err: err}
	}

	c.logger.Printf("downloaded workout %d to %s (%d bytes)", externalID, path, len(body))
	return path, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	head := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// describeHTMLPage logs what page the server actually served, which makes
// "update your cookie" diagnoses immediate for the operator.
func (c *Client) describeHTMLPage(externalID int64, body []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = "(untitled page)"
	}
	c.logger.Printf("workout %d: server returned HTML page %q", externalID, title)
}
