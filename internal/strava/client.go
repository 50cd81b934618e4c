// Package strava is the destination API boundary: listing activities in a
// time window, uploading raw artifacts, and polling upload outcomes.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Activity is one destination-side activity summary.
type Activity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	StartDate   time.Time `json:"start_date"`
	Distance    float64   `json:"distance"`     // meters
	ElapsedTime float64   `json:"elapsed_time"` // seconds
}

// UploadRequest carries one artifact plus its metadata to the upload endpoint.
type UploadRequest struct {
	ArtifactPath string
	Name         string
	Description  string
	ActivityType string
	ExternalID   string // idempotency hint forwarded to the destination
}

// UploadStatus is the destination's view of an in-flight or finished upload.
type UploadStatus struct {
	ID         int64  `json:"id"`
	ActivityID int64  `json:"activity_id"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// Processing reports whether the destination is still working on the upload.
func (s UploadStatus) Processing() bool {
	return s.Error == "" && s.ActivityID == 0
}

// Ready reports whether the upload finished and produced an activity.
func (s UploadStatus) Ready() bool {
	return s.Error == "" && s.ActivityID != 0
}

// ThrottleError signals the caller exceeded a request-rate budget. RetryAfter
// is zero when the response carried no usable hint.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("destination throttled request (retry after %s)", e.RetryAfter)
	}
	return "destination throttled request"
}

// RejectionError is a non-throttling upload rejection. Duplicate detection by
// status code or message text lives with the caller.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("destination rejected request (status %d): %s", e.StatusCode, e.Message)
}

// API is the narrow destination interface the pipeline depends on, so tests
// can substitute deterministic responses.
type API interface {
	ListActivities(ctx context.Context, after, before time.Time) ([]Activity, error)
	UploadActivity(ctx context.Context, req UploadRequest) (UploadStatus, error)
	PollUpload(ctx context.Context, uploadID int64) (UploadStatus, error)
}

// Client implements API over HTTP with a token-sourced client. Token
// acquisition and refresh happen outside this package; the TokenSource is the
// pre-authenticated session the migration requires.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient substitutes the transport, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient constructs a Client for the given API root.
func NewClient(baseURL string, tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: oauth2.NewClient(context.Background(), tokens),
		logger:     log.New(log.Writer(), "[strava] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActivities returns the athlete's activities inside the window.
func (c *Client) ListActivities(ctx context.Context, after, before time.Time) ([]Activity, error) {
	query := url.Values{
		"after":    {strconv.FormatInt(after.Unix(), 10)},
		"before":   {strconv.FormatInt(before.Unix(), 10)},
		"per_page": {"100"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/athlete/activities?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("decode activity list: %w", err)
	}
	return activities, nil
}

// UploadActivity posts the artifact as multipart form data and returns the
// initial upload status.
func (c *Client) UploadActivity(ctx context.Context, upload UploadRequest) (UploadStatus, error) {
	file, err := os.Open(upload.ArtifactPath)
	if err != nil {
		return UploadStatus{}, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(upload.ArtifactPath))
	if err != nil {
		return UploadStatus{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return UploadStatus{}, fmt.Errorf("read artifact: %w", err)
	}
	_ = writer.WriteField("data_type", "tcx")
	_ = writer.WriteField("name", upload.Name)
	_ = writer.WriteField("description", upload.Description)
	_ = writer.WriteField("activity_type", upload.ActivityType)
	_ = writer.WriteField("external_id", upload.ExternalID)
	if err := writer.Close(); err != nil {
		return UploadStatus{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", body)
	if err != nil {
		return UploadStatus{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadStatus{}, fmt.Errorf("upload activity: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return UploadStatus{}, err
	}

	var status UploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return UploadStatus{}, fmt.Errorf("decode upload response: %w", err)
	}
	c.logger.Printf("upload accepted (upload_id=%d status=%q)", status.ID, status.Status)
	return status, nil
}

// PollUpload fetches the current status of a previously submitted upload.
func (c *Client) PollUpload(ctx context.Context, uploadID int64) (UploadStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/uploads/%d", c.baseURL, uploadID), nil)
	if err != nil {
		return UploadStatus{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadStatus{}, fmt.Errorf("poll upload: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return UploadStatus{}, err
	}

	var status UploadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return UploadStatus{}, fmt.Errorf("decode upload status: %w", err)
	}
	return status, nil
}

// checkResponse maps non-2xx responses onto the typed error taxonomy. 429s
// become ThrottleError regardless of which call produced them; everything
// else 4xx/5xx becomes a RejectionError carrying the body text.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &ThrottleError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RejectionError{StatusCode: resp.StatusCode, Message: rejectionMessage(raw)}
}

// parseRetryAfter reads a delay-seconds Retry-After value; anything else
// (dates, garbage) is treated as absent.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// rejectionMessage extracts a human-readable message from an error body,
// which may be structured JSON or raw text.
func rejectionMessage(raw []byte) string {
	var structured struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &structured); err == nil {
		switch {
		case structured.Error != "":
			return structured.Error
		case structured.Message != "":
			return structured.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
