package strava

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "token-123"})
	return NewClient(srv.URL, tokens, WithLogger(log.New(testWriter{t}, "", 0)))
}

func TestListActivities(t *testing.T) {
	after := time.Date(2024, 9, 28, 0, 0, 0, 0, time.UTC)
	before := after.AddDate(0, 0, 1)

	var gotQuery map[string][]string
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/athlete/activities", r.URL.Path)
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[
			{"id": 101, "name": "Morning Run", "start_date": "2024-09-28T07:00:00Z", "distance": 16050.0, "elapsed_time": 3630},
			{"id": 102, "name": "Evening Walk", "start_date": "2024-09-28T18:00:00Z", "distance": 3000.5, "elapsed_time": 2400}
		]`)
	})

	activities, err := client.ListActivities(context.Background(), after, before)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	require.Equal(t, int64(101), activities[0].ID)
	require.InDelta(t, 16050.0, activities[0].Distance, 0.01)
	require.InDelta(t, 3630.0, activities[0].ElapsedTime, 0.01)

	require.Equal(t, "Bearer token-123", gotAuth)
	require.Equal(t, fmt.Sprint(after.Unix()), gotQuery["after"][0])
	require.Equal(t, fmt.Sprint(before.Unix()), gotQuery["before"][0])
	require.Equal(t, "100", gotQuery["per_page"][0])
}

func TestListActivitiesThrottled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListActivities(context.Background(), time.Now().Add(-time.Hour), time.Now())
	var throttled *ThrottleError
	require.ErrorAs(t, err, &throttled)
	require.Equal(t, 120*time.Second, throttled.RetryAfter)
}

func TestListActivitiesThrottledWithoutHint(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListActivities(context.Background(), time.Now().Add(-time.Hour), time.Now())
	var throttled *ThrottleError
	require.ErrorAs(t, err, &throttled)
	require.Zero(t, throttled.RetryAfter)
}

func TestUploadActivityMultipartFields(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "8012345678.tcx")
	require.NoError(t, os.WriteFile(artifact, []byte("<TrainingCenterDatabase/>"), 0o644))

	var fields map[string]string
	var fileContent string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/uploads", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		fields = make(map[string]string)
		for key, values := range r.MultipartForm.Value {
			fields[key] = values[0]
		}
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		buf := make([]byte, 256)
		n, _ := file.Read(buf)
		fileContent = string(buf[:n])

		fmt.Fprint(w, `{"id": 555, "status": "Your activity is still being processed."}`)
	})

	status, err := client.UploadActivity(context.Background(), UploadRequest{
		ArtifactPath: artifact,
		Name:         "Morning Run",
		Description:  "Imported from MapMyRun.",
		ActivityType: "run",
		ExternalID:   "mmr_8012345678",
	})
	require.NoError(t, err)
	require.Equal(t, int64(555), status.ID)
	require.True(t, status.Processing())

	require.Equal(t, "tcx", fields["data_type"])
	require.Equal(t, "Morning Run", fields["name"])
	require.Equal(t, "Imported from MapMyRun.", fields["description"])
	require.Equal(t, "run", fields["activity_type"])
	require.Equal(t, "mmr_8012345678", fields["external_id"])
	require.Equal(t, "<TrainingCenterDatabase/>", fileContent)
}

func TestUploadActivityRejection(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "x.tcx")
	require.NoError(t, os.WriteFile(artifact, []byte("<TrainingCenterDatabase/>"), 0o644))

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "x.tcx duplicate of activity 909"}`)
	})

	_, err := client.UploadActivity(context.Background(), UploadRequest{ArtifactPath: artifact})
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, http.StatusBadRequest, rejection.StatusCode)
	require.Contains(t, rejection.Message, "duplicate of activity 909")
}

func TestPollUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/uploads/555", r.URL.Path)
		fmt.Fprint(w, `{"id": 555, "activity_id": 9001, "status": "Your activity is ready."}`)
	})

	status, err := client.PollUpload(context.Background(), 555)
	require.NoError(t, err)
	require.True(t, status.Ready())
	require.Equal(t, int64(9001), status.ActivityID)
}

func TestUploadStatusStates(t *testing.T) {
	require.True(t, UploadStatus{ID: 1}.Processing())
	require.True(t, UploadStatus{ID: 1, ActivityID: 2}.Ready())
	require.False(t, UploadStatus{ID: 1, Error: "boom"}.Processing())
	require.False(t, UploadStatus{ID: 1, Error: "boom"}.Ready())
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
