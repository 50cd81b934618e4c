package acquire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

const tcxBody = `<?xml version="1.0" encoding="UTF-8"?>
<TrainingCenterDatabase><Activities/></TrainingCenterDatabase>`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	client := NewClient(srv.URL, "session=abc", dir, WithLogger(log.New(testWriter{t}, "", 0)))
	return client, dir
}

func TestFetchWritesArtifact(t *testing.T) {
	var gotCookie, gotPath string
	client, dir := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, tcxBody)
	})

	path, err := client.Fetch(context.Background(), 8012345678)
	require.NoError(t, err)
	require.Equal(t, client.ArtifactPath(8012345678), path)
	require.Contains(t, path, dir)
	require.Equal(t, "session=abc", gotCookie)
	require.Equal(t, "/8012345678/tcx", gotPath)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, tcxBody, string(written))
}

func TestFetchClassifiesNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindNotFound, acqErr.Kind)
	require.Equal(t, int64(42), acqErr.ExternalID)
}

func TestFetchClassifiesServerErrorAsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindTransient, acqErr.Kind)
}

func TestFetchClassifiesRedirectAsAuthExpired(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})

	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindAuthExpired, acqErr.Kind)
}

func TestFetchClassifiesHTMLBodyAsAuthExpired(t *testing.T) {
	client, dir := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Sign In</title></head><body>Log in to continue</body></html>`)
	})

	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindAuthExpired, acqErr.Kind)

	// No artifact is written for a served page.
	_, statErr := os.Stat(client.ArtifactPath(42))
	require.True(t, errors.Is(statErr, os.ErrNotExist), "unexpected artifact in %s", dir)
}

func TestWithHTTPClientDoesNotMutateCaller(t *testing.T) {
	shared := &http.Client{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	WithHTTPClient(shared)(client)

	// The injected client still stops at redirects.
	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindAuthExpired, acqErr.Kind)

	// The caller's client keeps its default redirect behavior.
	require.Nil(t, shared.CheckRedirect)
}

func TestFetchClassifiesNetworkFailureAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore
	client := NewClient(srv.URL, "session=abc", t.TempDir(), WithLogger(log.New(testWriter{t}, "", 0)))

	_, err := client.Fetch(context.Background(), 42)
	var acqErr *Error
	require.ErrorAs(t, err, &acqErr)
	require.Equal(t, KindTransient, acqErr.Kind)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
