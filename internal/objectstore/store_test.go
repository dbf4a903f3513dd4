package objectstore

import (
	"context"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8080/objects", "test-signing-key")
	require.NoError(t, err)
	return s
}

func TestPresignUpload_SignatureValidatesOnServeUpload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	upload, err := s.PresignUpload(ctx, "logs/co1/proj1/discovery_sess1.json", "application/json", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "logs/co1/proj1/discovery_sess1.json", upload.Key)
	require.Contains(t, upload.URL, "expires=")
	require.Contains(t, upload.URL, "sig=")

	u, err := url.Parse(upload.URL)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", u.Path+"?"+u.RawQuery, strings.NewReader(`{"status":"completed"}`))
	s.ServeUpload(rec, req)
	require.Equal(t, 200, rec.Code)

	f, err := s.Open(ctx, "logs/co1/proj1/discovery_sess1.json")
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"completed"}`, string(body))
}

func TestServeUpload_RejectsBadSignature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	upload, err := s.PresignUpload(ctx, "logs/co1/proj1/discovery_sess2.json", "application/json", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(upload.URL)
	require.NoError(t, err)
	q := u.Query()
	q.Set("sig", "deadbeef")
	u.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", u.Path+"?"+u.RawQuery, strings.NewReader("data"))
	s.ServeUpload(rec, req)
	require.Equal(t, 403, rec.Code)
}

func TestServeUpload_RejectsExpiredURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	upload, err := s.PresignUpload(ctx, "logs/co1/proj1/discovery_sess3.json", "application/json", -time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(upload.URL)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", u.Path+"?"+u.RawQuery, strings.NewReader("data"))
	s.ServeUpload(rec, req)
	require.Equal(t, 403, rec.Code)
}

func TestPresignUpload_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PresignUpload(context.Background(), "../etc/passwd", "application/json", time.Hour)
	require.Error(t, err)
}
