// Package objectstore is the seam to durable artifact storage that
// spec.md §6.4's persisted-state boundary assumes: "discovered
// artifacts (logs, screenshots) are written to object storage via
// pre-signed upload URLs returned at task-prep time." No object
// storage SDK is wired (out of scope per spec.md §1's explicit
// Non-goal on object-storage uploads); this package is the documented
// seam a real S3-style backend would plug into, with a local
// filesystem implementation for tests and local/dev runs.
package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/formscout/controlplane/internal/logging"
)

// Store hands out short-lived upload URLs for discovered artifacts and
// opens them back up for retrieval.
type Store interface {
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (UploadURL, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// UploadURL is what a task-prep step hands the agent: where to PUT the
// artifact and by when.
type UploadURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LocalStore implements Store against a directory on disk. There is no
// real pre-signing here: the "signature" is an HMAC over the key and
// expiry, the same construction internal/taskbus uses for its JWTs
// (see jwt.go) since no ecosystem signing library is wired either way.
// ServeUpload is the matching endpoint a dev server mounts to accept
// PUTs against the URLs this issues.
type LocalStore struct {
	root       string
	baseURL    string
	signingKey string
	log        logging.Logger
}

func NewLocalStore(root, baseURL, signingKey string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: creating root %s: %w", root, err)
	}
	return &LocalStore{
		root:       root,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: signingKey,
		log:        logging.Component("objectstore"),
	}, nil
}

func (s *LocalStore) sign(key string, expiresAt int64) string {
	mac := hmac.New(sha256.New, []byte(s.signingKey))
	fmt.Fprintf(mac, "%s:%d", key, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// PresignUpload returns a URL a caller can PUT the object to within
// ttl. contentType is advisory only against the local backend; a real
// S3 implementation would bind it into the signature.
func (s *LocalStore) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (UploadURL, error) {
	if key == "" || strings.Contains(key, "..") {
		return UploadURL{}, fmt.Errorf("objectstore: invalid key %q", key)
	}
	expiresAt := time.Now().Add(ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	q.Set("sig", s.sign(key, expiresAt.Unix()))
	return UploadURL{
		URL:       fmt.Sprintf("%s/%s?%s", s.baseURL, key, q.Encode()),
		Key:       key,
		ExpiresAt: expiresAt,
	}, nil
}

// Open reads a previously uploaded object back off disk.
func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
}

// ServeUpload is the dev-mode endpoint a server mounts at the
// baseURL passed to NewLocalStore to accept PUTs against URLs this
// store issues. A real S3 backend needs no such handler; the client
// PUTs straight to the signed URL it was handed.
func (s *LocalStore) ServeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/objects/")
	expiresStr := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	expiresAt, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid expires", http.StatusBadRequest)
		return
	}
	if time.Now().Unix() > expiresAt {
		http.Error(w, "upload url expired", http.StatusForbidden)
		return
	}
	want := s.sign(key, expiresAt)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	f, err := os.Create(dest)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("creating object file")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("writing object")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
