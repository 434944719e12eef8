package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/headerpolicy"
	"cf-access-proxy-go/internal/model"
	"cf-access-proxy-go/internal/signer"
)

type recorded struct {
	Method      string
	Path        string
	ContentType string
	PayloadHash string
	Auth        string
	ClientID    string
	Body        []byte
}

// fakeStore is a minimal path-style object store.
type fakeStore struct {
	mu       sync.Mutex
	bucket   bool
	failKey  string
	requests []recorded
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, recorded{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		PayloadHash: r.Header.Get("X-Amz-Content-Sha256"),
		Auth:        r.Header.Get("Authorization"),
		ClientID:    r.Header.Get(headerpolicy.HeaderClientID),
		Body:        body,
	})

	isBucket := strings.Count(strings.Trim(r.URL.Path, "/"), "/") == 0
	switch {
	case isBucket && r.Method == http.MethodHead:
		if !s.bucket {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case isBucket && r.Method == http.MethodPut:
		s.bucket = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if s.failKey != "" && strings.HasSuffix(r.URL.Path, s.failKey) {
			http.Error(w, "<Error><Code>AccessDenied</Code></Error>", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeStore) puts() []recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recorded
	for _, r := range s.requests {
		if r.Method == http.MethodPut && strings.Count(strings.Trim(r.Path, "/"), "/") > 0 {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeStore) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.requests {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func newTestUploader(t *testing.T, endpoint, dir, prefix string) *Uploader {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{URL: endpoint, TimeoutSeconds: 10},
		Storage: config.StorageConfig{
			AccessKey: "minio",
			SecretKey: "minio-secret",
			Bucket:    "site",
			Prefix:    prefix,
			Region:    "us-east-1",
			Dir:       dir,
		},
	}
	s := signer.NewSigV4("minio", "minio-secret", "us-east-1",
		model.Credentials{ClientID: "id.access", ClientSecret: "cf-secret"})
	u, err := New(cfg, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return u
}

func TestRun_CreatesBucketAndUploads(t *testing.T) {
	store := &fakeStore{}
	srv := httptest.NewServer(store)
	defer srv.Close()

	dir := writeTree(t, map[string]string{
		"index.html":          "<html></html>",
		"assets/app.js":       "console.log(1)",
		"assets/app.js.map":   "{}",
		"assets/img/logo.svg": "<svg/>",
		"data.bin":            "\x00\x01",
	})

	res, err := newTestUploader(t, srv.URL, dir, "blog/").Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.BucketCreated)
	require.Equal(t, 4, res.Files)

	methods := store.methods()
	require.Equal(t, "HEAD /site", methods[0])
	require.Equal(t, "PUT /site", methods[1])

	got := map[string]recorded{}
	for _, r := range store.puts() {
		got[r.Path] = r
	}
	require.Len(t, got, 4)
	require.NotContains(t, got, "/site/blog/assets/app.js.map")

	html := got["/site/blog/index.html"]
	require.True(t, strings.HasPrefix(html.ContentType, "text/html"), html.ContentType)
	require.Equal(t, "<html></html>", string(html.Body))
	sum := sha256.Sum256([]byte("<html></html>"))
	require.Equal(t, hex.EncodeToString(sum[:]), html.PayloadHash)
	require.True(t, strings.HasPrefix(html.Auth, "AWS4-HMAC-SHA256 "), html.Auth)
	require.Equal(t, "id.access", html.ClientID)

	require.Contains(t, got, "/site/blog/assets/img/logo.svg")
	require.Equal(t, "application/octet-stream", got["/site/blog/data.bin"].ContentType)
}

func TestRun_ExistingBucket(t *testing.T) {
	store := &fakeStore{bucket: true}
	srv := httptest.NewServer(store)
	defer srv.Close()

	dir := writeTree(t, map[string]string{"a.txt": "a"})

	res, err := newTestUploader(t, srv.URL, dir, "").Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.BucketCreated)
	require.Equal(t, []string{"HEAD /site", "PUT /site/a.txt"}, store.methods())
}

func TestRun_FailsFast(t *testing.T) {
	store := &fakeStore{bucket: true, failKey: "b.txt"}
	srv := httptest.NewServer(store)
	defer srv.Close()

	dir := writeTree(t, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	res, err := newTestUploader(t, srv.URL, dir, "").Run(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "b.txt")
	require.Contains(t, err.Error(), "AccessDenied")
	require.Equal(t, 1, res.Files)

	// WalkDir visits in lexical order, so c.txt is never attempted.
	for _, m := range store.methods() {
		require.NotContains(t, m, "c.txt")
	}
}

func TestRun_BucketCheckRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestUploader(t, srv.URL, t.TempDir(), "").Run(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	require.Contains(t, err.Error(), "check bucket site")
}

func TestRun_EmptyDir(t *testing.T) {
	store := &fakeStore{bucket: true}
	srv := httptest.NewServer(store)
	defer srv.Close()

	res, err := newTestUploader(t, srv.URL, t.TempDir(), "").Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Files)
}

func TestRun_MissingDir(t *testing.T) {
	store := &fakeStore{bucket: true}
	srv := httptest.NewServer(store)
	defer srv.Close()

	missing := filepath.Join(t.TempDir(), "nope")
	_, err := newTestUploader(t, srv.URL, missing, "").Run(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, rel, want string
	}{
		{"", "index.html", "index.html"},
		{"blog", "index.html", "blog/index.html"},
		{"blog/", "assets/app.js", "blog/assets/app.js"},
		{"a/b", "c/d.txt", "a/b/c/d.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.rel, func(t *testing.T) {
			require.Equal(t, tt.want, ObjectKey(tt.prefix, tt.rel))
		})
	}
}

func TestContentType(t *testing.T) {
	require.True(t, strings.HasPrefix(ContentType("x/index.html"), "text/html"))
	require.Equal(t, "image/png", ContentType("logo.png"))
	require.Equal(t, "application/octet-stream", ContentType("LICENSE"))
	require.Equal(t, "application/octet-stream", ContentType("blob.zzz-unknown"))
}

func TestNew_RejectsEndpointWithoutHost(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{URL: "/relative"}}
	_, err := New(cfg, signer.NewSigV4("a", "b", "us-east-1", model.Credentials{}), slog.Default())
	require.Error(t, err)
}
