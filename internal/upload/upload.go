// Package upload publishes a local directory to an S3-compatible bucket
// behind Cloudflare Access using path-style, SigV4-signed requests.
package upload

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/signer"
)

const (
	defaultContentType = "application/octet-stream"
	errorBodyLimit     = 1024
)

// ErrUnexpectedStatus is returned when the object store answers with a
// status the uploader does not accept.
var ErrUnexpectedStatus = errors.New("unexpected status")

// File is one local file scheduled for upload.
type File struct {
	Path string
	Key  string
	Size int64
}

// Result summarizes a completed run.
type Result struct {
	Files         int
	Bytes         int64
	BucketCreated bool
}

// Uploader walks Dir and PUTs every file below Bucket/Prefix.
type Uploader struct {
	client   *http.Client
	endpoint *url.URL
	bucket   string
	prefix   string
	dir      string
	signer   signer.Signer
	logger   *slog.Logger
}

// New creates an Uploader from the storage and upstream sections of cfg.
func New(cfg *config.Config, s signer.Signer, logger *slog.Logger) (*Uploader, error) {
	endpoint, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("parse endpoint: missing host in %q", cfg.Upstream.URL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.Upstream.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed origins
	}

	return &Uploader{
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		endpoint: endpoint,
		bucket:   cfg.Storage.Bucket,
		prefix:   cfg.Storage.Prefix,
		dir:      cfg.Storage.Dir,
		signer:   s,
		logger:   logger.With("component", "upload"),
	}, nil
}

// Run ensures the bucket exists, then uploads every file one at a time.
// It stops at the first failure.
func (u *Uploader) Run(ctx context.Context) (Result, error) {
	var res Result

	created, err := u.ensureBucket(ctx)
	if err != nil {
		return res, err
	}
	res.BucketCreated = created

	files, err := Collect(u.dir, u.prefix)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		u.logger.Warn("nothing to upload", "dir", u.dir)
		return res, nil
	}

	u.logger.Info("uploading",
		"files", len(files),
		"bucket", u.bucket,
		"endpoint", u.endpoint.Host,
	)

	for _, f := range files {
		if err := u.put(ctx, f); err != nil {
			return res, fmt.Errorf("upload %s: %w", f.Key, err)
		}
		res.Files++
		res.Bytes += f.Size
	}

	u.logger.Info("upload complete",
		"files", res.Files,
		"size", humanize.Bytes(uint64(res.Bytes)),
	)
	return res, nil
}

func (u *Uploader) ensureBucket(ctx context.Context) (bool, error) {
	resp, err := u.do(ctx, http.MethodHead, u.objectURL(""), nil, 0, signer.EmptyPayloadHash, "")
	if err != nil {
		return false, fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	default:
		return false, fmt.Errorf("check bucket %s: %w", u.bucket, statusError(resp))
	}

	u.logger.Info("creating bucket", "bucket", u.bucket)
	resp, err = u.do(ctx, http.MethodPut, u.objectURL(""), nil, 0, signer.EmptyPayloadHash, "")
	if err != nil {
		return false, fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("create bucket %s: %w", u.bucket, statusError(resp))
	}
	return true, nil
}

func (u *Uploader) put(ctx context.Context, f File) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	hash, err := signer.PayloadHash(file)
	if err != nil {
		return err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}

	contentType := ContentType(f.Path)
	resp, err := u.do(ctx, http.MethodPut, u.objectURL(f.Key), file, f.Size, hash, contentType)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	u.logger.Info("uploaded",
		"key", f.Key,
		"content_type", contentType,
		"size", humanize.Bytes(uint64(f.Size)),
	)
	return nil
}

// do sends one signed request. The response body is consumed up to
// errorBodyLimit and closed; only a non-2xx caller looks at it, via
// statusError.
func (u *Uploader) do(ctx context.Context, method string, target *url.URL, body io.Reader, size int64, hash, contentType string) (*response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if err := u.signer.Sign(ctx, req, hash); err != nil {
		return nil, err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target.Path, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &response{StatusCode: resp.StatusCode, Body: snippet}, nil
}

func (u *Uploader) objectURL(key string) *url.URL {
	p := "/" + u.bucket
	if key != "" {
		p += "/" + key
	}
	ref := *u.endpoint
	ref.Path = strings.TrimSuffix(ref.Path, "/") + p
	ref.RawPath = ""
	ref.RawQuery = ""
	return &ref
}

type response struct {
	StatusCode int
	Body       []byte
}

func statusError(resp *response) error {
	msg := strings.TrimSpace(string(resp.Body))
	if msg == "" {
		return fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
}

// Collect walks dir and returns every regular file except source maps,
// keyed below prefix. Keys always use forward slashes.
func Collect(dir, prefix string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".map") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			Path: p,
			Key:  ObjectKey(prefix, filepath.ToSlash(rel)),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

// ObjectKey joins prefix and a slash-separated relative path. A trailing
// slash on prefix is ignored; an empty prefix yields rel unchanged.
func ObjectKey(prefix, rel string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

// ContentType guesses the media type from the file extension.
func ContentType(p string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return defaultContentType
}
