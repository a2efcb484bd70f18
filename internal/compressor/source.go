package compressor

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Source reads the raw bytes behind an image URI.
type Source interface {
	ReadAll(ctx context.Context, uri string) ([]byte, error)
}

// FileSource reads file:// URIs and bare paths from the local filesystem.
type FileSource struct{}

// ReadAll returns the content of the file the URI points at.
func (FileSource) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := localPath(uri)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// localPath converts a file:// URI or a plain path to a filesystem path.
func localPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file:") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("non-local file uri host: %s", u.Host)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return filepath.FromSlash(p), nil
}

// HTTPSource downloads http(s) URIs.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource returns an HTTPSource with the given request timeout.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{client: resty.New().SetTimeout(timeout)}
}

// ReadAll downloads the body of uri. Non-2xx responses are errors.
func (s *HTTPSource) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	resp, err := s.client.R().SetContext(ctx).Get(uri)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download: unexpected status %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// URISource dispatches on the URI scheme: http and https go to the HTTP
// source, everything else is read from disk.
type URISource struct {
	File Source
	HTTP Source
}

// NewURISource returns a URISource with the default file and HTTP sources.
func NewURISource(httpTimeout time.Duration) *URISource {
	return &URISource{
		File: FileSource{},
		HTTP: NewHTTPSource(httpTimeout),
	}
}

// ReadAll reads uri through the source matching its scheme.
func (s *URISource) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if s.HTTP == nil {
			return nil, fmt.Errorf("no http source configured for %s", uri)
		}
		return s.HTTP.ReadAll(ctx, uri)
	}
	return s.File.ReadAll(ctx, uri)
}
