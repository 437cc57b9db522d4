package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/meigma/blobfs/internal/blobtype"
	"github.com/meigma/blobfs/internal/sizing"
)

// Source reads byte ranges of one remote object with HTTP range requests.
type Source struct {
	url                   string
	client                *http.Client
	headers               http.Header
	size                  uint64
	etag                  string
	lastModified          string
	sourceID              string
	useConditionalHeaders bool
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) SourceOption {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers http.Header) SourceOption {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithSourceID overrides the default source identifier used for caching.
func WithSourceID(id string) SourceOption {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithConditionalHeaders enables conditional range reads using ETag or
// Last-Modified. This is disabled by default because some registries reject
// conditional range requests.
func WithConditionalHeaders() SourceOption {
	return func(s *Source) {
		s.useConditionalHeaders = true
	}
}

// NewSource creates a Source for url. It probes the remote to determine the
// content size and to check that range requests are honored.
func NewSource(ctx context.Context, url string, opts ...SourceOption) (*Source, error) {
	s := &Source{
		url:    url,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}

	if err := s.fetchMetadata(ctx); err != nil {
		return nil, err
	}
	if s.sourceID == "" {
		s.sourceID = s.defaultSourceID()
	}
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() uint64 {
	return s.size
}

// SourceID returns a stable identifier for the remote content.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadAt fills p from off with a single range request. Reading past the end
// of the content returns a short count and no error.
func (s *Source) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	if len(p) == 0 || off >= s.size {
		return 0, nil
	}
	expected := min(uint64(len(p)), s.size-off)
	end := off + expected - 1

	resp, err := s.rangeRequest(ctx, off, end, true)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusPreconditionFailed && s.hasConditionalHeaders() {
		resp.Body.Close()
		resp, err = s.rangeRequest(ctx, off, end, false)
		if err != nil {
			return 0, err
		}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// ok
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, nil
	case http.StatusOK:
		return 0, ErrRangeNotSupported
	default:
		return 0, fmt.Errorf("range request [%d, %d] failed: %s", off, end, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// defaultSourceID builds a source identifier from the URL and available metadata.
func (s *Source) defaultSourceID() string {
	if s.etag != "" {
		return fmt.Sprintf("url:%s|etag:%s", s.url, s.etag)
	}
	if s.lastModified != "" {
		return fmt.Sprintf("url:%s|mod:%s|size:%d", s.url, s.lastModified, s.size)
	}
	return fmt.Sprintf("url:%s|size:%d", s.url, s.size)
}

// fetchMetadata retrieves content size and cache validators from the remote
// server. It first attempts a HEAD request, then verifies with a range probe.
func (s *Source) fetchMetadata(ctx context.Context) error {
	headSize := int64(-1)
	if resp, err := s.doHead(ctx); err == nil {
		if resp.StatusCode == http.StatusOK {
			headSize = resp.ContentLength
			s.etag = resp.Header.Get("ETag")
			s.lastModified = resp.Header.Get("Last-Modified")
		}
		resp.Body.Close()
	}

	size, etag, lastModified, err := s.rangeProbe(ctx)
	if err != nil {
		return err
	}
	if headSize > 0 && uint64(headSize) != size {
		return fmt.Errorf("%w: content size mismatch: head=%d range=%d", blobtype.ErrInconsistent, headSize, size)
	}
	if s.etag == "" {
		s.etag = etag
	}
	if s.lastModified == "" {
		s.lastModified = lastModified
	}
	s.size = size
	return nil
}

// rangeProbe verifies range request support and extracts the content size
// from Content-Range. An empty object answers 416 with "bytes */0".
func (s *Source) rangeProbe(ctx context.Context) (size uint64, etag, lastModified string, err error) {
	req, err := s.newRequest(ctx, http.MethodGet, false)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
	case http.StatusOK:
		if resp.ContentLength == 0 {
			return 0, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
		}
		return 0, "", "", ErrRangeNotSupported
	case http.StatusNotFound:
		return 0, "", "", fmt.Errorf("%w: %s", blobtype.ErrNotFound, s.url)
	default:
		return 0, "", "", fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("range probe missing Content-Range")
	}
	size, err = parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}
	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func (s *Source) doHead(ctx context.Context) (*http.Response, error) {
	req, err := s.newRequest(ctx, http.MethodHead, false)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// newRequest creates an HTTP request with configured headers and optional
// conditional headers.
func (s *Source) newRequest(ctx context.Context, method string, withConditions bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == http.MethodGet && withConditions && s.useConditionalHeaders {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

func (s *Source) rangeRequest(ctx context.Context, off, end uint64, withConditions bool) (*http.Response, error) {
	req, err := s.newRequest(ctx, http.MethodGet, withConditions)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

func (s *Source) hasConditionalHeaders() bool {
	if !s.useConditionalHeaders {
		return false
	}
	return s.etag != "" || s.lastModified != ""
}

// parseContentRange extracts the total size from a Content-Range header value
// of the form "bytes start-end/size" or "bytes */size".
func parseContentRange(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseUint(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if _, err := sizing.ToInt64(size, blobtype.ErrSizeOverflow); err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", value, err)
	}
	return size, nil
}
