package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedAddress is returned when no fetcher can resolve an address.
var ErrUnsupportedAddress = errors.New("unsupported content address")

// Fetcher resolves a content address to raw bytes.
type Fetcher interface {
	// Supports reports whether the fetcher understands the address.
	Supports(address string) bool
	// Fetch returns the bytes stored at the address.
	Fetch(ctx context.Context, address string) ([]byte, error)
}

// Source turns content addresses into decoded pixel buffers. It tries its
// fetchers in registration order and uses the first one supporting an address.
type Source struct {
	fetchers  []Fetcher
	maxPixels int64
}

// NewSource creates a source backed by the given fetchers.
func NewSource(fetchers ...Fetcher) *Source {
	return &Source{fetchers: fetchers}
}

// HTTPSource resolves http(s) URLs only.
func HTTPSource(timeout time.Duration, maxBytes int64, userAgent string) *Source {
	return NewSource(NewHTTPFetcher(timeout, maxBytes, userAgent))
}

// WithMaxPixels rejects images declaring more than n pixels before they are
// decoded. It returns s.
func (s *Source) WithMaxPixels(n int64) *Source {
	s.maxPixels = n
	return s
}

// DefaultSource resolves http(s) URLs and local files.
func DefaultSource(timeout time.Duration, maxBytes int64, userAgent string) *Source {
	return NewSource(NewHTTPFetcher(timeout, maxBytes, userAgent), NewFileFetcher(maxBytes))
}

// Supports reports whether any fetcher can resolve the address.
func (s *Source) Supports(address string) bool {
	return s.fetcherFor(address) != nil
}

// Fetch returns the raw bytes behind an address.
func (s *Source) Fetch(ctx context.Context, address string) ([]byte, error) {
	f := s.fetcherFor(address)
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
	return f.Fetch(ctx, address)
}

// Load fetches and decodes the image at address. Every failure, including
// transport errors, is reported as a *DecodeError.
func (s *Source) Load(ctx context.Context, address string) (*PixelBuffer, error) {
	data, err := s.Fetch(ctx, address)
	if err != nil {
		return nil, &DecodeError{Address: address, Err: err}
	}

	buf, err := DecodeLimited(data, s.maxPixels)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Address = address
			return nil, de
		}
		return nil, &DecodeError{Address: address, Err: err}
	}
	return buf, nil
}

func (s *Source) fetcherFor(address string) Fetcher {
	for _, f := range s.fetchers {
		if f.Supports(address) {
			return f
		}
	}
	return nil
}

// HTTPFetcher downloads images over http and https.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewHTTPFetcher creates a fetcher with the given per-request timeout and body size cap.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		maxBytes:  maxBytes,
		userAgent: userAgent,
	}
}

// Supports accepts absolute http and https URLs with a host.
func (f *HTTPFetcher) Supports(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch downloads the resource at address.
func (f *HTTPFetcher) Fetch(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req) //nolint:gosec // fetching caller-supplied image URLs is the purpose
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return readLimited(resp.Body, f.maxBytes)
}

// FileFetcher reads images from the local filesystem. Addresses may be plain
// paths or file:// URLs.
type FileFetcher struct {
	maxBytes int64
}

// NewFileFetcher creates a filesystem fetcher.
func NewFileFetcher(maxBytes int64) *FileFetcher {
	return &FileFetcher{maxBytes: maxBytes}
}

// Supports accepts file:// URLs and addresses without a URL scheme.
func (f *FileFetcher) Supports(address string) bool {
	if address == "" {
		return false
	}
	if strings.HasPrefix(address, "file://") {
		return true
	}
	u, err := url.Parse(address)
	if err != nil {
		return true
	}
	// Single-letter schemes are Windows drive letters.
	return u.Scheme == "" || len(u.Scheme) == 1
}

// Fetch reads the file.
func (f *FileFetcher) Fetch(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Clean(strings.TrimPrefix(address, "file://"))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image file: %w", err)
	}
	defer file.Close()

	return readLimited(file, f.maxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("could not read image data: %w", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("could not read image data: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxBytes)
	}
	return data, nil
}
