package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"
)

// DefaultChunkSize is the upload chunk size in bytes.
const DefaultChunkSize = 512000

// DefaultTransferTimeout bounds a single HTTP request to a node or an
// import URL when the caller supplies no client of its own.
const DefaultTransferTimeout = 10 * time.Minute

// DefaultURLSchemes are the schemes accepted for URL imports.
var DefaultURLSchemes = []string{"http", "https"}

// ErrSchemeNotAllowed is returned for URL imports outside the allow-list.
var ErrSchemeNotAllowed = errors.New("url scheme not allowed")

// UploadFile streams the file at path to c's staging area as remoteName in
// chunks of chunkSize bytes. Any chunk failure aborts the whole upload; the
// upload is complete only once the chunk covering the end of the file has
// been accepted.
func UploadFile(ctx context.Context, c Client, path, remoteName string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat staged file: %w", err)
	}
	total := st.Size()
	if total == 0 {
		return fmt.Errorf("staged file %s is empty", path)
	}

	buf := make([]byte, chunkSize)
	for start := int64(0); start < total; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read staged file: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("staged file %s truncated at %d of %d bytes", path, start, total)
		}
		rng := ChunkRange{Start: start, End: start + int64(n) - 1, Total: total}
		if err := c.UploadChunk(ctx, remoteName, rng, buf[:n]); err != nil {
			return err
		}
		start += int64(n)
	}
	return nil
}

// CheckScheme validates rawURL against the allowed schemes.
func CheckScheme(rawURL string, allowed []string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(allowed) == 0 {
		allowed = DefaultURLSchemes
	}
	if !slices.Contains(allowed, strings.ToLower(u.Scheme)) {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	return u, nil
}

// Fetcher downloads artifact files served directly at a URL.
type Fetcher struct {
	client  *http.Client
	schemes []string
}

// NewFetcher returns a Fetcher that follows at most one redirect and only
// to an allowed scheme. base supplies the transport and timeout; it is not
// modified.
func NewFetcher(base *http.Client, schemes []string) *Fetcher {
	if base == nil {
		base = &http.Client{Timeout: DefaultTransferTimeout}
	}
	if len(schemes) == 0 {
		schemes = DefaultURLSchemes
	}
	f := &Fetcher{schemes: schemes}
	f.client = &http.Client{
		Transport: base.Transport,
		Timeout:   base.Timeout,
		Jar:       base.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			if _, err := CheckScheme(req.URL.String(), f.schemes); err != nil {
				return err
			}
			return nil
		},
	}
	return f
}

// Fetch streams the body at rawURL into w.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := CheckScheme(rawURL, f.schemes)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	return nil
}
