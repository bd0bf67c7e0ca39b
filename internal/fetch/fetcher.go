// Package fetch retrieves remote resources with hard caps on transferred
// bytes and time. Header-declared sizes are not trusted: a misconfigured or
// malicious origin may omit or lie about Content-Length, so the body is
// always read in fixed-size chunks against a running total.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"

	"github.com/campusfeed/notice-crawler/internal/metrics"
)

const chunkSize = 64 * 1024

// Config controls Fetcher behavior.
type Config struct {
	UserAgent string
	MaxBytes  int64
	Timeout   time.Duration
}

// Fetcher is a bounded HTTP fetcher. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

// New constructs a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// UserAgent returns the configured user agent.
func (f *Fetcher) UserAgent() string { return f.cfg.UserAgent }

// MaxBytes returns the configured body byte cap.
func (f *Fetcher) MaxBytes() int64 { return f.cfg.MaxBytes }

// Fetch retrieves url and returns the raw body bytes. It fails before
// reading any body when the declared Content-Length exceeds the cap, and
// aborts mid-stream the instant the running total exceeds it; no partial
// data is ever returned.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, URL: url, Err: err}
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind: KindProtocol,
			URL:  url,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	// Fail fast on a declared length before touching the body.
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil && n > f.cfg.MaxBytes {
			return nil, &Error{
				Kind: KindTooLarge,
				URL:  url,
				Err:  fmt.Errorf("declared length %d exceeds cap %d", n, f.cfg.MaxBytes),
			}
		}
	}

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > f.cfg.MaxBytes {
				return nil, &Error{
					Kind: KindTooLarge,
					URL:  url,
					Err:  fmt.Errorf("body exceeds cap %d", f.cfg.MaxBytes),
				}
			}
			buf.Write(chunk[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, &Error{Kind: KindNetwork, URL: url, Err: readErr}
		}
	}
	metrics.FetchBytes.Observe(float64(buf.Len()))
	return buf.Bytes(), nil
}

// FetchText fetches url and decodes the body using the named charset.
// Supported values: "", "utf-8" (passthrough) and "euc-kr"/"cp949" for
// legacy Korean boards.
func (f *Fetcher) FetchText(ctx context.Context, url, charset string) (string, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return string(body), nil
	case "euc-kr", "cp949":
		decoded, _, decErr := transform.Bytes(korean.EUCKR.NewDecoder(), body)
		if decErr != nil {
			return "", &Error{Kind: KindProtocol, URL: url, Err: fmt.Errorf("decode %s: %w", charset, decErr)}
		}
		return string(decoded), nil
	default:
		return "", &Error{Kind: KindProtocol, URL: url, Err: fmt.Errorf("unsupported charset %q", charset)}
	}
}
