package imageguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-cleanhttp"
)

// DownloadOpts configures an image download.
type DownloadOpts struct {
	MaxBytes  int64         // max response body size (default: 8MB)
	MinBytes  int           // reject if smaller (default: 0)
	MinWidth  int           // reject decodable images narrower than this (default: 0)
	Timeout   time.Duration // per-request timeout (default: 10s)
	UserAgent string        // override config user agent
}

const (
	defaultMaxBytes = 8 << 20
	defaultTimeout  = 10 * time.Second
)

var (
	ErrNotImage = errors.New("imageguard: response is not an image")
	ErrTooLarge = errors.New("imageguard: image exceeds size limit")
	ErrTooSmall = errors.New("imageguard: image below size limit")
)

// DownloadResult holds downloaded image data.
type DownloadResult struct {
	Data     []byte
	MIMEType string
}

const maxRedirects = 3

func defaultDownloadClient() *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("too many redirects")
		}
		return nil
	}
	return c
}

func defaultUserAgent() string {
	return "go-imageguard/" + versioninfo.Short()
}

// Download fetches an image from url. Oversized bodies are rejected rather
// than truncated, since a cut-off image fingerprints differently.
func (g *Guard) Download(ctx context.Context, url string, opts DownloadOpts) (*DownloadResult, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = g.cfg.UserAgent
	}

	r, err := fetchImageData(ctx, g.cfg.HTTPClient, url, ua, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	downloadCount.WithLabelValues(status).Inc()
	return r, err
}

func fetchImageData(ctx context.Context, client *http.Client, imageURL, ua string, opts DownloadOpts) (*DownloadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("imageguard: build download request: %w", err)
	}
	req.Header.Set("User-Agent", ua)

	resp, err := client.Do(req) //nolint:gosec // URL is caller-supplied; the HTTP service only reaches here with --allow-url-fetch
	if err != nil {
		return nil, fmt.Errorf("imageguard: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("imageguard: download: http status %d", resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	// Strip MIME parameters: "image/jpeg; charset=utf-8" → "image/jpeg"
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("imageguard: read image: %w", err)
	}
	if int64(len(data)) > opts.MaxBytes {
		return nil, ErrTooLarge
	}
	if len(data) < opts.MinBytes {
		return nil, ErrTooSmall
	}
	if opts.MinWidth > 0 {
		// Undecodable headers pass; the content type was already checked.
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil && cfg.Width < opts.MinWidth {
			return nil, fmt.Errorf("%w: width %d", ErrTooSmall, cfg.Width)
		}
	}

	return &DownloadResult{Data: data, MIMEType: ct}, nil
}

// ClassifyURL downloads the image at url and classifies it. Download
// failures produce a negative result with via "download".
func (g *Guard) ClassifyURL(ctx context.Context, url string, opts ...Option) Result {
	r, err := g.Download(ctx, url, DownloadOpts{})
	if err != nil {
		g.logger.Debug("imageguard: download failed", "url", url, "error", err)
		return Result{Via: "download", Reason: downloadReason(err)}
	}
	return g.Classify(ctx, r.Data, append([]Option{WithMIMEType(r.MIMEType)}, opts...)...)
}

func downloadReason(err error) string {
	switch {
	case errors.Is(err, ErrNotImage):
		return "not_image"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrTooSmall):
		return "too_small"
	case errors.Is(err, context.DeadlineExceeded):
		return "download_timeout"
	default:
		return "download_error"
	}
}
