package imageguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDownload_Success(t *testing.T) {
	body := strings.Repeat("FAKEIMAGEDATA", 100)
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/jpeg; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	g := New(Config{HTTPClient: srv.Client()})
	res, err := g.Download(context.Background(), srv.URL+"/image.jpg", DownloadOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MIMEType != "image/jpeg" {
		t.Errorf("MIMEType = %q, want image/jpeg", res.MIMEType)
	}
	if string(res.Data) != body {
		t.Error("body mismatch")
	}
	if !strings.HasPrefix(ua, "go-imageguard/") {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestDownload_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		ctype   string
		status  int
		body    string
		opts    DownloadOpts
		wantErr error
	}{
		{name: "non image", ctype: "text/html", status: 200, body: "<html></html>", wantErr: ErrNotImage},
		{name: "too large", ctype: "image/png", status: 200, body: strings.Repeat("x", 101), opts: DownloadOpts{MaxBytes: 100}, wantErr: ErrTooLarge},
		{name: "too small", ctype: "image/png", status: 200, body: "tiny", opts: DownloadOpts{MinBytes: 100}, wantErr: ErrTooSmall},
		{name: "404", ctype: "image/png", status: 404},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tc.ctype)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			g := New(Config{HTTPClient: srv.Client()})
			res, err := g.Download(context.Background(), srv.URL, tc.opts)
			if err == nil || res != nil {
				t.Fatalf("expected error, got %v / %v", res, err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestDownload_ExactLimitAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	g := New(Config{HTTPClient: srv.Client()})
	res, err := g.Download(context.Background(), srv.URL, DownloadOpts{MaxBytes: 100})
	if err != nil || len(res.Data) != 100 {
		t.Fatalf("res = %v, err = %v", res, err)
	}
}

func TestDownload_MinWidth(t *testing.T) {
	img := pngBytes(t, 0) // 64 px wide
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	g := New(Config{HTTPClient: srv.Client()})
	if _, err := g.Download(context.Background(), srv.URL, DownloadOpts{MinWidth: 100}); !errors.Is(err, ErrTooSmall) {
		t.Errorf("MinWidth 100: err = %v, want ErrTooSmall", err)
	}
	if _, err := g.Download(context.Background(), srv.URL, DownloadOpts{MinWidth: 64}); err != nil {
		t.Errorf("MinWidth 64: err = %v", err)
	}
}

func TestDownload_RedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	g := New(Config{})
	if _, err := g.Download(context.Background(), srv.URL+"/", DownloadOpts{}); err == nil {
		t.Error("expected redirect loop to fail")
	}
}

func TestClassifyURL(t *testing.T) {
	img := pngBytes(t, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/page" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	f := newFake(fakeReply{text: replyYes})
	g := newGuard(f, func(c *Config) { c.HTTPClient = srv.Client() })

	got := g.ClassifyURL(context.Background(), srv.URL+"/a.png", WithHint("from url"))
	if !got.OK || got.Via != "fake:m" {
		t.Errorf("ClassifyURL = %+v", got)
	}
	sent := f.lastImage()
	if sent.MIMEType != "image/png" || sent.Hint != "from url" {
		t.Errorf("sent image = %q / %q", sent.MIMEType, sent.Hint)
	}

	// Same bytes from another URL hit the cache.
	if got := g.ClassifyURL(context.Background(), srv.URL+"/b.png"); got.Via != "cache:sha1" {
		t.Errorf("second = %+v", got)
	}

	got = g.ClassifyURL(context.Background(), srv.URL+"/page")
	if got != (Result{Via: "download", Reason: "not_image"}) {
		t.Errorf("page = %+v", got)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestDownloadReason(t *testing.T) {
	tests := map[error]string{
		ErrNotImage:              "not_image",
		ErrTooLarge:              "too_large",
		ErrTooSmall:              "too_small",
		context.DeadlineExceeded: "download_timeout",
		errors.New("boom"):       "download_error",
	}
	for err, want := range tests {
		if got := downloadReason(err); got != want {
			t.Errorf("downloadReason(%v) = %q, want %q", err, got, want)
		}
	}
}
