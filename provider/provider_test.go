package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/anatolykoptev/go-imageguard/dispatch"
)

func testClient() *http.Client {
	return NewHTTPClient(WithRetryWait(time.Millisecond, 5*time.Millisecond))
}

func attempt(model, key string) dispatch.Attempt {
	return dispatch.Attempt{
		Target:  dispatch.Target{Provider: "test", Model: model, Credential: key},
		Timeout: 2 * time.Second,
	}
}

func TestOpenAICompat_Success(t *testing.T) {
	t.Parallel()

	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-1" {
			t.Errorf("auth = %q", auth)
		}
		got, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{"content": `{"ok": true, "score": 0.9}`},
			}},
		})
	}))
	defer srv.Close()

	p := &OpenAICompat{ProviderName: "groq", BaseURL: srv.URL + "/v1/", Client: testClient()}
	text, err := p.Classify(context.Background(), attempt("llama-vision", "sk-1"),
		dispatch.Image{Data: []byte("img"), MIMEType: "image/png", Hint: "pulled ten"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if text != `{"ok": true, "score": 0.9}` {
		t.Errorf("text = %q", text)
	}
	if p.Name() != "groq" {
		t.Errorf("name = %q", p.Name())
	}

	if m := gjson.GetBytes(got, "model").String(); m != "llama-vision" {
		t.Errorf("model = %q", m)
	}
	if u := gjson.GetBytes(got, "messages.0.content.1.image_url.url").String(); u != "data:image/png;base64,aW1n" {
		t.Errorf("image url = %q", u)
	}
	if prompt := gjson.GetBytes(got, "messages.0.content.0.text").String(); !strings.Contains(prompt, "pulled ten") {
		t.Error("hint missing from prompt")
	}
}

func TestOpenAICompat_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "429 not retried", status: http.StatusTooManyRequests, wantCalls: 1},
		{name: "503 retried once", status: http.StatusServiceUnavailable, wantCalls: 2},
		{name: "400 not retried", status: http.StatusBadRequest, wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				http.Error(w, "slow down", tc.status)
			}))
			defer srv.Close()

			p := &OpenAICompat{BaseURL: srv.URL, Client: testClient()}
			_, err := p.Classify(context.Background(), attempt("m", "k"), dispatch.Image{Data: []byte("x")})

			var httpErr *dispatch.HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("err = %v, want *HTTPError", err)
			}
			if httpErr.Status != tc.status {
				t.Errorf("status = %d, want %d", httpErr.Status, tc.status)
			}
			if httpErr.Body != "slow down" {
				t.Errorf("body = %q", httpErr.Body)
			}
			if n := calls.Load(); n != tc.wantCalls {
				t.Errorf("calls = %d, want %d", n, tc.wantCalls)
			}
		})
	}
}

func TestOpenAICompat_MissingContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := &OpenAICompat{BaseURL: srv.URL, Client: testClient()}
	_, err := p.Classify(context.Background(), attempt("m", "k"), dispatch.Image{Data: []byte("x")})
	if !errors.Is(err, dispatch.ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}

func TestOpenAICompat_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := &OpenAICompat{BaseURL: url, Client: NewHTTPClient(WithMaxRetries(0))}
	_, err := p.Classify(context.Background(), attempt("m", "k"), dispatch.Image{Data: []byte("x")})
	var tErr *dispatch.TransportError
	if !errors.As(err, &tErr) {
		t.Errorf("err = %v, want *TransportError", err)
	}
}

func TestOpenAICompat_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := &OpenAICompat{BaseURL: srv.URL, Client: testClient()}
	_, err := p.Classify(ctx, attempt("m", "k"), dispatch.Image{Data: []byte("x")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, false},
		{http.StatusTooManyRequests, false},
		{http.StatusNotImplemented, false},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range tests {
		retry, _ := RetryPolicy(context.Background(), &http.Response{StatusCode: tc.status}, nil)
		if retry != tc.want {
			t.Errorf("RetryPolicy(%d) = %v, want %v", tc.status, retry, tc.want)
		}
	}
}

func TestDefaultPrompt(t *testing.T) {
	t.Parallel()

	cues := make([]string, 30)
	for i := range cues {
		cues[i] = "cue" + string(rune('a'+i%26))
	}
	p := DefaultPrompt(cues)
	if !strings.Contains(p, "cuea, cueb") {
		t.Error("cues not listed")
	}
	if strings.Contains(p, "cues") || strings.Count(p, "cue") > maxPromptCues+1 {
		t.Errorf("too many cues in prompt")
	}
	if !strings.Contains(DefaultPrompt(nil), fallbackCueText) {
		t.Error("fallback cues missing")
	}
	if !strings.Contains(p, `"ok"`) || !strings.Contains(p, "Return ONLY the JSON object") {
		t.Error("schema instructions missing")
	}
}

func TestPromptFor(t *testing.T) {
	t.Parallel()

	cues := dispatch.NewCueSet([]string{"boss rush"})
	if p := promptFor("", cues, dispatch.Image{}); !strings.Contains(p, "boss rush") {
		t.Error("configured cue missing from default prompt")
	}
	if p := promptFor("fixed", cues, dispatch.Image{Hint: "  "}); p != "fixed" {
		t.Errorf("fixed prompt = %q", p)
	}
}

func TestEncodeDataURL(t *testing.T) {
	t.Parallel()

	if got := EncodeDataURL([]byte("img"), "image/jpeg"); got != "data:image/jpeg;base64,aW1n" {
		t.Errorf("got %q", got)
	}
	if got := EncodeDataURL([]byte("\x89PNG\r\n\x1a\n0000"), ""); !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("sniffed %q", got)
	}
}

func TestGemini(t *testing.T) {
	t.Parallel()

	var limited atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.URL.Path, "gemini-test:generateContent") {
			http.Error(w, `{"error": {"code": 404, "message": "unknown", "status": "NOT_FOUND"}}`, http.StatusNotFound)
			return
		}
		if limited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"ok\": false, \"score\": 0.2}"}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini(nil)
	g.BaseURL = srv.URL
	g.Client = testClient()

	text, err := g.Classify(context.Background(), attempt("gemini-test", "key-a"), dispatch.Image{Data: []byte("x"), MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if text != `{"ok": false, "score": 0.2}` {
		t.Errorf("text = %q", text)
	}

	limited.Store(true)
	_, err = g.Classify(context.Background(), attempt("gemini-test", "key-a"), dispatch.Image{Data: []byte("x"), MIMEType: "image/png"})
	var httpErr *dispatch.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("err = %v, want http 429", err)
	}
	if n := g.clients.Size(); n != 1 {
		t.Errorf("clients = %d, want one per credential", n)
	}
}
