package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/anatolykoptev/go-imageguard/dispatch"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	GroqBaseURL          = "https://api.groq.com/openai/v1"

	maxErrorBody = 512
	maxRespBody  = 1 << 20
)

// OpenAICompat talks to any chat-completions endpoint that accepts image
// parts as data URLs (OpenAI, Groq and compatible gateways).
type OpenAICompat struct {
	ProviderName string           // reported name, default "openai"
	BaseURL      string           // default DefaultOpenAIBaseURL
	Client       *http.Client     // default: the shared NewHTTPClient()
	Prompt       string           // fixed prompt; empty uses DefaultPrompt
	Cues         *dispatch.CueSet // phrases for the default prompt
	MaxTokens    int              // default 200
	UserAgent    string
}

func (o *OpenAICompat) Name() string {
	if o.ProviderName == "" {
		return "openai"
	}
	return o.ProviderName
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// Classify sends one chat-completions request and returns the message text.
func (o *OpenAICompat) Classify(ctx context.Context, a dispatch.Attempt, img dispatch.Image) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.Target.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: promptFor(o.Prompt, o.Cues, img)},
				{Type: "image_url", ImageURL: &imageURL{URL: EncodeDataURL(img.Data, img.MIMEType)}},
			},
		}},
		MaxTokens:      o.maxTokens(),
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimRight(o.baseURL(), "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &dispatch.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Target.Credential)
	if o.UserAgent != "" {
		req.Header.Set("User-Agent", o.UserAgent)
	}

	resp, err := o.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &dispatch.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &dispatch.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBody))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &dispatch.TransportError{Err: err}
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("%w: no message content", dispatch.ErrParse)
	}
	return content.String(), nil
}

func (o *OpenAICompat) baseURL() string {
	if o.BaseURL == "" {
		return DefaultOpenAIBaseURL
	}
	return o.BaseURL
}

func (o *OpenAICompat) client() *http.Client {
	if o.Client == nil {
		return sharedClient()
	}
	return o.Client
}

func (o *OpenAICompat) maxTokens() int {
	if o.MaxTokens <= 0 {
		return 200
	}
	return o.MaxTokens
}

// EncodeDataURL creates a data: URI from bytes and MIME type.
func EncodeDataURL(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
