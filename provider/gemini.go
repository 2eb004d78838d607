package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/genai"

	"github.com/anatolykoptev/go-imageguard/dispatch"
)

// Gemini classifies through the Gemini API. One genai client is created per
// credential on first use and reused afterwards.
type Gemini struct {
	Client  *http.Client     // default: the shared NewHTTPClient()
	BaseURL string           // override for proxies and tests
	Prompt  string           // fixed prompt; empty uses DefaultPrompt
	Cues    *dispatch.CueSet // phrases for the default prompt

	clients *xsync.MapOf[string, *genai.Client]
}

// NewGemini returns a Gemini provider using the shared HTTP client.
func NewGemini(cues *dispatch.CueSet) *Gemini {
	return &Gemini{Cues: cues, clients: xsync.NewMapOf[string, *genai.Client]()}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Classify(ctx context.Context, a dispatch.Attempt, img dispatch.Image) (string, error) {
	client, err := g.clientFor(ctx, a.Target.Credential)
	if err != nil {
		return "", &dispatch.TransportError{Err: err}
	}

	mime := img.MIMEType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(promptFor(g.Prompt, g.Cues, img)),
			genai.NewPartFromBytes(img.Data, mime),
		}, genai.RoleUser),
	}

	resp, err := client.Models.GenerateContent(ctx, a.Target.Model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		TopP:             genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", geminiError(ctx, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty candidate", dispatch.ErrParse)
	}
	return text, nil
}

func (g *Gemini) clientFor(ctx context.Context, key string) (*genai.Client, error) {
	if g.clients == nil {
		return nil, errors.New("gemini: provider not created with NewGemini")
	}
	if c, ok := g.clients.Load(key); ok {
		return c, nil
	}
	httpClient := g.Client
	if httpClient == nil {
		httpClient = sharedClient()
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	actual, _ := g.clients.LoadOrStore(key, c)
	return actual, nil
}

func geminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return &dispatch.HTTPError{Status: apiErr.Code, Body: apiErr.Message}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &dispatch.TransportError{Err: err}
}
