// Package gemini implements vision.Provider with the Gemini generateContent
// API through google.golang.org/genai.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DefaultModel is used when no model option is given.
const DefaultModel = "gemini-2.5-flash"

// Option configures a [Provider].
type Option func(*options)

type options struct {
	model   string
	baseURL string
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL string) Option {
	return func(o *options) { o.baseURL = baseURL }
}

// Provider implements vision.Provider.
type Provider struct {
	client *genai.Client
	model  string
}

var _ vision.Provider = (*Provider)(nil)

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini vision: apiKey must not be empty")
	}
	o := options{model: DefaultModel}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini vision: new client: %w", err)
	}
	return &Provider{client: client, model: o.model}, nil
}

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// Describe sends the image inline followed by prompt and returns the text of
// the first candidate.
func (p *Provider) Describe(ctx context.Context, img vision.Image, prompt string) (string, error) {
	if len(img.Data) == 0 {
		return "", vision.ErrEmptyImage
	}
	img = img.Sniff()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(img.Data, img.MIMEType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini vision: generate: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
