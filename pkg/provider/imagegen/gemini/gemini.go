// Package gemini implements imagegen.Provider with a Gemini image model
// through google.golang.org/genai.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DefaultModel is used when no model option is given.
const DefaultModel = "gemini-2.5-flash-image"

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

// Provider implements imagegen.Provider.
type Provider struct {
	client *genai.Client
	model  string
}

var _ imagegen.Provider = (*Provider)(nil)

// New creates a Provider authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini imagegen: apiKey must not be empty")
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
		return nil, fmt.Errorf("gemini imagegen: new client: %w", err)
	}
	return &Provider{client: client, model: o.model}, nil
}

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// Generate asks for an image-only response and returns the first inline
// image part.
func (p *Provider) Generate(ctx context.Context, prompt string) (*vision.Image, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini imagegen: generate: %w", err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &vision.Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}, nil
			}
		}
	}
	return nil, imagegen.ErrNoImage
}
