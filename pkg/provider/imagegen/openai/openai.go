// Package openai implements imagegen.Provider with the OpenAI Images API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "dall-e-3"

// Provider implements imagegen.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ imagegen.Provider = (*Provider)(nil)

type config struct {
	model      string
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel overrides the image model, e.g. "gpt-image-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *config) { c.baseURL = baseURL }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often a failed request is retried. Negative leaves
// the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai imagegen: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Model returns the configured model.
func (p *Provider) Model() string { return p.model }

// Generate renders one square PNG for prompt.
func (p *Provider) Generate(ctx context.Context, prompt string) (*vision.Image, error) {
	params := oai.ImageGenerateParams{
		Prompt: prompt,
		Model:  oai.ImageModel(p.model),
		N:      oai.Int(1),
		Size:   oai.ImageGenerateParamsSize1024x1024,
	}
	// gpt-image models always answer in base64 and reject the parameter.
	if !strings.HasPrefix(p.model, "gpt-image") {
		params.ResponseFormat = oai.ImageGenerateParamsResponseFormatB64JSON
	}

	resp, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai imagegen: generate: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, imagegen.ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai imagegen: decode: %w", err)
	}
	return &vision.Image{MIMEType: "image/png", Data: data}, nil
}
