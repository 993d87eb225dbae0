// Package mock provides a test double for imagegen.Provider.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// Provider is a mock implementation of imagegen.Provider.
type Provider struct {
	mu sync.Mutex

	// Image and Err are returned by Generate.
	Image *vision.Image
	Err   error

	// Gate, if non-nil, makes Generate block until it is closed or the
	// context is done.
	Gate chan struct{}

	prompts []string
}

var _ imagegen.Provider = (*Provider)(nil)

// Generate records the prompt and returns Image, Err.
func (p *Provider) Generate(ctx context.Context, prompt string) (*vision.Image, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	gate, img, err := p.Gate, p.Image, p.Err
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return img, err
}

// Prompts returns every prompt passed to Generate.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.prompts)
}
