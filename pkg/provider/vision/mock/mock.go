// Package mock provides a test double for vision.Provider.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DescribeCall records a single invocation of Describe.
type DescribeCall struct {
	Image  vision.Image
	Prompt string
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// Text and Err are returned by Describe.
	Text string
	Err  error

	calls []DescribeCall
}

var _ vision.Provider = (*Provider)(nil)

// Describe records the call and returns Text, Err.
func (p *Provider) Describe(_ context.Context, img vision.Image, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, DescribeCall{Image: img, Prompt: prompt})
	return p.Text, p.Err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []DescribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
