// Package imagegen defines the Provider interface for text-to-image backends.
// The Owl uses it to paint a representative thumbnail for each vision
// analysis.
package imagegen

import (
	"context"
	"errors"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// ErrNoImage is returned when the backend answered without an image.
var ErrNoImage = errors.New("imagegen: no image in response")

// Provider renders a picture from a text prompt.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Generate(ctx context.Context, prompt string) (*vision.Image, error)
}

// ThumbnailPrompt wraps an analysis text into the prompt used for history
// thumbnails.
func ThumbnailPrompt(analysis string) string {
	return "Create a small, atmospheric night-vision style illustration that represents this observation. " +
		"Dark tones with amber highlights, no text. Observation: " + analysis
}
