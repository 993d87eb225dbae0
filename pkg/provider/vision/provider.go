// Package vision defines the Provider interface for image understanding
// backends and the [Image] type shared with image generation.
package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmptyImage is returned for an image without data.
var ErrEmptyImage = errors.New("vision: empty image")

// Image is an encoded picture.
type Image struct {
	// MIMEType is e.g. "image/jpeg". Empty means unknown.
	MIMEType string

	// Data is the encoded file content.
	Data []byte
}

// Sniff returns img with MIMEType filled in from the content when it is
// empty.
func (img Image) Sniff() Image {
	if img.MIMEType == "" && len(img.Data) > 0 {
		img.MIMEType = http.DetectContentType(img.Data)
	}
	return img
}

// DataURL renders img as a data: URL.
func (img Image) DataURL() string {
	img = img.Sniff()
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ParseDataURL decodes a base64 data: URL.
func ParseDataURL(s string) (Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return Image{}, fmt.Errorf("vision: not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, fmt.Errorf("vision: data URL has no payload")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return Image{}, fmt.Errorf("vision: data URL is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("vision: data URL: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}
	return Image{MIMEType: mime, Data: data}, nil
}

// Provider describes images in text.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Describe answers prompt about img.
	Describe(ctx context.Context, img Image, prompt string) (string, error)
}
