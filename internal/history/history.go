// Package history records the Owl's vision analyses.
//
// Every analysed image becomes an [Item] that is listed newest first. A
// thumbnail is painted for it in the background, so items are stored with
// ThumbnailPending set and completed later through [Store.SetThumbnail]. The
// store keeps at most a fixed number of items and prunes the oldest on Add.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DefaultLimit is the number of items a store keeps unless configured.
const DefaultLimit = 20

// ErrNotFound is returned for an unknown item ID.
var ErrNotFound = errors.New("history: item not found")

// Item is one recorded analysis.
type Item struct {
	ID uuid.UUID

	// Image is the analysed picture.
	Image vision.Image

	// Thumbnail is the generated illustration, nil until it is ready or when
	// generation failed.
	Thumbnail *vision.Image

	// Prompt is the question asked about the image.
	Prompt string

	// Analysis is the model's answer.
	Analysis string

	CreatedAt time.Time

	// ThumbnailPending is true while a thumbnail is being generated.
	ThumbnailPending bool
}

// Store persists history items.
type Store interface {
	// Add inserts item, assigning ID and CreatedAt when they are zero, and
	// prunes the oldest items beyond the store limit.
	Add(ctx context.Context, item *Item) error

	// SetThumbnail stores thumb for the item and clears ThumbnailPending. A
	// nil thumb only clears the flag. Unknown IDs return [ErrNotFound].
	SetThumbnail(ctx context.Context, id uuid.UUID, thumb *vision.Image) error

	// List returns up to limit items, newest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]Item, error)

	// Purge deletes every item.
	Purge(ctx context.Context) error
}

// Prepare fills in the ID and creation time of item when they are zero.
func Prepare(item *Item, now time.Time) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
}
