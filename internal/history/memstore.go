package history

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// MemStore is an in-memory [Store]. The zero value is not usable; call
// [NewMemStore].
type MemStore struct {
	mu    sync.Mutex
	limit int
	items []Item // newest first
	now   func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store that keeps at most limit items. A
// non-positive limit selects [DefaultLimit].
func NewMemStore(limit int) *MemStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemStore{limit: limit, now: time.Now}
}

// Add implements [Store].
func (s *MemStore) Add(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	Prepare(item, s.now())
	s.items = slices.Insert(s.items, 0, *item)
	if len(s.items) > s.limit {
		clear(s.items[s.limit:])
		s.items = s.items[:s.limit]
	}
	return nil
}

// SetThumbnail implements [Store].
func (s *MemStore) SetThumbnail(_ context.Context, id uuid.UUID, thumb *vision.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.items, func(it Item) bool { return it.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	s.items[i].Thumbnail = thumb
	s.items[i].ThumbnailPending = false
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, limit int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(s.items[:n]), nil
}

// Purge implements [Store].
func (s *MemStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	return nil
}
