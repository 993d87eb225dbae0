// Package postgres persists the vision history in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/owl/internal/history"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// Schema is the DDL for the vision_history table. Apply it with
// [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS vision_history (
    id                UUID PRIMARY KEY,
    image             BYTEA NOT NULL,
    image_mime        TEXT NOT NULL DEFAULT '',
    thumbnail         BYTEA,
    thumbnail_mime    TEXT NOT NULL DEFAULT '',
    prompt            TEXT NOT NULL DEFAULT '',
    analysis          TEXT NOT NULL DEFAULT '',
    thumbnail_pending BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_vision_history_created ON vision_history(created_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [history.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	limit int
	now   func() time.Time
}

var _ history.Store = (*Store)(nil)

// New returns a Store on db keeping at most limit items. A non-positive limit
// selects [history.DefaultLimit]. The caller runs [Store.Migrate].
func New(db DB, limit int) *Store {
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	return &Store{db: db, limit: limit, now: time.Now}
}

// Open connects a pool to dsn, pings it and migrates the schema. The returned
// pool must be closed by the caller after the store is no longer used.
func Open(ctx context.Context, dsn string, limit int) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("history: ping: %w", err)
	}
	s := New(pool, limit)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Add implements [history.Store].
func (s *Store) Add(ctx context.Context, item *history.Item) error {
	history.Prepare(item, s.now())

	var thumb []byte
	var thumbMIME string
	if item.Thumbnail != nil {
		thumb, thumbMIME = item.Thumbnail.Data, item.Thumbnail.MIMEType
	}

	const insert = `
		INSERT INTO vision_history (
			id, image, image_mime, thumbnail, thumbnail_mime,
			prompt, analysis, thumbnail_pending, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.Exec(ctx, insert,
		item.ID.String(), item.Image.Data, item.Image.MIMEType, thumb, thumbMIME,
		item.Prompt, item.Analysis, item.ThumbnailPending, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: add: %w", err)
	}

	const prune = `
		DELETE FROM vision_history
		WHERE id NOT IN (
			SELECT id FROM vision_history ORDER BY created_at DESC, id DESC LIMIT $1
		)`
	if _, err := s.db.Exec(ctx, prune, s.limit); err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}
	return nil
}

// SetThumbnail implements [history.Store].
func (s *Store) SetThumbnail(ctx context.Context, id uuid.UUID, thumb *vision.Image) error {
	var data []byte
	var mime string
	if thumb != nil {
		data, mime = thumb.Data, thumb.MIMEType
	}
	const query = `
		UPDATE vision_history
		SET thumbnail = $2, thumbnail_mime = $3, thumbnail_pending = FALSE
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id.String(), data, mime)
	if err != nil {
		return fmt.Errorf("history: set thumbnail %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	return nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context, limit int) ([]history.Item, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	const query = `
		SELECT id, image, image_mime, thumbnail, thumbnail_mime,
		       prompt, analysis, thumbnail_pending, created_at
		FROM vision_history
		ORDER BY created_at DESC, id DESC
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var items []history.Item
	for rows.Next() {
		var (
			it        history.Item
			id        string
			thumb     []byte
			thumbMIME string
		)
		err := rows.Scan(&id, &it.Image.Data, &it.Image.MIMEType, &thumb, &thumbMIME,
			&it.Prompt, &it.Analysis, &it.ThumbnailPending, &it.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("history: list: scan: %w", err)
		}
		if it.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("history: list: bad id %q: %w", id, err)
		}
		if len(thumb) > 0 {
			it.Thumbnail = &vision.Image{MIMEType: thumbMIME, Data: thumb}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return items, nil
}

// Purge implements [history.Store].
func (s *Store) Purge(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM vision_history`); err != nil {
		return fmt.Errorf("history: purge: %w", err)
	}
	return nil
}
