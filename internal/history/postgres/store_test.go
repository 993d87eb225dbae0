package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/owl/internal/history"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			if v != nil {
				*d = v.([]byte)
			}
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	mu        sync.Mutex
	execs     []execCall
	execTag   string
	execErr   error
	queryArgs []any
	rows      *mockRows
	queryErr  error
}

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (m *mockDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryArgs = args
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	if m.rows == nil {
		return &mockRows{}, nil
	}
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag(m.execTag), m.execErr
}

func (m *mockDB) calls() []execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execCall(nil), m.execs...)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := New(db, 0).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	calls := db.calls()
	if len(calls) != 1 || !strings.Contains(calls[0].sql, "CREATE TABLE IF NOT EXISTS vision_history") {
		t.Fatalf("unexpected exec calls: %+v", calls)
	}

	db.execErr = errors.New("permission denied")
	if err := New(db, 0).Migrate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStore_AddInsertsAndPrunes(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	s := New(db, 0)
	item := &history.Item{
		Image:            vision.Image{MIMEType: "image/jpeg", Data: []byte("jpg")},
		Prompt:           "what moves?",
		Analysis:         "a hare",
		ThumbnailPending: true,
	}
	if err := s.Add(context.Background(), item); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if item.ID == uuid.Nil || item.CreatedAt.IsZero() {
		t.Error("Add did not assign ID and CreatedAt")
	}

	calls := db.calls()
	if len(calls) != 2 {
		t.Fatalf("exec calls = %d, want insert and prune", len(calls))
	}
	insert := calls[0]
	if !strings.Contains(insert.sql, "INSERT INTO vision_history") {
		t.Errorf("first exec = %q", insert.sql)
	}
	if insert.args[0] != item.ID.String() || insert.args[6] != "a hare" || insert.args[7] != true {
		t.Errorf("insert args = %v", insert.args)
	}
	prune := calls[1]
	if !strings.Contains(prune.sql, "DELETE FROM vision_history") || prune.args[0] != history.DefaultLimit {
		t.Errorf("prune = %q %v", prune.sql, prune.args)
	}
}

func TestStore_SetThumbnail(t *testing.T) {
	t.Parallel()

	db := &mockDB{execTag: "UPDATE 1"}
	s := New(db, 0)
	id := uuid.New()
	thumb := &vision.Image{MIMEType: "image/png", Data: []byte("png")}
	if err := s.SetThumbnail(context.Background(), id, thumb); err != nil {
		t.Fatalf("SetThumbnail: %v", err)
	}
	call := db.calls()[0]
	if call.args[0] != id.String() || call.args[2] != "image/png" {
		t.Errorf("args = %v", call.args)
	}

	db.execTag = "UPDATE 0"
	if err := s.SetThumbnail(context.Background(), id, nil); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	id1, id2 := uuid.New(), uuid.New()
	now := time.Date(2025, 11, 1, 2, 0, 0, 0, time.UTC)
	db := &mockDB{rows: &mockRows{data: [][]any{
		{id1.String(), []byte("a"), "image/jpeg", []byte("t"), "image/png", "p1", "an owl", false, now},
		{id2.String(), []byte("b"), "image/jpeg", nil, "", "p2", "a moth", true, now.Add(-time.Minute)},
	}}}
	s := New(db, 5)

	items, err := s.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].ID != id1 || items[0].Thumbnail == nil || items[0].Thumbnail.MIMEType != "image/png" {
		t.Errorf("first item = %+v", items[0])
	}
	if items[1].Thumbnail != nil || !items[1].ThumbnailPending || items[1].Analysis != "a moth" {
		t.Errorf("second item = %+v", items[1])
	}
	if db.queryArgs[0] != 5 {
		t.Errorf("limit arg = %v, want store limit 5", db.queryArgs[0])
	}
	if !db.rows.closed {
		t.Error("rows not closed")
	}
}

func TestStore_ListErrors(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryErr: errors.New("down")}
	if _, err := New(db, 0).List(context.Background(), 3); err == nil {
		t.Error("expected query error")
	}

	db = &mockDB{rows: &mockRows{data: [][]any{
		{"not-a-uuid", []byte("a"), "", []byte(nil), "", "", "", false, time.Now()},
	}}}
	if _, err := New(db, 0).List(context.Background(), 3); err == nil {
		t.Error("expected bad id error")
	}

	db = &mockDB{rows: &mockRows{err: errors.New("conn reset")}}
	if _, err := New(db, 0).List(context.Background(), 3); err == nil {
		t.Error("expected rows error")
	}
}

func TestStore_Purge(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := New(db, 0).Purge(context.Background()); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if calls := db.calls(); len(calls) != 1 || !strings.Contains(calls[0].sql, "DELETE FROM vision_history") {
		t.Errorf("unexpected exec calls: %+v", calls)
	}
}
