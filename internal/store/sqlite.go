package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-prompt/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		description        TEXT NOT NULL DEFAULT '',
		scan_depth         INTEGER NOT NULL DEFAULT 0,
		token_budget       INTEGER NOT NULL DEFAULT 0,
		recursive_scanning INTEGER NOT NULL DEFAULT 0,
		extensions         TEXT,
		created_at         TEXT NOT NULL,
		deleted_at         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_books_name ON books(name);
	CREATE INDEX IF NOT EXISTS idx_books_deleted ON books(deleted_at);

	CREATE TABLE IF NOT EXISTS entries (
		id             TEXT PRIMARY KEY,
		book_id        TEXT NOT NULL REFERENCES books(id),
		seq            INTEGER NOT NULL,
		keys           TEXT NOT NULL,
		content        TEXT NOT NULL,
		enabled        INTEGER NOT NULL DEFAULT 1,
		weight         INTEGER NOT NULL DEFAULT 0,
		priority       INTEGER NOT NULL DEFAULT 0,
		case_sensitive INTEGER NOT NULL DEFAULT 0,
		passthrough    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_book ON entries(book_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) PutBook(ctx context.Context, b model.MemoryBook) (*model.MemoryBook, error) {
	name := strings.TrimSpace(b.Name)
	if name == "" {
		return nil, fmt.Errorf("book name is required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Replace the active book with this name, if any
	_, err = tx.ExecContext(ctx,
		`UPDATE books SET deleted_at = ? WHERE name = ? AND deleted_at IS NULL`,
		now.Format(time.RFC3339), name)
	if err != nil {
		return nil, fmt.Errorf("replace book: %w", err)
	}

	var ext *string
	if len(b.Extensions) > 0 {
		e := string(b.Extensions)
		ext = &e
	}

	out := b
	out.UID = s.newID()
	out.Name = name
	out.CreatedAt = now
	out.DeletedAt = nil
	_, err = tx.ExecContext(ctx,
		`INSERT INTO books (id, name, description, scan_depth, token_budget, recursive_scanning, extensions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.UID, name, b.Description, b.ScanDepth, b.TokenBudget, b.RecursiveScanning, ext,
		now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}

	out.Entries = make([]model.MemoryEntry, len(b.Entries))
	for i, e := range b.Entries {
		e.UID = s.newID()
		keys, _ := json.Marshal(e.Keys)
		pass, _ := json.Marshal(e.Passthrough())
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (id, book_id, seq, keys, content, enabled, weight, priority, case_sensitive, passthrough)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.UID, out.UID, i, string(keys), e.Content, e.Enabled, e.Weight, e.Priority, e.CaseSensitive, string(pass))
		if err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
		out.Entries[i] = e
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) GetBook(ctx context.Context, name string) (*model.MemoryBook, error) {
	return s.book(ctx, name, false)
}

// book loads the live book called name. enabledOnly leaves disabled entries
// out of the query.
func (s *SQLiteStore) book(ctx context.Context, name string, enabledOnly bool) (*model.MemoryBook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, scan_depth, token_budget, recursive_scanning, extensions, created_at, deleted_at
		 FROM books WHERE name = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, name)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if b.Entries, err = s.entries(ctx, b.UID, enabledOnly); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListBooks(ctx context.Context, p ListParams) ([]model.MemoryBook, error) {
	limit := p.Limit
	if limit == 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, scan_depth, token_budget, recursive_scanning, extensions, created_at, deleted_at
		 FROM books WHERE deleted_at IS NULL
		 ORDER BY name LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []model.MemoryBook
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (s *SQLiteStore) ActiveBooks(ctx context.Context, names []string) ([]model.MemoryBook, error) {
	var books []model.MemoryBook
	for _, name := range names {
		b, err := s.book(ctx, name, true)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, nil
}

func (s *SQLiteStore) RmBook(ctx context.Context, p RmParams) error {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM books WHERE name = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, p.Name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("book %q: %w", p.Name, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if p.Hard {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE book_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `UPDATE books SET deleted_at = ? WHERE id = ?`, now, id)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) entries(ctx context.Context, bookID string, enabledOnly bool) ([]model.MemoryEntry, error) {
	query := `SELECT id, keys, content, enabled, weight, priority, case_sensitive, passthrough
	          FROM entries WHERE book_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.MemoryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBook(row scanner) (model.MemoryBook, error) {
	var b model.MemoryBook
	var ext, deletedAt sql.NullString
	var createdAt string

	err := row.Scan(&b.UID, &b.Name, &b.Description, &b.ScanDepth, &b.TokenBudget,
		&b.RecursiveScanning, &ext, &createdAt, &deletedAt)
	if err != nil {
		return b, err
	}

	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if ext.Valid {
		b.Extensions = json.RawMessage(ext.String)
	}
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339, deletedAt.String)
		b.DeletedAt = &t
	}
	return b, nil
}

func scanEntry(row scanner) (model.MemoryEntry, error) {
	var e model.MemoryEntry
	var keys string
	var pass sql.NullString

	err := row.Scan(&e.UID, &keys, &e.Content, &e.Enabled, &e.Weight, &e.Priority, &e.CaseSensitive, &pass)
	if err != nil {
		return e, err
	}

	json.Unmarshal([]byte(keys), &e.Keys)
	if pass.Valid {
		var p model.Passthrough
		if json.Unmarshal([]byte(pass.String), &p) == nil {
			e.SetPassthrough(p)
		}
	}
	return e, nil
}
