package store

import (
	"context"
	"os"

	"github.com/dustin/go-humanize"
)

// Stats holds database statistics.
type Stats struct {
	DBPath         string      `json:"db_path"`
	DBSizeBytes    int64       `json:"db_size_bytes"`
	DBSize         string      `json:"db_size"`
	TotalBooks     int         `json:"total_books"`
	ActiveBooks    int         `json:"active_books"`
	TotalEntries   int         `json:"total_entries"`
	EnabledEntries int         `json:"enabled_entries"`
	Books          []BookStats `json:"books"`
}

// BookStats holds per-book counts.
type BookStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Enabled int    `json:"enabled"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}
	st.DBSize = humanize.Bytes(uint64(st.DBSizeBytes))

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&st.TotalBooks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books WHERE deleted_at IS NULL`).Scan(&st.ActiveBooks)

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.name, COUNT(e.id), COALESCE(SUM(e.enabled), 0)
		FROM books b LEFT JOIN entries e ON e.book_id = b.id
		WHERE b.deleted_at IS NULL
		GROUP BY b.id ORDER BY b.name`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var bs BookStats
		rows.Scan(&bs.Name, &bs.Entries, &bs.Enabled)
		st.TotalEntries += bs.Entries
		st.EnabledEntries += bs.Enabled
		st.Books = append(st.Books, bs)
	}

	return st, rows.Err()
}
