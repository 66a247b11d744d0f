package store

import (
	"context"
	"fmt"

	"github.com/rcliao/agent-prompt/internal/model"
)

// ExportAll returns every active book with its entries, optionally limited
// to a single name.
func (s *SQLiteStore) ExportAll(ctx context.Context, name string) ([]model.MemoryBook, error) {
	if name != "" {
		b, err := s.GetBook(ctx, name)
		if err != nil {
			return nil, err
		}
		return []model.MemoryBook{*b}, nil
	}

	books, err := s.ListBooks(ctx, ListParams{Limit: -1})
	if err != nil {
		return nil, err
	}
	for i := range books {
		if books[i].Entries, err = s.entries(ctx, books[i].UID, false); err != nil {
			return nil, err
		}
	}
	return books, nil
}

// Import stores books from an export. A book whose name is already active
// replaces it.
func (s *SQLiteStore) Import(ctx context.Context, books []model.MemoryBook) (int, error) {
	imported := 0
	for _, b := range books {
		if _, err := s.PutBook(ctx, b); err != nil {
			return imported, fmt.Errorf("import %q: %w", b.Name, err)
		}
		imported++
	}
	return imported, nil
}
