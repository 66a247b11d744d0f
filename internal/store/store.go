// Package store provides memory-book persistence and its SQLite implementation.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/agent-prompt/internal/model"
)

// ErrNotFound is returned when a named book does not exist.
var ErrNotFound = errors.New("not found")

// RmParams holds parameters for deleting a book.
type RmParams struct {
	Name string
	Hard bool
}

// ListParams holds parameters for listing books.
type ListParams struct {
	// Limit defaults to 100; negative means unlimited.
	Limit int
}

// Store defines the memory-book storage interface.
type Store interface {
	// PutBook stores a book, replacing any active book with the same name.
	PutBook(ctx context.Context, b model.MemoryBook) (*model.MemoryBook, error)

	// GetBook returns the active book with the given name, entries included.
	GetBook(ctx context.Context, name string) (*model.MemoryBook, error)

	// ListBooks lists active books without their entries.
	ListBooks(ctx context.Context, p ListParams) ([]model.MemoryBook, error)

	// ActiveBooks returns the named books with only their enabled entries.
	// Unknown names are skipped.
	ActiveBooks(ctx context.Context, names []string) ([]model.MemoryBook, error)

	// RmBook soft-deletes (or hard-deletes) a book.
	RmBook(ctx context.Context, p RmParams) error

	// Close closes the store.
	Close() error
}
