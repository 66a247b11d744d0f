package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcliao/agent-prompt/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBook(name string) model.MemoryBook {
	return model.MemoryBook{
		Name:        name,
		Description: "facts about the cafe",
		ScanDepth:   4,
		TokenBudget: 200,
		Extensions:  json.RawMessage(`{"source":"test"}`),
		Entries: []model.MemoryEntry{
			{Keys: []string{"cafe", "coffee"}, Content: "The cafe is cozy.", Enabled: true, Weight: 10, Priority: 5},
			{Keys: []string{"rain"}, Content: "It rains every evening.", Enabled: false, Weight: 1, Priority: 1,
				Comment: "weather", ID: json.RawMessage(`7`), SecondaryKeys: []string{"storm"}},
		},
	}
}

func TestPutAndGetBook(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.PutBook(ctx, sampleBook("cafe"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if b.UID == "" {
		t.Error("expected non-empty UID")
	}
	if b.Entries[0].UID == "" {
		t.Error("expected entry UID")
	}

	got, err := s.GetBook(ctx, "cafe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ScanDepth != 4 || got.TokenBudget != 200 {
		t.Errorf("unexpected scan settings: %d/%d", got.ScanDepth, got.TokenBudget)
	}
	if string(got.Extensions) != `{"source":"test"}` {
		t.Errorf("extensions not preserved: %s", got.Extensions)
	}
	if len(got.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got.Entries))
	}
	if got.Entries[0].Content != "The cafe is cozy." || got.Entries[0].Weight != 10 {
		t.Errorf("unexpected first entry: %+v", got.Entries[0])
	}
	second := got.Entries[1]
	if second.Comment != "weather" || string(second.ID) != "7" || len(second.SecondaryKeys) != 1 {
		t.Errorf("passthrough fields lost: %+v", second)
	}
}

func TestPutBookRequiresName(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutBook(context.Background(), model.MemoryBook{Name: "  "}); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestPutBookReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.PutBook(ctx, sampleBook("cafe"))
	updated := sampleBook("cafe")
	updated.Entries = updated.Entries[:1]
	updated.Entries[0].Content = "The cafe is loud."
	if _, err := s.PutBook(ctx, updated); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := s.GetBook(ctx, "cafe")
	if len(got.Entries) != 1 || got.Entries[0].Content != "The cafe is loud." {
		t.Errorf("expected replaced book, got %+v", got.Entries)
	}

	books, _ := s.ListBooks(ctx, ListParams{})
	if len(books) != 1 {
		t.Errorf("expected 1 active book, got %d", len(books))
	}
}

func TestGetBookNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBook(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveBooksFiltersDisabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.PutBook(ctx, sampleBook("cafe"))

	books, err := s.ActiveBooks(ctx, []string{"cafe", "unknown"})
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("expected 1 book, got %d", len(books))
	}
	if len(books[0].Entries) != 1 || !books[0].Entries[0].Enabled {
		t.Errorf("expected only enabled entries, got %+v", books[0].Entries)
	}

	full, err := s.GetBook(ctx, "cafe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(full.Entries) != 2 {
		t.Errorf("GetBook should keep disabled entries, got %d", len(full.Entries))
	}
}

func TestRmBook(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.PutBook(ctx, sampleBook("soft"))
	s.PutBook(ctx, sampleBook("hard"))

	if err := s.RmBook(ctx, RmParams{Name: "soft"}); err != nil {
		t.Fatalf("soft rm: %v", err)
	}
	if err := s.RmBook(ctx, RmParams{Name: "hard", Hard: true}); err != nil {
		t.Fatalf("hard rm: %v", err)
	}
	if _, err := s.GetBook(ctx, "soft"); !errors.Is(err, ErrNotFound) {
		t.Errorf("soft-deleted book still visible: %v", err)
	}
	if err := s.RmBook(ctx, RmParams{Name: "soft"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second rm, got %v", err)
	}

	var total int
	s.db.QueryRow(`SELECT COUNT(*) FROM books`).Scan(&total)
	if total != 1 {
		t.Errorf("expected soft-deleted row to remain, got %d rows", total)
	}
	var entries int
	s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&entries)
	if entries != 2 {
		t.Errorf("expected hard delete to drop entries, got %d", entries)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	src.PutBook(ctx, sampleBook("a"))
	src.PutBook(ctx, sampleBook("b"))

	books, err := src.ExportAll(ctx, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(books) != 2 || len(books[0].Entries) != 2 {
		t.Fatalf("unexpected export: %d books", len(books))
	}

	data, _ := json.Marshal(books)
	var decoded []model.MemoryBook
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	dst := newTestStore(t)
	n, err := dst.Import(ctx, decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported, got %d", n)
	}
	got, _ := dst.GetBook(ctx, "b")
	if got.Entries[1].Comment != "weather" {
		t.Errorf("round trip lost comment: %+v", got.Entries[1])
	}

	one, _ := src.ExportAll(ctx, "a")
	if len(one) != 1 || one[0].Name != "a" {
		t.Errorf("expected single filtered book, got %+v", one)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.PutBook(ctx, sampleBook("cafe"))
	s.PutBook(ctx, sampleBook("old"))
	s.RmBook(ctx, RmParams{Name: "old"})

	st, err := s.Stats(ctx, path)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalBooks != 2 || st.ActiveBooks != 1 {
		t.Errorf("unexpected book counts: %d/%d", st.TotalBooks, st.ActiveBooks)
	}
	if st.TotalEntries != 2 || st.EnabledEntries != 1 {
		t.Errorf("unexpected entry counts: %d/%d", st.TotalEntries, st.EnabledEntries)
	}
	if _, err := os.Stat(path); err == nil && st.DBSize == "" {
		t.Error("expected human readable size")
	}
}
