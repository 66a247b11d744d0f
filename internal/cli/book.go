package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"

	"github.com/rcliao/agent-prompt/internal/model"
	"github.com/rcliao/agent-prompt/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Manage memory books",
	}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memory books from JSON",
		Long:  "Import a memory book, or an array of books, from JSON or JSONC (file or stdin). A book replaces any active book with the same name.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runBookImport,
	}
	importCmd.Flags().StringP("name", "n", "", "Override the book name (single book only)")

	exportCmd := &cobra.Command{
		Use:   "export [name]",
		Short: "Export memory books as JSON",
		Args:  cobra.MaximumNArgs(1),
		Run:   runBookExport,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List memory books",
		Run:   runBookList,
	}
	listCmd.Flags().IntP("limit", "l", 100, "Max results")

	rmCmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a memory book",
		Args:  cobra.ExactArgs(1),
		Run:   runBookRm,
	}
	rmCmd.Flags().Bool("hard", false, "Permanent delete (irreversible)")

	cmd.AddCommand(importCmd, exportCmd, listCmd, rmCmd)
	RootCmd.AddCommand(cmd)
}

// decodeBooks accepts a single book object or an array of books.
func decodeBooks(data []byte) ([]model.MemoryBook, error) {
	data = jsonc.ToJSON(data)
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json")
	}
	if gjson.ParseBytes(data).IsArray() {
		var books []model.MemoryBook
		if err := json.Unmarshal(data, &books); err != nil {
			return nil, err
		}
		return books, nil
	}
	var b model.MemoryBook
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return []model.MemoryBook{b}, nil
}

func runBookImport(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	data, err := readInput(path)
	if err != nil {
		exitErr("read books", err)
	}
	books, err := decodeBooks(data)
	if err != nil {
		exitErr("parse books", err)
	}
	if name != "" {
		if len(books) != 1 {
			exitErr("import", fmt.Errorf("--name needs exactly one book, got %d", len(books)))
		}
		books[0].Name = name
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported, err := s.Import(cmd.Context(), books)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", imported)
}

func runBookExport(cmd *cobra.Command, args []string) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	books, err := s.ExportAll(cmd.Context(), name)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(books)
}

func runBookList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	books, err := s.ListBooks(cmd.Context(), store.ListParams{Limit: limit})
	if err != nil {
		exitErr("list", err)
	}

	if formatFlag == "text" {
		for _, b := range books {
			fmt.Printf("%s\tdepth=%d budget=%d\t%s\n", b.Name, b.ScanDepth, b.TokenBudget, humanize.Time(b.CreatedAt))
		}
		return
	}
	printJSON(books)
}

func runBookRm(cmd *cobra.Command, args []string) {
	hard, _ := cmd.Flags().GetBool("hard")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.RmBook(cmd.Context(), store.RmParams{Name: args[0], Hard: hard}); err != nil {
		exitErr("rm", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"name":%q}`+"\n", args[0])
}
