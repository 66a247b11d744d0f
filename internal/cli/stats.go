package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), getDBPath())
	if err != nil {
		exitErr("stats", err)
	}

	if formatFlag == "text" {
		fmt.Printf("%s (%s)\n", stats.DBPath, stats.DBSize)
		fmt.Printf("books: %d active, %d total\n", stats.ActiveBooks, stats.TotalBooks)
		fmt.Printf("entries: %d enabled, %d total\n", stats.EnabledEntries, stats.TotalEntries)
		for _, b := range stats.Books {
			fmt.Printf("  %s\t%d/%d\n", b.Name, b.Enabled, b.Entries)
		}
		return
	}
	printJSON(stats)
}
