package cli

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-prompt/internal/budget"
	"github.com/rcliao/agent-prompt/internal/memory"
	"github.com/rcliao/agent-prompt/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "memory [conversation.txt]",
		Short: "Show which memory entries a conversation triggers",
		Long:  "Read conversation lines (\"Speaker: text\", oldest first) from a file or stdin, match them against memory books and print the ranked memory prompt.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runMemory,
	}

	cmd.Flags().StringSliceP("book", "b", nil, "Memory books to scan (required)")
	cmd.Flags().Int("depth", 0, "Lines to scan (default: largest book scan_depth, then config)")
	cmd.Flags().Int("budget", 0, "Token budget (default: largest book token_budget, then config)")
	cmd.Flags().String("char", "", "Name substituted for {{char}}")
	cmd.Flags().String("user", "", "Name substituted for {{user}}")

	cmd.MarkFlagRequired("book")

	RootCmd.AddCommand(cmd)
}

func runMemory(cmd *cobra.Command, args []string) {
	names, _ := cmd.Flags().GetStringSlice("book")
	depth, _ := cmd.Flags().GetInt("depth")
	limit, _ := cmd.Flags().GetInt("budget")
	charName, _ := cmd.Flags().GetString("char")
	userName, _ := cmd.Flags().GetString("user")

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	data, err := readInput(path)
	if err != nil {
		exitErr("read conversation", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	books, err := s.ActiveBooks(cmd.Context(), names)
	if err != nil {
		exitErr("load books", err)
	}
	if len(books) == 0 {
		exitErr("load books", fmt.Errorf("none of %v found", names))
	}

	enc, err := newEncoder()
	if err != nil {
		exitErr("encoder", err)
	}

	opts := memory.Options{
		Books:    books,
		Lines:    lines,
		Depth:    depth,
		Budget:   limit,
		Cost:     budget.CostFunc(enc.Count),
		CharName: charName,
		UserName: userName,
		Logger:   logger,
	}
	d, b := memoryDefaults(books)
	if opts.Depth == 0 {
		opts.Depth = d
	}
	if opts.Budget == 0 {
		opts.Budget = b
	}

	p, err := memory.BuildPrompt(cmd.Context(), opts)
	if err != nil {
		exitErr("build memory", err)
	}

	if formatFlag == "text" {
		fmt.Println(p.Text)
		return
	}
	printJSON(p)
}

// memoryDefaults returns the configured scan depth and budget for settings
// none of the books define, and zero for the rest so the books' own values
// apply.
func memoryDefaults(books []model.MemoryBook) (depth, limit int) {
	depth, limit = cfg.Memory.ScanDepth, cfg.Memory.TokenBudget
	for _, b := range books {
		if b.ScanDepth > 0 {
			depth = 0
		}
		if b.TokenBudget > 0 {
			limit = 0
		}
	}
	return depth, limit
}
