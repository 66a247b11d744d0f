package cli

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-prompt/internal/assemble"
	"github.com/rcliao/agent-prompt/internal/model"
	"github.com/rcliao/agent-prompt/internal/template"
)

// renderRequest is the JSONC request file read by render.
type renderRequest struct {
	Template     string             `json:"template"`
	TemplateFile string             `json:"template_file"`
	Context      *template.Context  `json:"context"`
	Books        []string           `json:"books"`
	InlineBooks  []model.MemoryBook `json:"inline_books"`
	MaxTokens    *int               `json:"max_tokens"`
	Seed         *int64             `json:"seed"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "render [request.jsonc]",
		Short: "Assemble a prompt from a template and conversation",
		Long:  "Read a JSONC request (file or stdin) holding a template and its context, and print the assembled prompt. Memory books named in the request are loaded from the store.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runRender,
	}

	cmd.Flags().StringP("template", "t", "", "Template file (overrides the request)")
	cmd.Flags().StringSliceP("book", "b", nil, "Memory books to scan (added to the request)")
	cmd.Flags().IntP("max-tokens", "m", -1, "Token ceiling, 0 disables budgeting (default: request, then config)")
	cmd.Flags().Int64("seed", 0, "Seed for random and roll holders")
	cmd.Flags().Bool("count", false, "Measure the final prompt")

	RootCmd.AddCommand(cmd)
}

func runRender(cmd *cobra.Command, args []string) {
	templateFile, _ := cmd.Flags().GetString("template")
	books, _ := cmd.Flags().GetStringSlice("book")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	count, _ := cmd.Flags().GetBool("count")

	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	data, err := readInput(path)
	if err != nil {
		exitErr("read request", err)
	}
	var req renderRequest
	if err := decodeJSONC(data, &req); err != nil {
		exitErr("parse request", err)
	}

	if templateFile == "" {
		templateFile = req.TemplateFile
	}
	if templateFile != "" {
		src, err := os.ReadFile(templateFile)
		if err != nil {
			exitErr("read template", err)
		}
		req.Template = string(src)
	}

	limit := cfg.MaxTokens
	if req.MaxTokens != nil {
		limit = *req.MaxTokens
	}
	if maxTokens >= 0 {
		limit = maxTokens
	}

	seed := time.Now().UnixNano()
	if req.Seed != nil {
		seed = *req.Seed
	}
	if cmd.Flags().Changed("seed") {
		seed, _ = cmd.Flags().GetInt64("seed")
	}

	memBooks := req.InlineBooks
	if names := append(req.Books, books...); len(names) > 0 {
		s, err := openStore()
		if err != nil {
			exitErr("open store", err)
		}
		defer s.Close()
		stored, err := s.ActiveBooks(cmd.Context(), names)
		if err != nil {
			exitErr("load books", err)
		}
		memBooks = append(memBooks, stored...)
	}

	enc, err := newEncoder()
	if err != nil {
		exitErr("encoder", err)
	}

	depth, memBudget := memoryDefaults(memBooks)
	a := assemble.New(enc, logger)
	res, err := a.Assemble(cmd.Context(), assemble.Request{
		Template:     req.Template,
		Context:      req.Context,
		MaxTokens:    limit,
		Books:        memBooks,
		MemoryDepth:  depth,
		MemoryBudget: memBudget,
		CountTokens:  count,
		Rand:         rand.New(rand.NewSource(seed)),
	})
	if err != nil {
		exitErr("render", err)
	}

	if formatFlag == "text" {
		fmt.Println(res.Prompt)
		return
	}
	printJSON(res)
}
