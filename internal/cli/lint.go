package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-prompt/internal/template"
)

func init() {
	cmd := &cobra.Command{
		Use:   "lint [template]",
		Short: "Check a template for syntax errors and unknown holders",
		Args:  cobra.MaximumNArgs(1),
		Run:   runLint,
	}

	RootCmd.AddCommand(cmd)
}

func runLint(cmd *cobra.Command, args []string) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	src, err := readInput(path)
	if err != nil {
		exitErr("read template", err)
	}

	warnings, err := template.Lint(string(src))
	if err != nil {
		exitErr("parse template", err)
	}

	if formatFlag == "text" {
		for _, w := range warnings {
			if w.Suggestion != "" {
				fmt.Printf("%s: %s (did you mean %q?)\n", w.Holder, w.Msg, w.Suggestion)
				continue
			}
			fmt.Printf("%s: %s\n", w.Holder, w.Msg)
		}
		return
	}
	printJSON(map[string]any{"ok": len(warnings) == 0, "warnings": warnings})
}
