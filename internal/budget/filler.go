// Package budget selects prompt content under a hard token ceiling.
package budget

import (
	"context"
	"fmt"
)

// CostFunc measures the token cost of text. It may block (for example on a
// remote tokenizer); any error aborts the selection.
type CostFunc func(ctx context.Context, text string) (int, error)

// Selection is the outcome of Fill.
type Selection struct {
	// Lines is the accepted prefix of the candidates, in candidate order.
	Lines []string
	// Cost is the cost of the preamble plus every accepted line.
	Cost int
	// Unused is ceiling minus Cost; always > 0 when ceiling > 0.
	Unused int
}

// Fill charges preamble first, then accepts candidates in order until the
// next one would bring the running total to ceiling or beyond. The caller
// decides recency by ordering lines (typically newest first).
//
// The returned cost is always strictly below ceiling unless the preamble
// alone already reaches it, in which case no line is accepted.
func Fill(ctx context.Context, cost CostFunc, ceiling int, preamble string, lines []string) (Selection, error) {
	running := 0
	if preamble != "" {
		c, err := cost(ctx, preamble)
		if err != nil {
			return Selection{}, fmt.Errorf("measure preamble: %w", err)
		}
		running = c
	}

	sel := Selection{}
	for _, line := range lines {
		c, err := cost(ctx, line)
		if err != nil {
			return Selection{}, fmt.Errorf("measure line: %w", err)
		}
		if running+c >= ceiling {
			break
		}
		running += c
		sel.Lines = append(sel.Lines, line)
	}
	sel.Cost = running
	sel.Unused = ceiling - running
	return sel, nil
}

// Block is optional content competing for leftover budget.
type Block struct {
	Token string
	Text  string
}

// ResolveLowPriority decides which blocks survive. Blocks are considered in
// reverse declaration order; a block is kept when its cost is below the
// remaining budget, which it then consumes. Dropped blocks map to "".
// The returned map is keyed by Token; the int is the budget left over.
func ResolveLowPriority(ctx context.Context, cost CostFunc, remaining int, blocks []Block) (map[string]string, int, error) {
	out := make(map[string]string, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		c, err := cost(ctx, b.Text)
		if err != nil {
			return nil, 0, fmt.Errorf("measure low priority block: %w", err)
		}
		if c < remaining {
			out[b.Token] = b.Text
			remaining -= c
			continue
		}
		out[b.Token] = ""
	}
	return out, remaining, nil
}
