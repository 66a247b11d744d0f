// Package assemble builds the final prompt text: it renders a template,
// fits history and low-priority content into the token budget, substitutes
// the deferred content and runs the final normalization pass.
package assemble

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-prompt/internal/budget"
	"github.com/rcliao/agent-prompt/internal/memory"
	"github.com/rcliao/agent-prompt/internal/model"
	"github.com/rcliao/agent-prompt/internal/template"
	"github.com/rcliao/agent-prompt/internal/tokens"
)

// Request holds everything one assembly needs.
type Request struct {
	// Template is the prompt template. When empty, Context.Parts.Gaslight
	// is used.
	Template string
	Context  *template.Context
	// MaxTokens is the hard ceiling for the prompt. Zero disables budgeting:
	// all history and low-priority content is kept.
	MaxTokens int

	// Books, when set and Context.Parts.Memory is empty, produce the memory
	// text from the conversation lines.
	Books        []model.MemoryBook
	MemoryDepth  int
	MemoryBudget int

	// CountTokens measures the final prompt into Result.Tokens.
	CountTokens bool

	Rand *rand.Rand
	Now  time.Time
}

// Result is the assembled prompt and its structure.
type Result struct {
	Prompt        string            `json:"prompt"`
	Inserts       map[int]string    `json:"inserts,omitempty"`
	Sections      template.Sections `json:"sections"`
	LinesIncluded int               `json:"lines_included"`
	Tokens        int               `json:"tokens,omitempty"`
	Memory        *memory.Prompt    `json:"memory,omitempty"`
}

// Assembler runs assemblies against one token encoder.
type Assembler struct {
	enc tokens.Encoder
	log *zap.Logger
}

// New creates an Assembler. A nil logger disables logging.
func New(enc tokens.Encoder, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{enc: enc, log: log}
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize collapses runs of three or more newlines to two and trims.
func Normalize(s string) string {
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}

// Assemble renders req. Parse and encoder errors fail the whole call; no
// partial prompt is returned.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	cost := budget.CostFunc(a.enc.Count)
	rc := template.Context{}
	if req.Context != nil {
		rc = *req.Context
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	res := &Result{}

	if len(req.Books) > 0 && rc.Parts.Memory == "" {
		mem, err := memory.BuildPrompt(ctx, memory.Options{
			Books:    req.Books,
			Lines:    rc.Lines,
			Depth:    req.MemoryDepth,
			Budget:   req.MemoryBudget,
			Cost:     cost,
			CharName: rc.Char.Name,
			UserName: rc.Sender.Handle,
			Logger:   a.log,
		})
		if err != nil {
			return nil, fmt.Errorf("build memory: %w", err)
		}
		rc.Parts.Memory = mem.Text
		res.Memory = mem
	}

	src := req.Template
	if src == "" {
		src = rc.Parts.Gaslight
	}
	ast, err := template.ParseCached(src)
	if err != nil {
		return nil, err
	}
	opts := template.Options{Mode: template.ModeStandard, Defer: true, Rand: req.Rand, Now: req.Now}
	pass1, err := template.Render(ast, &rc, opts)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	res.Inserts = pass1.Inserts

	replacements, included, err := a.resolvePending(ctx, cost, req.MaxTokens, pass1)
	if err != nil {
		return nil, err
	}
	res.LinesIncluded = included
	subst := strings.NewReplacer(replacements...)

	// History and memory are user content, so stray tags in them stay text.
	final := func(s string) (string, error) {
		ast := template.ParseLenient(subst.Replace(s))
		out, err := template.Render(ast, &rc, template.Options{Mode: template.ModeFinal, Rand: req.Rand, Now: req.Now})
		if err != nil {
			return "", fmt.Errorf("final pass: %w", err)
		}
		return Normalize(out.Text), nil
	}

	if res.Prompt, err = final(pass1.Text); err != nil {
		return nil, err
	}
	sections := [...]*string{&pass1.Sections.System, &pass1.Sections.Definitions, &pass1.Sections.History, &pass1.Sections.Post}
	for _, s := range sections {
		if *s, err = final(*s); err != nil {
			return nil, err
		}
	}
	res.Sections = pass1.Sections

	if req.CountTokens {
		if res.Tokens, err = a.enc.Count(ctx, res.Prompt); err != nil {
			return nil, fmt.Errorf("measure prompt: %w", err)
		}
	}

	a.log.Debug("prompt assembled",
		zap.Int("max_tokens", req.MaxTokens),
		zap.Int("lines_included", res.LinesIncluded),
		zap.Int("pending", len(pass1.Pending)),
		zap.Int("chars", len(res.Prompt)))
	return res, nil
}

// resolvePending fills every sentinel from pass 1 and returns old/new pairs
// for strings.NewReplacer plus the number of history lines kept. Pass 1
// never defers inside deferred content, so no replacement holds a token.
func (a *Assembler) resolvePending(ctx context.Context, cost budget.CostFunc, ceiling int, r *template.Rendered) ([]string, int, error) {
	budgeted := ceiling > 0
	preamble := requiredText(r)
	var pairs []string
	var blocks []budget.Block
	included := 0
	spliced := false

	for _, p := range r.Pending {
		if p.Kind == template.PendingLowPriority {
			blocks = append(blocks, budget.Block{Token: p.Token, Text: p.Text})
			continue
		}
		candidates := slices.Clone(p.Lines)
		slices.Reverse(candidates)
		if budgeted {
			sel, err := budget.Fill(ctx, cost, ceiling, preamble, candidates)
			if err != nil {
				return nil, 0, fmt.Errorf("fill history: %w", err)
			}
			candidates = sel.Lines
			ceiling = sel.Unused
			preamble = ""
		}
		included += len(candidates)
		chosen := slices.Clone(candidates)
		slices.Reverse(chosen)
		if !spliced {
			chosen = spliceInserts(chosen, r.Inserts)
			spliced = true
		}
		pairs = append(pairs, p.Token, p.Finish(chosen))
	}

	if !budgeted {
		for _, b := range blocks {
			pairs = append(pairs, b.Token, b.Text)
		}
		return pairs, included, nil
	}

	if preamble != "" {
		sel, err := budget.Fill(ctx, cost, ceiling, preamble, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("fill history: %w", err)
		}
		ceiling = sel.Unused
	}
	kept, left, err := budget.ResolveLowPriority(ctx, cost, ceiling, blocks)
	if err != nil {
		return nil, 0, err
	}
	for _, b := range blocks {
		pairs = append(pairs, b.Token, kept[b.Token])
	}
	a.log.Debug("budget resolved",
		zap.Int("history_lines", included),
		zap.Int("low_priority", len(blocks)),
		zap.Int("unused", left))
	return pairs, included, nil
}

// requiredText is the content charged before any history: pass-1 output
// without sentinels plus every insert.
func requiredText(r *template.Rendered) string {
	text := template.StripSentinels(r.Text, r.Pending)
	depths := make([]int, 0, len(r.Inserts))
	for d := range r.Inserts {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	for _, d := range depths {
		text += "\n" + r.Inserts[d]
	}
	return text
}

// spliceInserts places each insert so that depth lines follow it. Inserts
// deeper than the history go first.
func spliceInserts(lines []string, inserts map[int]string) []string {
	if len(inserts) == 0 {
		return lines
	}
	n := len(lines)
	var deep []int
	for d := range inserts {
		if d > n {
			deep = append(deep, d)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(deep)))

	out := make([]string, 0, n+len(inserts))
	for _, d := range deep {
		out = append(out, inserts[d])
	}
	for i, line := range lines {
		if ins, ok := inserts[n-i]; ok {
			out = append(out, ins)
		}
		out = append(out, line)
	}
	if ins, ok := inserts[0]; ok {
		out = append(out, ins)
	}
	return out
}
