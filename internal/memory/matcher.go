// Package memory finds memory-book entries triggered by recent conversation
// and ranks them into a prompt fragment under a token budget.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/agent-prompt/internal/budget"
	"github.com/rcliao/agent-prompt/internal/model"
)

// metaStripper removes regex metacharacters other than the * and ? wildcards.
var metaStripper = strings.NewReplacer(
	`\`, "", `.`, "", `+`, "", `^`, "", `$`, "", `{`, "", `}`, "",
	`(`, "", `)`, "", `|`, "", `[`, "", `]`, "",
)

// CompileKeyword builds a case-insensitive whole-word pattern. "*" matches a
// run of word characters and "?" exactly one. It returns nil for keywords
// that are empty once stripped.
func CompileKeyword(keyword string) *regexp.Regexp {
	kw := metaStripper.Replace(strings.TrimSpace(keyword))
	if strings.Trim(kw, "*?") == "" {
		return nil
	}
	kw = strings.ReplaceAll(kw, "*", `\w*`)
	kw = strings.ReplaceAll(kw, "?", `\w`)
	re, err := regexp.Compile(`(?i)\b` + kw + `\b`)
	if err != nil {
		return nil
	}
	return re
}

var (
	charHolder = regexp.MustCompile(`(?i)\{\{\s*(char|character|bot)\s*\}\}`)
	userHolder = regexp.MustCompile(`(?i)\{\{\s*user\s*\}\}`)
)

// Match is an entry triggered by the conversation window.
type Match struct {
	Entry model.MemoryEntry `json:"entry"`
	// Age is the distance from the newest line to the nearest matching one.
	Age  int    `json:"age"`
	Cost int    `json:"cost"`
	Text string `json:"text"`
}

// Options configure BuildPrompt.
type Options struct {
	Books []model.MemoryBook
	// Lines are "Speaker: text" lines, oldest first.
	Lines []string
	// Depth is the number of most recent lines scanned. Zero uses the
	// largest scan_depth of Books.
	Depth int
	// Budget caps the total token cost. Zero uses the largest token_budget
	// of Books.
	Budget   int
	Cost     budget.CostFunc
	CharName string
	UserName string
	Logger   *zap.Logger
}

// Prompt is the ranked memory text and how it was chosen.
type Prompt struct {
	Text     string  `json:"text"`
	Matches  []Match `json:"matches"`
	Admitted []Match `json:"admitted"`
	Tokens   int     `json:"tokens"`
}

// FindMatches scans the newest depth lines for every enabled entry and
// returns the entries that matched, in book order.
func FindMatches(entries []model.MemoryEntry, lines []string, depth int) []Match {
	window := lines
	if depth >= 0 && depth < len(window) {
		window = window[len(window)-depth:]
	}

	var matches []Match
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		var patterns []*regexp.Regexp
		for _, k := range e.Keys {
			if re := CompileKeyword(k); re != nil {
				patterns = append(patterns, re)
			}
		}
		if age, ok := firstMatch(patterns, window); ok {
			matches = append(matches, Match{Entry: e, Age: age})
		}
	}
	return matches
}

func firstMatch(patterns []*regexp.Regexp, window []string) (int, bool) {
	if len(patterns) == 0 {
		return 0, false
	}
	for age := 0; age < len(window); age++ {
		line := window[len(window)-1-age]
		for _, re := range patterns {
			if re.MatchString(line) {
				return age, true
			}
		}
	}
	return 0, false
}

// BuildPrompt matches entries against the window, admits as many as fit the
// budget by priority, then orders the admitted set by weight so the
// heaviest and most recent entries end up last, nearest the generation
// point.
func BuildPrompt(ctx context.Context, opts Options) (*Prompt, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	depth, limit := opts.Depth, opts.Budget
	var entries []model.MemoryEntry
	for _, b := range opts.Books {
		if opts.Depth == 0 && b.ScanDepth > depth {
			depth = b.ScanDepth
		}
		if opts.Budget == 0 && b.TokenBudget > limit {
			limit = b.TokenBudget
		}
		entries = append(entries, b.Entries...)
	}

	p := &Prompt{Matches: FindMatches(entries, opts.Lines, depth)}
	for i := range p.Matches {
		m := &p.Matches[i]
		m.Text = substitute(m.Entry.Content, opts.CharName, opts.UserName) + "\n"
		c, err := opts.Cost(ctx, m.Text)
		if err != nil {
			return nil, fmt.Errorf("measure memory %q: %w", m.Entry.UID, err)
		}
		m.Cost = c
	}

	p.Admitted, p.Tokens = admit(p.Matches, limit)
	p.Text = present(p.Admitted)
	log.Debug("memory prompt built",
		zap.Int("depth", depth),
		zap.Int("budget", limit),
		zap.Int("matched", len(p.Matches)),
		zap.Int("admitted", len(p.Admitted)),
		zap.Int("tokens", p.Tokens))
	return p, nil
}

func substitute(body, char, user string) string {
	body = charHolder.ReplaceAllLiteralString(body, char)
	return userHolder.ReplaceAllLiteralString(body, user)
}

// admit sorts by priority (then age) and keeps entries until the next one
// would bring the total to the budget.
func admit(matches []Match, limit int) ([]Match, int) {
	sorted := append([]Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Entry.Priority != sorted[j].Entry.Priority {
			return sorted[i].Entry.Priority > sorted[j].Entry.Priority
		}
		return sorted[i].Age < sorted[j].Age
	})

	used := 0
	var admitted []Match
	for _, m := range sorted {
		if used+m.Cost >= limit {
			break
		}
		used += m.Cost
		admitted = append(admitted, m)
	}
	return admitted, used
}

// present orders by weight (then age) and concatenates in reverse.
func present(admitted []Match) string {
	sorted := append([]Match(nil), admitted...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Entry.Weight != sorted[j].Entry.Weight {
			return sorted[i].Entry.Weight > sorted[j].Entry.Weight
		}
		return sorted[i].Age < sorted[j].Age
	})

	var b strings.Builder
	for i := len(sorted) - 1; i >= 0; i-- {
		b.WriteString(sorted[i].Text)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
