package template

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Mode selects which holders a render pass may resolve. It is passed down
// the recursion explicitly, so nested sub-template renders never need to
// save and restore shared state.
type Mode uint8

const (
	// ModeStandard resolves every holder.
	ModeStandard Mode = iota
	// ModePart renders a fragment that is itself substituted into a larger
	// template. Only holders in the safe subset are resolved; the rest are
	// left as their source tags for the final pass.
	ModePart
	// ModeFinal re-resolves leftover tags after deferred content has been
	// substituted. system_prompt and ujb stay literal.
	ModeFinal
	// ModeRepeatable renders content emitted many times; conditions render
	// empty.
	ModeRepeatable
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModePart:
		return "part"
	case ModeFinal:
		return "final"
	case ModeRepeatable:
		return "repeatable"
	default:
		return "unknown"
	}
}

// PendingKind identifies what a sentinel token stands for.
type PendingKind uint8

const (
	PendingHistory PendingKind = iota + 1
	PendingLowPriority
)

// Pending is content whose inclusion depends on the token budget. Token is
// present in the rendered text and must be replaced by the caller.
type Pending struct {
	Token string
	Kind  PendingKind
	// Lines are history candidates, oldest first.
	Lines []string
	// Text is the eagerly rendered low-priority block.
	Text string
	// Pipes are applied to the joined history once it is resolved.
	Pipes []string
}

// Finish joins the selected history lines and applies the holder's pipes.
func (p Pending) Finish(lines []string) string {
	return applyPipes(strings.Join(lines, "\n"), p.Pipes)
}

// Sections buckets the rendered text by prompt region.
type Sections struct {
	System      string `json:"system"`
	Definitions string `json:"definitions"`
	History     string `json:"history"`
	Post        string `json:"post"`
}

// Options configure one Render call.
type Options struct {
	Mode Mode
	// Defer replaces history and low-priority content with sentinel tokens
	// recorded in Rendered.Pending. Set it when a token budget applies.
	Defer bool
	Rand  *rand.Rand
	Now   time.Time
}

// Rendered is the result of one pass over an AST.
type Rendered struct {
	Text     string
	Sections Sections
	Inserts  map[int]string
	Pending  []Pending
}

const (
	sentinelMark     = "\x1e"
	maxPartRecursion = 4
)

type renderer struct {
	ctx     *Context
	opts    Options
	rng     *rand.Rand
	pending []Pending
	depth   int
}

type frame struct {
	mode   Mode
	entity *entity
	value  string
	// inline is set under a block that is measured as one unit, such as
	// an insert or a low-priority block. Nothing beneath it is deferred.
	inline bool
}

// Render walks ast against c. The AST is only read, never modified.
func Render(ast AST, c *Context, opts Options) (*Rendered, error) {
	if c == nil {
		c = &Context{}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	r := &renderer{ctx: c, opts: opts, rng: opts.Rand}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return r.render(ast, opts.Mode)
}

type sectionState uint8

const (
	inSystem sectionState = iota
	inDefinitions
	inHistory
	inPost
)

func (r *renderer) render(ast AST, mode Mode) (*Rendered, error) {
	f := frame{mode: mode}
	inserts, err := r.collectInserts(ast, f)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var sec [4]strings.Builder
	state := inSystem
	for _, n := range ast {
		out, err := r.renderNode(n, f)
		if err != nil {
			return nil, err
		}
		text.WriteString(out)

		switch {
		case isHistoryMarker(n) && state < inHistory:
			sec[inHistory].WriteString(out)
			state = inPost
		case isSystemMarker(n) && state == inSystem:
			sec[inSystem].WriteString(out)
			state = inDefinitions
		default:
			sec[state].WriteString(out)
		}
	}

	return &Rendered{
		Text: text.String(),
		Sections: Sections{
			System:      sec[inSystem].String(),
			Definitions: sec[inDefinitions].String(),
			History:     sec[inHistory].String(),
			Post:        sec[inPost].String(),
		},
		Inserts: inserts,
		Pending: r.pending,
	}, nil
}

func isSystemMarker(n Node) bool {
	p, ok := n.(*Placeholder)
	return ok && p.Holder.Kind == KindNamed && p.Holder.ID == HolderSystemPrompt
}

func isHistoryMarker(n Node) bool {
	switch n := n.(type) {
	case *Placeholder:
		return n.Holder.Kind == KindNamed && n.Holder.ID == HolderHistory
	case *Iterator:
		return n.Source == SourceHistory
	}
	return false
}

// collectInserts renders every insert in the tree, wherever it sits, keyed
// by depth. Inserts sharing a depth are joined with newlines in tree order.
func (r *renderer) collectInserts(nodes []Node, f frame) (map[int]string, error) {
	inserts := map[int]string{}
	var walk func([]Node) error
	walk = func(nodes []Node) error {
		for _, n := range nodes {
			switch n := n.(type) {
			case *Insert:
				inner := f
				inner.inline = true
				out, err := r.renderNodes(n.Children, inner)
				if err != nil {
					return err
				}
				if prev, ok := inserts[n.Depth]; ok {
					out = prev + "\n" + out
				}
				inserts[n.Depth] = out
			case *Condition:
				if err := walk(n.Children); err != nil {
					return err
				}
				if err := walk(n.Else); err != nil {
					return err
				}
			case *Iterator:
				if err := walk(n.Children); err != nil {
					return err
				}
			case *LowPriority:
				if err := walk(n.Children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(nodes); err != nil {
		return nil, err
	}
	return inserts, nil
}

func (r *renderer) renderNodes(nodes []Node, f frame) (string, error) {
	var b strings.Builder
	for _, n := range nodes {
		out, err := r.renderNode(n, f)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

func (r *renderer) renderNode(n Node, f frame) (string, error) {
	switch n := n.(type) {
	case *Text:
		return n.Value, nil
	case *Placeholder:
		return r.renderPlaceholder(n, f)
	case *Condition:
		return r.renderCondition(n, f)
	case *Iterator:
		return r.renderIterator(n, f)
	case *Insert:
		return "", nil
	case *LowPriority:
		deferred := r.deferring(f)
		inner := f
		inner.inline = f.inline || deferred
		out, err := r.renderNodes(n.Children, inner)
		if err != nil || !deferred {
			return out, err
		}
		return r.deferContent(Pending{Kind: PendingLowPriority, Text: out}), nil
	}
	return "", fmt.Errorf("render: unknown node %T", n)
}

func (r *renderer) renderPlaceholder(n *Placeholder, f frame) (string, error) {
	if n.Holder.Kind == KindNamed && n.Holder.ID == HolderHistory && r.deferring(f) && f.mode != ModePart {
		return r.deferContent(Pending{Kind: PendingHistory, Lines: r.ctx.Lines, Pipes: n.Pipes}), nil
	}
	val, literal, err := r.resolve(n.Holder, f)
	if err != nil {
		return "", err
	}
	if literal {
		return n.Raw, nil
	}
	return applyPipes(val, n.Pipes), nil
}

func (r *renderer) renderCondition(n *Condition, f frame) (string, error) {
	if f.mode == ModeRepeatable {
		return "", nil
	}
	val, literal, err := r.resolve(n.Holder, f)
	if err != nil {
		return "", err
	}
	if literal {
		return n.Raw, nil
	}
	if val == "" {
		return r.renderNodes(n.Else, f)
	}
	inner := f
	inner.value = val
	return r.renderNodes(n.Children, inner)
}

func (r *renderer) renderIterator(n *Iterator, f frame) (string, error) {
	if f.mode == ModePart {
		return n.Raw, nil
	}
	deferred := n.Source == SourceHistory && r.deferring(f)
	entities := r.ctx.entities(n.Source)
	outs := make([]string, 0, len(entities))
	for i := range entities {
		inner := f
		inner.entity = &entities[i]
		inner.inline = f.inline || deferred
		out, err := r.renderNodes(n.Children, inner)
		if err != nil {
			return "", err
		}
		outs = append(outs, out)
	}
	// A hoisted line break leads every item and then doubles as the separator.
	sep, lead := "\n", ""
	if startsWithBreak(n.Children) {
		sep, lead = "", "\n"
	}
	if deferred {
		if lead != "" {
			for i := range outs {
				outs[i] = strings.TrimPrefix(outs[i], "\n")
			}
		}
		return lead + r.deferContent(Pending{Kind: PendingHistory, Lines: outs}), nil
	}
	return strings.Join(outs, sep), nil
}

func startsWithBreak(nodes []Node) bool {
	if len(nodes) == 0 {
		return false
	}
	t, ok := nodes[0].(*Text)
	return ok && strings.HasPrefix(t.Value, "\n")
}

func (r *renderer) deferring(f frame) bool {
	return r.opts.Defer && f.mode != ModeFinal && !f.inline
}

func (r *renderer) deferContent(p Pending) string {
	kind := "history"
	if p.Kind == PendingLowPriority {
		kind = "low"
	}
	p.Token = sentinelMark + kind + ":" + uuid.NewString() + sentinelMark
	r.pending = append(r.pending, p)
	return p.Token
}

// resolve returns the value of h. literal reports that the mode forbids
// resolving h and the source tag must be kept.
func (r *renderer) resolve(h Holder, f frame) (val string, literal bool, err error) {
	switch h.Kind {
	case KindJSON:
		return r.jsonValue(h.Path), false, nil
	case KindEntity:
		return f.entity.prop(h.Path), false, nil
	}
	if f.mode == ModePart && !partSafe[h.ID] {
		return "", true, nil
	}
	if f.mode == ModeFinal && (h.ID == HolderSystemPrompt || h.ID == HolderUJB) {
		return "", true, nil
	}

	switch h.Kind {
	case KindRandom:
		if len(h.Choices) == 0 {
			return "", false, nil
		}
		return h.Choices[r.rng.Intn(len(h.Choices))], false, nil
	case KindRoll:
		return fmt.Sprint(roll(r.rng, h.Dice)), false, nil
	}

	c := r.ctx
	switch h.ID {
	case HolderChar:
		return c.Char.Name, false, nil
	case HolderUser:
		return c.Sender.Handle, false, nil
	case HolderScenario:
		return c.Parts.Scenario, false, nil
	case HolderPersonality:
		return c.Parts.Persona, false, nil
	case HolderAllPersonalities:
		return r.allPersonalities(), false, nil
	case HolderSampleChat:
		return c.Parts.SampleChat, false, nil
	case HolderHistory:
		return strings.Join(c.Lines, "\n"), false, nil
	case HolderUJB:
		return c.Parts.UJB, false, nil
	case HolderPost:
		return c.Parts.Post, false, nil
	case HolderMemory:
		return c.Parts.Memory, false, nil
	case HolderChatAge:
		return r.since(c.ChatCreated), false, nil
	case HolderIdleDuration:
		return r.since(c.LastMessage), false, nil
	case HolderChatEmbed:
		return strings.Join(c.Embeds, "\n"), false, nil
	case HolderSystemPrompt:
		out, err := r.renderPart(c.Parts.SystemPrompt, f.inline)
		return out, false, err
	case HolderValue:
		return f.value, false, nil
	}
	return "", false, nil
}

// renderPart renders src as a fragment in ModePart, leaving unsafe holders
// for the final pass.
func (r *renderer) renderPart(src string, inline bool) (string, error) {
	if src == "" || r.depth >= maxPartRecursion {
		return "", nil
	}
	ast, err := ParseCached(src)
	if err != nil {
		return "", fmt.Errorf("system prompt: %w", err)
	}
	sub := &renderer{ctx: r.ctx, opts: r.opts, rng: r.rng, depth: r.depth + 1}
	out, err := sub.renderNodes(ast, frame{mode: ModePart, inline: inline})
	if err != nil {
		return "", err
	}
	r.pending = append(r.pending, sub.pending...)
	return out, nil
}

func (r *renderer) allPersonalities() string {
	var lines []string
	if r.ctx.Char.Name != "" && r.ctx.Char.Persona != "" {
		lines = append(lines, r.ctx.Char.Name+": "+r.ctx.Char.Persona)
	}
	for _, b := range r.ctx.bots() {
		if b.Persona != "" {
			lines = append(lines, b.Name+": "+b.Persona)
		}
	}
	return strings.Join(lines, "\n")
}

func (r *renderer) since(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strings.TrimSpace(humanize.RelTime(t, r.opts.Now, "", ""))
}

func (r *renderer) jsonValue(path string) string {
	if len(r.ctx.JSON) == 0 {
		return ""
	}
	res := gjson.GetBytes(r.ctx.JSON, path)
	if !res.Exists() {
		return ""
	}
	return res.String()
}

// roll sums every term. Each dice term rolls Count dice and keeps the
// highest (or lowest) Keep of them when Keep is set.
func roll(rng *rand.Rand, terms []DiceTerm) int {
	total := 0
	for _, t := range terms {
		if t.Sides == 0 {
			total += t.Sign * t.Count
			continue
		}
		dice := make([]int, t.Count)
		for i := range dice {
			dice[i] = rng.Intn(t.Sides) + 1
		}
		if t.Keep > 0 {
			sort.Ints(dice)
			if t.KeepLow {
				dice = dice[:t.Keep]
			} else {
				dice = dice[len(dice)-t.Keep:]
			}
		}
		for _, d := range dice {
			total += t.Sign * d
		}
	}
	return total
}

func applyPipes(val string, pipes []string) string {
	for _, p := range pipes {
		switch p {
		case "upper":
			val = strings.ToUpper(val)
		case "lower":
			val = strings.ToLower(val)
		case "trim":
			val = strings.TrimSpace(val)
		case "capitalize", "sentence":
			if r, size := utf8.DecodeRuneInString(val); r != utf8.RuneError {
				val = string(unicode.ToUpper(r)) + val[size:]
			}
		}
	}
	return val
}

// StripSentinels removes every sentinel token from s.
func StripSentinels(s string, pending []Pending) string {
	for _, p := range pending {
		s = strings.ReplaceAll(s, p.Token, "")
	}
	return s
}
