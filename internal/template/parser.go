package template

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse matches every *ParseError via errors.Is.
var ErrParse = errors.New("template parse error")

// ParseError reports malformed template input. Stage names the construct
// being parsed when the problem was found.
type ParseError struct {
	Stage  string
	Line   int
	Column int
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s at %d:%d: %s", e.Stage, e.Line, e.Column, e.Msg)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Dice limits keep every roll well inside int range.
const (
	maxDice      = 100
	maxSides     = 100000
	maxDiceTerms = 20
)

var (
	identRe = regexp.MustCompile(`^\.?[A-Za-z_][A-Za-z0-9_.]*$`)
	diceRe  = regexp.MustCompile(`^(\d*)d(\d+)(?:(kh|kl)(\d+))?$`)
)

type termKind uint8

const (
	termElse termKind = iota + 1
	termClose
)

// terminator is a tag that ends the node list currently being parsed.
type terminator struct {
	kind   termKind
	name   string
	offset int
	end    int
}

type parser struct {
	src      string
	pos      int
	scope    []Source
	inInsert bool
	// blocks counts the open blocks around the current position.
	blocks int

	// lenient keeps malformed tags as text instead of failing. failed
	// remembers block openers that already failed so they are not retried.
	lenient bool
	failed  map[int]bool
}

// Parse turns a template string into its AST. Parse is pure: equal inputs
// produce structurally equal ASTs. Malformed input yields a *ParseError and
// no AST.
func Parse(src string) (AST, error) {
	p := &parser{src: src}
	nodes, term, err := p.parseNodes()
	if err != nil {
		return nil, err
	}
	if term != nil {
		if term.kind == termElse {
			return nil, p.errorf("condition", term.offset, "{{else}} outside {{#if}}")
		}
		return nil, p.errorf("tag", term.offset, "unexpected {{/%s}}", term.name)
	}
	return AST(hoist(nodes)), nil
}

// ParseLenient parses src like Parse but never fails: any tag that would be
// malformed, such as a stray closer or an unclosed block, stays literal text.
// It is meant for text that mixes template output with user content.
func ParseLenient(src string) AST {
	p := &parser{src: src, lenient: true, failed: map[int]bool{}}
	nodes, _, _ := p.parseNodes()
	return AST(hoist(nodes))
}

func (p *parser) errorf(stage string, offset int, format string, args ...any) *ParseError {
	line, col := 1, 1
	for _, r := range p.src[:offset] {
		if r == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return &ParseError{Stage: stage, Line: line, Column: col, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// parseNodes consumes nodes until EOF or a terminator tag ({{else}} or a
// closing tag), which is returned to the caller to match.
func (p *parser) parseNodes() ([]Node, *terminator, error) {
	var nodes []Node
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			nodes = append(nodes, &Text{Value: text.String()})
			text.Reset()
		}
	}

	for p.pos < len(p.src) {
		open := strings.Index(p.src[p.pos:], "{{")
		if open < 0 {
			text.WriteString(p.src[p.pos:])
			p.pos = len(p.src)
			break
		}
		open += p.pos
		closeIdx := strings.Index(p.src[open+2:], "}}")
		if closeIdx < 0 {
			text.WriteString(p.src[p.pos:])
			p.pos = len(p.src)
			break
		}
		end := open + 2 + closeIdx + 2
		text.WriteString(p.src[p.pos:open])
		body := strings.TrimSpace(p.src[open+2 : end-2])
		p.pos = end

		raw := p.src[open:end]
		stray := p.lenient && p.blocks == 0
		switch {
		case strings.HasPrefix(body, "#"):
			if p.lenient && p.failed[open] {
				text.WriteString(raw)
				continue
			}
			n, err := p.parseBlock(body[1:], open)
			if err != nil {
				if !p.lenient {
					return nil, nil, err
				}
				p.failed[open] = true
				p.pos = end
				text.WriteString(raw)
				continue
			}
			flush()
			nodes = append(nodes, n)
		case strings.HasPrefix(body, "/"):
			if stray {
				text.WriteString(raw)
				continue
			}
			flush()
			return nodes, &terminator{kind: termClose, name: strings.ToLower(strings.TrimSpace(body[1:])), offset: open, end: end}, nil
		case strings.EqualFold(body, "else"):
			if stray {
				text.WriteString(raw)
				continue
			}
			flush()
			return nodes, &terminator{kind: termElse, offset: open, end: end}, nil
		default:
			n, err := p.parsePlaceholder(body, open, end)
			if err != nil && !p.lenient {
				return nil, nil, err
			}
			if n == nil {
				text.WriteString(raw)
				continue
			}
			flush()
			nodes = append(nodes, n)
		}
	}
	flush()
	return nodes, nil, nil
}

func splitKeyword(body string) (string, string) {
	i := strings.IndexAny(body, " \t\n=:")
	if i < 0 {
		return strings.ToLower(body), ""
	}
	rest := strings.TrimSpace(body[i:])
	rest = strings.TrimSpace(strings.TrimLeft(rest, "=:"))
	return strings.ToLower(body[:i]), rest
}

func (p *parser) parseBlock(body string, open int) (Node, error) {
	kw, arg := splitKeyword(body)
	switch kw {
	case "if":
		return p.parseCondition(arg, open)
	case "each":
		return p.parseIterator(arg, open)
	case "insert":
		return p.parseInsert(arg, open)
	case "lowpriority":
		return p.parseLowPriority(open)
	default:
		return nil, p.errorf("tag", open, "unknown block {{#%s}}", kw)
	}
}

// parseBody reads children until the closing tag for kw. Else segments are
// returned only when allowElse is set.
func (p *parser) parseBody(kw, stage string, open int, allowElse bool) ([][]Node, int, error) {
	p.blocks++
	defer func() { p.blocks-- }()
	var segments [][]Node
	for {
		nodes, term, err := p.parseNodes()
		if err != nil {
			return nil, 0, err
		}
		segments = append(segments, nodes)
		if term == nil {
			return nil, 0, p.errorf(stage, open, "unclosed {{#%s}}", kw)
		}
		if term.kind == termElse {
			if !allowElse {
				return nil, 0, p.errorf(stage, term.offset, "{{else}} inside {{#%s}}", kw)
			}
			continue
		}
		if term.name != kw {
			return nil, 0, p.errorf(stage, term.offset, "expected {{/%s}}, found {{/%s}}", kw, term.name)
		}
		return segments, term.end, nil
	}
}

func (p *parser) parseCondition(arg string, open int) (Node, error) {
	if arg == "" {
		return nil, p.errorf("condition", open, "{{#if}} needs a holder")
	}
	h, err := p.parseHolder(arg, "condition", open)
	if err != nil {
		return nil, err
	}
	segments, end, err := p.parseBody("if", "condition", open, true)
	if err != nil {
		return nil, err
	}
	c := &Condition{Holder: h, Children: segments[0], Raw: p.src[open:end]}
	if len(segments) > 1 {
		c.Else = segments[len(segments)-1]
	}
	return c, nil
}

func (p *parser) parseIterator(arg string, open int) (Node, error) {
	src, ok := sources[strings.ToLower(arg)]
	if !ok {
		return nil, p.errorf("iterator", open, "unknown iterable %q", arg)
	}
	p.scope = append(p.scope, src)
	segments, end, err := p.parseBody("each", "iterator", open, false)
	p.scope = p.scope[:len(p.scope)-1]
	if err != nil {
		return nil, err
	}
	return &Iterator{Source: src, Children: segments[0], Raw: p.src[open:end]}, nil
}

func (p *parser) parseInsert(arg string, open int) (Node, error) {
	if p.inInsert {
		return nil, p.errorf("insert", open, "nested {{#insert}}")
	}
	depth, err := strconv.Atoi(arg)
	if err != nil || depth < 0 {
		return nil, p.errorf("insert", open, "invalid insert depth %q", arg)
	}
	p.inInsert = true
	segments, _, err := p.parseBody("insert", "insert", open, false)
	p.inInsert = false
	if err != nil {
		return nil, err
	}
	return &Insert{Depth: depth, Children: segments[0]}, nil
}

func (p *parser) parseLowPriority(open int) (Node, error) {
	segments, _, err := p.parseBody("lowpriority", "lowpriority", open, false)
	if err != nil {
		return nil, err
	}
	return &LowPriority{Children: segments[0]}, nil
}

// parsePlaceholder returns nil, nil when the tag body is not a holder at all;
// the caller keeps such tags as literal text.
func (p *parser) parsePlaceholder(body string, open, end int) (Node, error) {
	raw := p.src[open:end]
	lower := strings.ToLower(body)
	if kw, rest := splitKeyword(body); kw == "random" && rest != "" {
		var choices []string
		for _, c := range strings.Split(rest, ",") {
			choices = append(choices, strings.TrimSpace(c))
		}
		return &Placeholder{Holder: Holder{Kind: KindRandom, ID: HolderRandom, Choices: choices}, Raw: raw}, nil
	}
	if lower == "roll" || strings.HasPrefix(lower, "roll ") || strings.HasPrefix(lower, "roll:") {
		dice, err := p.parseDice(strings.TrimSpace(strings.TrimLeft(body[4:], " :")), open)
		if err != nil {
			return nil, err
		}
		return &Placeholder{Holder: Holder{Kind: KindRoll, ID: HolderRoll, Dice: dice}, Raw: raw}, nil
	}

	parts := strings.Split(body, "|")
	name := strings.TrimSpace(parts[0])
	if !identRe.MatchString(name) {
		return nil, nil
	}
	h, err := p.parseHolder(name, "placeholder", open)
	if err != nil {
		return nil, err
	}
	var pipes []string
	for _, pipe := range parts[1:] {
		if pipe = strings.ToLower(strings.TrimSpace(pipe)); pipe != "" {
			pipes = append(pipes, pipe)
		}
	}
	return &Placeholder{Holder: h, Pipes: pipes, Raw: raw}, nil
}

func (p *parser) parseHolder(name, stage string, open int) (Holder, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "."):
		if len(p.scope) == 0 {
			return Holder{}, p.errorf(stage, open, "entity reference %q outside {{#each}}", name)
		}
		prop := lower[1:]
		src := p.scope[len(p.scope)-1]
		if !entityProps[src][prop] {
			return Holder{}, p.errorf(stage, open, "unknown %s property %q", src, prop)
		}
		return Holder{Kind: KindEntity, Path: prop}, nil
	case strings.HasPrefix(lower, "json."):
		path := name[len("json."):]
		if path == "" {
			return Holder{}, p.errorf(stage, open, "empty json path")
		}
		return Holder{Kind: KindJSON, Path: path}, nil
	}
	if id, ok := aliases[lower]; ok {
		return Holder{Kind: KindNamed, ID: id}, nil
	}
	return Holder{Kind: KindNamed, ID: HolderID(lower)}, nil
}

// parseDice reads expressions such as "2d6+3", "4d6kh3 + 1d4" or "20".
// A lone number N means 1dN; an empty expression is 1d20.
func (p *parser) parseDice(expr string, open int) ([]DiceTerm, error) {
	expr = strings.ToLower(strings.ReplaceAll(expr, " ", ""))
	if expr == "" {
		return []DiceTerm{{Sign: 1, Count: 1, Sides: 20}}, nil
	}
	if n, err := strconv.Atoi(expr); err == nil {
		if n < 1 || n > maxSides {
			return nil, p.errorf("roll", open, "invalid die size %d", n)
		}
		return []DiceTerm{{Sign: 1, Count: 1, Sides: n}}, nil
	}

	var terms []DiceTerm
	start := 0
	for i := 1; i <= len(expr); i++ {
		if i < len(expr) && expr[i] != '+' && expr[i] != '-' {
			continue
		}
		t, err := p.parseDiceTerm(expr[start:i], open)
		if err != nil {
			return nil, err
		}
		if terms = append(terms, t); len(terms) > maxDiceTerms {
			return nil, p.errorf("roll", open, "more than %d dice terms", maxDiceTerms)
		}
		start = i
	}
	return terms, nil
}

func (p *parser) parseDiceTerm(s string, open int) (DiceTerm, error) {
	t := DiceTerm{Sign: 1}
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		t.Sign = -1
		s = s[1:]
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n > maxSides {
			return t, p.errorf("roll", open, "modifier %d out of range", n)
		}
		t.Count = n
		return t, nil
	}
	m := diceRe.FindStringSubmatch(s)
	if m == nil {
		return t, p.errorf("roll", open, "invalid dice term %q", s)
	}
	t.Count = 1
	if m[1] != "" {
		t.Count, _ = strconv.Atoi(m[1])
	}
	t.Sides, _ = strconv.Atoi(m[2])
	if t.Count < 1 || t.Count > maxDice || t.Sides < 1 || t.Sides > maxSides {
		return t, p.errorf("roll", open, "invalid dice term %q", s)
	}
	if m[3] != "" {
		t.Keep, _ = strconv.Atoi(m[4])
		t.KeepLow = m[3] == "kl"
		if t.Keep < 1 || t.Keep > t.Count {
			return t, p.errorf("roll", open, "cannot keep %d of %d dice", t.Keep, t.Count)
		}
	}
	return t, nil
}

// hoist moves a line break that directly precedes a condition or iterator
// into the block, so the break is only emitted when the block renders.
func hoist(nodes []Node) []Node {
	for _, n := range nodes {
		switch n := n.(type) {
		case *Condition:
			n.Children = hoist(n.Children)
			n.Else = hoist(n.Else)
		case *Iterator:
			n.Children = hoist(n.Children)
		case *Insert:
			n.Children = hoist(n.Children)
		case *LowPriority:
			n.Children = hoist(n.Children)
		}
	}

	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		var block bool
		switch n.(type) {
		case *Condition, *Iterator:
			block = true
		}
		if block && len(out) > 0 {
			if prev, ok := out[len(out)-1].(*Text); ok && strings.HasSuffix(prev.Value, "\n") {
				prev.Value = strings.TrimSuffix(prev.Value, "\n")
				if prev.Value == "" {
					out = out[:len(out)-1]
				}
				switch n := n.(type) {
				case *Condition:
					n.Children = prependNewline(n.Children)
					if len(n.Else) > 0 {
						n.Else = prependNewline(n.Else)
					}
				case *Iterator:
					n.Children = prependNewline(n.Children)
				}
			}
		}
		out = append(out, n)
	}
	return out
}

func prependNewline(nodes []Node) []Node {
	if len(nodes) > 0 {
		if t, ok := nodes[0].(*Text); ok {
			t.Value = "\n" + t.Value
			return nodes
		}
	}
	return append([]Node{&Text{Value: "\n"}}, nodes...)
}
