package template

import (
	"sort"

	"github.com/sahilm/fuzzy"
)

// Warning flags a template construct that parses but is probably a mistake.
type Warning struct {
	Holder     string `json:"holder"`
	Suggestion string `json:"suggestion,omitempty"`
	Msg        string `json:"msg"`
}

var knownNames = func() []string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

// Lint parses src and reports holders that will always resolve to "".
func Lint(src string) ([]Warning, error) {
	ast, err := Parse(src)
	if err != nil {
		return nil, err
	}
	var warnings []Warning
	seen := map[HolderID]bool{}
	check := func(h Holder) {
		if h.Kind != KindNamed || seen[h.ID] {
			return
		}
		if _, ok := aliases[string(h.ID)]; ok {
			return
		}
		seen[h.ID] = true
		w := Warning{Holder: string(h.ID), Msg: "unknown holder resolves to empty text"}
		if matches := fuzzy.Find(string(h.ID), knownNames); len(matches) > 0 {
			w.Suggestion = matches[0].Str
		}
		warnings = append(warnings, w)
	}

	var walk func([]Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch n := n.(type) {
			case *Placeholder:
				check(n.Holder)
			case *Condition:
				check(n.Holder)
				walk(n.Children)
				walk(n.Else)
			case *Iterator:
				walk(n.Children)
			case *Insert:
				walk(n.Children)
			case *LowPriority:
				walk(n.Children)
			}
		}
	}
	walk(ast)
	return warnings, nil
}
