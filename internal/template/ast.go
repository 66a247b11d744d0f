// Package template implements the prompt template language: a hand-written
// parser producing an immutable AST and a renderer that walks it against a
// per-request Context.
package template

// Node is one element of a parsed template. The set of node types is closed:
// *Text, *Placeholder, *Condition, *Iterator, *Insert and *LowPriority.
type Node interface {
	node()
}

// AST is the ordered top-level node sequence of a template. An AST is never
// mutated after Parse returns, so one value may be rendered concurrently.
type AST []Node

// HolderKind discriminates how a Holder is resolved.
type HolderKind uint8

const (
	// KindNamed resolves a context field by canonical ID.
	KindNamed HolderKind = iota
	// KindJSON looks up a path in the context JSON bag.
	KindJSON
	// KindEntity reads a property of the current iterator entity.
	KindEntity
	// KindRandom picks one of Choices.
	KindRandom
	// KindRoll sums Dice.
	KindRoll
)

// HolderID is the canonical name of a named holder.
type HolderID string

const (
	HolderChar             HolderID = "char"
	HolderUser             HolderID = "user"
	HolderScenario         HolderID = "scenario"
	HolderPersonality      HolderID = "personality"
	HolderAllPersonalities HolderID = "all_personalities"
	HolderSampleChat       HolderID = "samplechat"
	HolderHistory          HolderID = "history"
	HolderUJB              HolderID = "ujb"
	HolderPost             HolderID = "post"
	HolderMemory           HolderID = "memory"
	HolderChatAge          HolderID = "chat_age"
	HolderIdleDuration     HolderID = "idle_duration"
	HolderChatEmbed        HolderID = "chat_embed"
	HolderSystemPrompt     HolderID = "system_prompt"
	HolderValue            HolderID = "value"
	HolderRandom           HolderID = "random"
	HolderRoll             HolderID = "roll"
)

// aliases maps every accepted (lowercased) spelling to its canonical ID.
var aliases = map[string]HolderID{
	"char":              HolderChar,
	"character":         HolderChar,
	"bot":               HolderChar,
	"user":              HolderUser,
	"scenario":          HolderScenario,
	"personality":       HolderPersonality,
	"persona":           HolderPersonality,
	"all_personas":      HolderAllPersonalities,
	"all_personalities": HolderAllPersonalities,
	"samplechat":        HolderSampleChat,
	"example_dialogue":  HolderSampleChat,
	"history":           HolderHistory,
	"messages":          HolderHistory,
	"msgs":              HolderHistory,
	"msg":               HolderHistory,
	"ujb":               HolderUJB,
	"system_note":       HolderUJB,
	"post":              HolderPost,
	"memory":            HolderMemory,
	"chat_age":          HolderChatAge,
	"idle_duration":     HolderIdleDuration,
	"chat_embed":        HolderChatEmbed,
	"system_prompt":     HolderSystemPrompt,
	"value":             HolderValue,
}

// partSafe holders are substituted even while rendering a sub-template.
var partSafe = map[HolderID]bool{
	HolderChar:         true,
	HolderUser:         true,
	HolderChatAge:      true,
	HolderValue:        true,
	HolderIdleDuration: true,
	HolderRandom:       true,
	HolderRoll:         true,
}

// Holder names the value a placeholder or condition resolves to.
type Holder struct {
	Kind HolderKind
	// ID is the canonical holder for KindNamed. Unknown names keep their
	// lowercased spelling and resolve to "".
	ID HolderID
	// Path is the JSON path for KindJSON or the property for KindEntity.
	Path    string
	Choices []string
	Dice    []DiceTerm
}

// DiceTerm is one signed term of a roll expression. Sides == 0 marks a
// constant adjustment of Count.
type DiceTerm struct {
	Sign    int
	Count   int
	Sides   int
	Keep    int
	KeepLow bool
}

// Source is the entity collection an iterator walks.
type Source string

const (
	SourceBots    Source = "bots"
	SourceHistory Source = "history"
	SourceEmbed   Source = "chat_embed"
)

var sources = map[string]Source{
	"bots":       SourceBots,
	"bot":        SourceBots,
	"history":    SourceHistory,
	"messages":   SourceHistory,
	"msgs":       SourceHistory,
	"msg":        SourceHistory,
	"chat_embed": SourceEmbed,
}

// entityProps lists the properties each source exposes to {{.prop}}.
var entityProps = map[Source]map[string]bool{
	SourceBots:    {"name": true, "i": true, "personality": true},
	SourceHistory: {"message": true, "dialogue": true, "name": true, "isuser": true, "isbot": true, "i": true},
	SourceEmbed:   {"message": true, "dialogue": true, "name": true, "isuser": true, "isbot": true, "i": true},
}

// Text is literal template text.
type Text struct {
	Value string
}

// Placeholder is a {{holder | pipe}} substitution. Raw keeps the source tag
// so it can be emitted untouched when the render mode forbids resolving it.
type Placeholder struct {
	Holder Holder
	Pipes  []string
	Raw    string
}

// Condition is {{#if holder}}Children{{else}}Else{{/if}}.
type Condition struct {
	Holder   Holder
	Children []Node
	Else     []Node
	Raw      string
}

// Iterator is {{#each source}}Children{{/each}}.
type Iterator struct {
	Source   Source
	Children []Node
	Raw      string
}

// Insert is {{#insert=Depth}}Children{{/insert}}.
type Insert struct {
	Depth    int
	Children []Node
}

// LowPriority is {{#lowpriority}}Children{{/lowpriority}}.
type LowPriority struct {
	Children []Node
}

func (*Text) node()        {}
func (*Placeholder) node() {}
func (*Condition) node()   {}
func (*Iterator) node()    {}
func (*Insert) node()      {}
func (*LowPriority) node() {}
