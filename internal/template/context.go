package template

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/agent-prompt/internal/model"
)

// Parts are the pieces of prompt text computed before rendering.
type Parts struct {
	Persona      string `json:"persona,omitempty"`
	Scenario     string `json:"scenario,omitempty"`
	SampleChat   string `json:"sample_chat,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UJB          string `json:"ujb,omitempty"`
	Post         string `json:"post,omitempty"`
	Memory       string `json:"memory,omitempty"`
	// Gaslight is the character's own prompt template, used when a request
	// carries none.
	Gaslight string `json:"gaslight,omitempty"`
}

// Context is the per-request data a template is rendered against.
type Context struct {
	Char   model.Character `json:"char"`
	Sender model.Profile   `json:"sender"`
	Parts  Parts           `json:"parts"`
	// Lines are "Speaker: text" conversation lines, oldest first.
	Lines []string `json:"lines,omitempty"`
	// Characters holds every character known to the chat, keyed by ID.
	Characters map[string]model.Character `json:"characters,omitempty"`
	// Members flags chat membership; an ID mapped to false was removed.
	Members map[string]bool `json:"members,omitempty"`
	Embeds  []string        `json:"embeds,omitempty"`
	JSON    json.RawMessage `json:"json,omitempty"`

	ChatCreated time.Time `json:"chat_created,omitzero"`
	LastMessage time.Time `json:"last_message,omitzero"`
}

// entity is the current element of an iterator.
type entity struct {
	index       int
	name        string
	personality string
	message     string
	dialogue    string
	isUser      bool
	isBot       bool
}

func (e *entity) prop(name string) string {
	if e == nil {
		return ""
	}
	switch name {
	case "i":
		return strconv.Itoa(e.index)
	case "name":
		return e.name
	case "personality":
		return e.personality
	case "message":
		return e.message
	case "dialogue":
		return e.dialogue
	case "isuser":
		return truthy(e.isUser)
	case "isbot":
		return truthy(e.isBot)
	}
	return ""
}

func truthy(b bool) string {
	if b {
		return "true"
	}
	return ""
}

// bots returns the chat characters other than the one replying, dropping
// soft-deleted, disabled temporary and removed characters.
func (c *Context) bots() []model.Character {
	var out []model.Character
	for id, ch := range c.Characters {
		if id == c.Char.ID || ch.Deleted || (ch.Temporary && ch.Disabled) {
			continue
		}
		if active, ok := c.Members[id]; ok && !active {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Context) entities(src Source) []entity {
	switch src {
	case SourceBots:
		bots := c.bots()
		out := make([]entity, len(bots))
		for i, b := range bots {
			out[i] = entity{index: i, name: b.Name, personality: b.Persona, isBot: true}
		}
		return out
	case SourceHistory:
		return c.lineEntities(c.Lines)
	case SourceEmbed:
		return c.lineEntities(c.Embeds)
	}
	return nil
}

func (c *Context) lineEntities(lines []string) []entity {
	out := make([]entity, len(lines))
	for i, line := range lines {
		name, msg := SplitLine(line)
		out[i] = entity{
			index:    i,
			name:     name,
			message:  msg,
			dialogue: line,
			isUser:   name != "" && name == c.Sender.Handle,
			isBot:    name != "" && c.isCharacterName(name),
		}
	}
	return out
}

func (c *Context) isCharacterName(name string) bool {
	if name == c.Char.Name {
		return true
	}
	for _, ch := range c.Characters {
		if ch.Name == name {
			return true
		}
	}
	return false
}

// SplitLine splits a "Speaker: text" line. Lines without a speaker return
// an empty name and the whole line as text.
func SplitLine(line string) (speaker, text string) {
	i := strings.Index(line, ": ")
	if i <= 0 {
		return "", line
	}
	return line[:i], line[i+2:]
}
