// Package model defines the core data types shared by the prompt engine.
package model

import (
	"encoding/json"
	"time"
)

// MemoryBook is a named collection of keyword-triggered memory entries. The
// JSON shape is the import/export interchange format.
type MemoryBook struct {
	UID               string          `json:"uid,omitempty"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	ScanDepth         int             `json:"scan_depth"`
	TokenBudget       int             `json:"token_budget"`
	RecursiveScanning bool            `json:"recursive_scanning"`
	Extensions        json.RawMessage `json:"extensions,omitempty"`
	Entries           []MemoryEntry   `json:"entries"`
	CreatedAt         time.Time       `json:"created_at,omitzero"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

// MemoryEntry is a single fact injected when one of its keywords appears in
// recent conversation. Priority decides whether it survives the token
// budget; Weight decides where it is placed.
type MemoryEntry struct {
	UID           string   `json:"uid,omitempty"`
	Keys          []string `json:"keys"`
	Content       string   `json:"content"`
	Enabled       bool     `json:"enabled"`
	Weight        int      `json:"insertion_order"`
	Priority      int      `json:"priority"`
	CaseSensitive bool     `json:"case_sensitive"`

	// Carried for round-trip fidelity only.
	ID            json.RawMessage `json:"id,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	Selective     bool            `json:"selective,omitempty"`
	SecondaryKeys []string        `json:"secondary_keys,omitempty"`
	Constant      bool            `json:"constant,omitempty"`
	Position      string          `json:"position,omitempty"`
}

// Passthrough holds the entry fields the ranker ignores but export keeps.
type Passthrough struct {
	ID            json.RawMessage `json:"id,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	Selective     bool            `json:"selective,omitempty"`
	SecondaryKeys []string        `json:"secondary_keys,omitempty"`
	Constant      bool            `json:"constant,omitempty"`
	Position      string          `json:"position,omitempty"`
}

// Passthrough returns the round-trip-only fields of e.
func (e MemoryEntry) Passthrough() Passthrough {
	return Passthrough{
		ID:            e.ID,
		Comment:       e.Comment,
		Selective:     e.Selective,
		SecondaryKeys: e.SecondaryKeys,
		Constant:      e.Constant,
		Position:      e.Position,
	}
}

// SetPassthrough copies round-trip-only fields onto e.
func (e *MemoryEntry) SetPassthrough(p Passthrough) {
	e.ID = p.ID
	e.Comment = p.Comment
	e.Selective = p.Selective
	e.SecondaryKeys = p.SecondaryKeys
	e.Constant = p.Constant
	e.Position = p.Position
}
