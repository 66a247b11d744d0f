package model

// Character is a participant the model can speak as.
type Character struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Persona string `json:"persona,omitempty"`
	// Deleted marks a soft-deleted character.
	Deleted bool `json:"deleted,omitempty"`
	// Temporary characters exist only inside one chat; Disabled hides them.
	Temporary bool `json:"temporary,omitempty"`
	Disabled  bool `json:"disabled,omitempty"`
}

// Profile is the identity of the user sending messages.
type Profile struct {
	ID     string `json:"id,omitempty"`
	Handle string `json:"handle"`
}
