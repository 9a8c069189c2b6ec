package chat

// Assistant is a configured persona a conversation can be held with.
// Instructions become the leading system block of every generation.
type Assistant struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspace_id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`

	// Model, when set, pins generations for this assistant to one model
	// key regardless of the caller's choice.
	Model string `json:"model,omitempty"`

	// HasKnowledge marks assistants with embedded data units, enabling
	// knowledge search during their generations.
	HasKnowledge bool `json:"has_knowledge,omitempty"`
}
