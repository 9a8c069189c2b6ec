package generation

import (
	"context"
	"time"
)

// Record summarizes one settled generation for LLM observability sinks.
type Record struct {
	MessageID      string
	ConversationID string
	WorkspaceID    string
	Model          string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	Status         string
	Started        time.Time
	Ended          time.Time
}

// Recorder receives settled generation records. Implementations must not
// block: sessions call it synchronously at settlement.
type Recorder interface {
	RecordGeneration(ctx context.Context, rec Record)
}
