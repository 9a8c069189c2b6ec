package tool

import (
	"context"
	"encoding/json"

	"github.com/skeedo-sys/platform/internal/embedding"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

const knowledgeToolName = "knowledge_search"

var knowledgeParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Search query for the workspace and assistant knowledge base"
		}
	},
	"required": ["query"]
}`)

// KnowledgeSearchTool answers model queries against the embedded data
// units of the assistant and workspace.
type KnowledgeSearchTool struct {
	service embedding.Service
	store   vectorstore.Store
	limit   int
}

// NewKnowledgeSearchTool creates the knowledge search tool.
func NewKnowledgeSearchTool(service embedding.Service, store vectorstore.Store) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{
		service: service,
		store:   store,
		limit:   vectorstore.DefaultLimit,
	}
}

// Name returns the tool name.
func (t *KnowledgeSearchTool) Name() string {
	return knowledgeToolName
}

// Description returns the model-facing description.
func (t *KnowledgeSearchTool) Description() string {
	return "Search the knowledge base of the current assistant and workspace for relevant content."
}

// Parameters returns the argument schema.
func (t *KnowledgeSearchTool) Parameters() json.RawMessage {
	return knowledgeParameters
}

// SystemInstructions tells the model when to reach for the tool.
func (t *KnowledgeSearchTool) SystemInstructions() string {
	return "When the user asks about topics that may be covered by the workspace knowledge base, call " + knowledgeToolName + " before answering."
}

// Enabled reports whether any search namespace is in scope.
func (t *KnowledgeSearchTool) Enabled(cc CallContext) bool {
	return len(cc.Namespaces) > 0
}

type knowledgeArgs struct {
	Query string `json:"query"`
}

// Call embeds the query and returns the best matching contents as JSON.
func (t *KnowledgeSearchTool) Call(ctx context.Context, cc CallContext, args json.RawMessage) (*CallResult, error) {
	var in knowledgeArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewCallError(knowledgeToolName, "invalid arguments", err)
	}
	if in.Query == "" {
		return nil, NewCallError(knowledgeToolName, "query must not be empty", nil)
	}

	res, err := t.service.Embed(ctx, in.Query)
	if err != nil {
		return nil, NewCallError(knowledgeToolName, "embedding failed", err)
	}

	matches, err := t.store.Search(ctx, cc.Namespaces, res.Vector, t.limit)
	if err != nil {
		return nil, NewCallError(knowledgeToolName, "search failed", err)
	}

	contents := make([]string, len(matches))
	for i, m := range matches {
		contents[i] = m.Content
	}

	data, err := json.Marshal(contents)
	if err != nil {
		return nil, NewCallError(knowledgeToolName, "encoding results failed", err)
	}

	return &CallResult{
		Content: string(data),
		Cost:    res.Cost,
	}, nil
}
