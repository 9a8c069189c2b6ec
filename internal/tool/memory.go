package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	saveMemoryToolName = "save_memory"
	getMemoryToolName  = "get_memory"

	memoryKeyPrefix = "platform:memory:"
	memoryMaxItems  = 100
	memoryTTL       = 90 * 24 * time.Hour
)

func memoryKey(workspaceID, userID string) string {
	return memoryKeyPrefix + workspaceID + ":" + userID
}

// SaveMemoryTool lets the model persist short user facts across
// conversations in the same workspace.
type SaveMemoryTool struct {
	client *redis.Client
}

// NewSaveMemoryTool creates the save_memory tool.
func NewSaveMemoryTool(client *redis.Client) *SaveMemoryTool {
	return &SaveMemoryTool{client: client}
}

func (t *SaveMemoryTool) Name() string {
	return saveMemoryToolName
}

func (t *SaveMemoryTool) Description() string {
	return "Save a short fact about the user to remember in future conversations."
}

func (t *SaveMemoryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"fact": {
				"type": "string",
				"description": "A single short fact worth remembering"
			}
		},
		"required": ["fact"]
	}`)
}

func (t *SaveMemoryTool) SystemInstructions() string {
	return "When the user shares a durable preference or fact about themselves, call " + saveMemoryToolName + " to keep it."
}

func (t *SaveMemoryTool) Enabled(cc CallContext) bool {
	return cc.WorkspaceID != "" && cc.UserID != ""
}

type saveMemoryArgs struct {
	Fact string `json:"fact"`
}

func (t *SaveMemoryTool) Call(ctx context.Context, cc CallContext, args json.RawMessage) (*CallResult, error) {
	var in saveMemoryArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewCallError(saveMemoryToolName, "invalid arguments", err)
	}
	if in.Fact == "" {
		return nil, NewCallError(saveMemoryToolName, "fact must not be empty", nil)
	}

	key := memoryKey(cc.WorkspaceID, cc.UserID)
	pipe := t.client.TxPipeline()
	pipe.RPush(ctx, key, in.Fact)
	pipe.LTrim(ctx, key, -memoryMaxItems, -1)
	pipe.Expire(ctx, key, memoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, NewCallError(saveMemoryToolName, "saving failed", err)
	}

	return &CallResult{Content: `{"saved":true}`}, nil
}

// GetMemoryTool returns the facts previously saved for the user.
type GetMemoryTool struct {
	client *redis.Client
}

// NewGetMemoryTool creates the get_memory tool.
func NewGetMemoryTool(client *redis.Client) *GetMemoryTool {
	return &GetMemoryTool{client: client}
}

func (t *GetMemoryTool) Name() string {
	return getMemoryToolName
}

func (t *GetMemoryTool) Description() string {
	return "Retrieve the facts previously saved about the user."
}

func (t *GetMemoryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {}
	}`)
}

func (t *GetMemoryTool) SystemInstructions() string {
	return ""
}

func (t *GetMemoryTool) Enabled(cc CallContext) bool {
	return cc.WorkspaceID != "" && cc.UserID != ""
}

func (t *GetMemoryTool) Call(ctx context.Context, cc CallContext, args json.RawMessage) (*CallResult, error) {
	facts, err := t.client.LRange(ctx, memoryKey(cc.WorkspaceID, cc.UserID), 0, -1).Result()
	if err != nil {
		return nil, NewCallError(getMemoryToolName, "loading failed", err)
	}
	if facts == nil {
		facts = []string{}
	}

	data, err := json.Marshal(facts)
	if err != nil {
		return nil, NewCallError(getMemoryToolName, "encoding failed", err)
	}
	return &CallResult{Content: string(data)}, nil
}
