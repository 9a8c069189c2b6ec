package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMessage(id, parentID string, role Role, content string) *Message {
	msg := NewMessage("conv-1", role, content)
	msg.ID = id
	msg.ParentID = parentID
	return msg
}

// branchedTree builds:
//
//	root (user)
//	└── A (assistant)
//	    └── Q (user)
//	        ├── B (assistant)
//	        └── C (assistant, regenerated after B)
func branchedTree(t *testing.T) *Tree {
	t.Helper()
	conv := NewConversation("ws-1", "user-1")
	conv.ID = "conv-1"

	tree, err := NewTree(conv, []*Message{
		buildMessage("root", "", RoleUser, "hello"),
		buildMessage("A", "root", RoleAssistant, "hi there"),
		buildMessage("Q", "A", RoleUser, "explain this"),
		buildMessage("B", "Q", RoleAssistant, "first answer"),
		buildMessage("C", "Q", RoleAssistant, "second answer"),
	})
	require.NoError(t, err)
	return tree
}

func pathIDs(path []PathStep) []string {
	ids := make([]string, len(path))
	for i, step := range path {
		ids[i] = step.Message.ID
	}
	return ids
}

func TestAttach(t *testing.T) {
	conv := NewConversation("ws-1", "user-1")
	tree, err := NewTree(conv, nil)
	require.NoError(t, err)

	root := NewMessage(conv.ID, RoleUser, "hello")
	require.NoError(t, tree.Attach(root))

	t.Run("duplicate ID rejected", func(t *testing.T) {
		dup := NewMessage(conv.ID, RoleUser, "again")
		dup.ID = root.ID
		assert.Error(t, tree.Attach(dup))
	})

	t.Run("missing parent rejected", func(t *testing.T) {
		orphan := NewMessage(conv.ID, RoleAssistant, "answer")
		orphan.ParentID = "no-such-message"
		assert.ErrorIs(t, tree.Attach(orphan), ErrParentNotFound)
	})

	t.Run("child round-trips", func(t *testing.T) {
		child := NewMessage(conv.ID, RoleAssistant, "answer")
		child.ParentID = root.ID
		require.NoError(t, tree.Attach(child))

		got, ok := tree.Get(child.ID)
		require.True(t, ok)
		assert.Equal(t, "answer", got.Content)
		assert.Equal(t, 2, tree.Len())
	})
}

func TestActivePath(t *testing.T) {
	tests := []struct {
		name     string
		hint     string
		want     []string
		wantMove bool
	}{
		{
			name: "no hint selects last regeneration",
			hint: "",
			want: []string{"root", "A", "Q", "C"},
		},
		{
			name:     "hint pins the earlier branch",
			hint:     "B",
			want:     []string{"root", "A", "Q", "B"},
			wantMove: true,
		},
		{
			name:     "hint on an inner node resolves through it",
			hint:     "Q",
			want:     []string{"root", "A", "Q", "C"},
			wantMove: true,
		},
		{
			name: "stale hint falls back to default selection",
			hint: "deleted-message",
			want: []string{"root", "A", "Q", "C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := branchedTree(t)
			path, moved := tree.ActivePath(tt.hint)
			assert.Equal(t, tt.want, pathIDs(path))
			assert.Equal(t, tt.wantMove, moved)
			if tt.wantMove {
				assert.Equal(t, tt.want[len(tt.want)-1], tree.Conversation().LastActiveLeaf)
			}
		})
	}
}

func TestActivePathSiblingIndexes(t *testing.T) {
	tree := branchedTree(t)

	path, _ := tree.ActivePath("B")
	require.Len(t, path, 4)

	leaf := path[3]
	assert.Equal(t, 0, leaf.Index)
	assert.Equal(t, 2, leaf.Siblings)
}

func TestActivePathUserLeafDoesNotMovePointer(t *testing.T) {
	tree := branchedTree(t)
	followup := buildMessage("Q2", "C", RoleUser, "and then?")
	require.NoError(t, tree.Attach(followup))

	path, moved := tree.ActivePath("Q2")
	assert.Equal(t, []string{"root", "A", "Q", "C", "Q2"}, pathIDs(path))
	assert.False(t, moved)
	assert.Empty(t, tree.Conversation().LastActiveLeaf)
}

func TestDetachSubtree(t *testing.T) {
	tree := branchedTree(t)

	removed := tree.DetachSubtree("Q")
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, tree.Len())

	_, ok := tree.Get("B")
	assert.False(t, ok)

	// The path now ends at the surviving assistant message.
	path, _ := tree.ActivePath("")
	assert.Equal(t, []string{"root", "A"}, pathIDs(path))

	assert.Zero(t, tree.DetachSubtree("Q"))
}

func TestStreamingLifecycle(t *testing.T) {
	tree := branchedTree(t)

	msg := buildMessage("D", "Q", RoleAssistant, "")
	msg.InProgress = true
	require.NoError(t, tree.Attach(msg))

	require.NoError(t, tree.AppendContent("D", "part one"))
	require.NoError(t, tree.AppendContent("D", ", part two"))
	require.NoError(t, tree.AppendReasoning("D", "thinking"))

	got, _ := tree.Get("D")
	assert.Equal(t, "part one, part two", got.Content)
	assert.Equal(t, "thinking", got.Reasoning)
	assert.True(t, got.InProgress)

	require.NoError(t, tree.Finalize("D", 2.5))
	assert.False(t, got.InProgress)
	assert.Equal(t, 2.5, got.Cost)

	assert.ErrorIs(t, tree.AppendContent("missing", "x"), ErrMessageNotFound)
}

func TestTerminateKeepsContent(t *testing.T) {
	tree := branchedTree(t)

	msg := buildMessage("D", "Q", RoleAssistant, "")
	msg.InProgress = true
	require.NoError(t, tree.Attach(msg))
	require.NoError(t, tree.AppendContent("D", "partial"))

	require.NoError(t, tree.Terminate("D"))

	got, _ := tree.Get("D")
	assert.False(t, got.InProgress)
	assert.Equal(t, "partial", got.Content)
	assert.Zero(t, got.Cost)
}

func TestAncestors(t *testing.T) {
	tree := branchedTree(t)

	chain, err := tree.Ancestors("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "Q", "A", "root"}, func() []string {
		ids := make([]string, len(chain))
		for i, m := range chain {
			ids[i] = m.ID
		}
		return ids
	}())

	_, err = tree.Ancestors("missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSetCall(t *testing.T) {
	tree := branchedTree(t)

	call := &ToolCall{ID: "c1", Name: "kb_search", Arguments: map[string]any{"query": "refunds"}}
	require.NoError(t, tree.SetCall("C", call))

	msg, ok := tree.Get("C")
	require.True(t, ok)
	assert.Equal(t, call, msg.Call)

	// Clearing marks the call resolved.
	require.NoError(t, tree.SetCall("C", nil))
	assert.Nil(t, msg.Call)

	assert.ErrorIs(t, tree.SetCall("missing", call), ErrMessageNotFound)
}

func TestHasFiles(t *testing.T) {
	tree := branchedTree(t)
	assert.False(t, tree.HasFiles())

	msg := buildMessage("F", "C", RoleUser, "see attachment")
	msg.FileID = "file-1"
	require.NoError(t, tree.Attach(msg))

	assert.True(t, tree.HasFiles())
}
