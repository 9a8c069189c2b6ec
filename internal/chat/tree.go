package chat

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrParentNotFound is returned when attaching a message whose parent
	// is not present in the tree.
	ErrParentNotFound = errors.New("parent message not found")

	// ErrMessageNotFound is returned when an operation references an
	// unknown message ID.
	ErrMessageNotFound = errors.New("message not found")
)

// PathStep is one level of the active path: the selected child at a branch
// point, its index among its siblings, and the sibling count.
type PathStep struct {
	Message  *Message
	Index    int
	Siblings int
}

// Tree reconstructs a branchable dialogue from a flat set of messages
// linked by parent references. Nodes live in an indexed arena (id to
// message, parent id to ordered child ids) rather than a recursive object
// graph, which keeps DetachSubtree a plain sweep and avoids ownership
// cycles.
//
// Tree is safe for concurrent use: a generation session may append
// streamed deltas while other viewers rebuild the active path. Readers may
// observe a partially streamed Content string; they never observe a torn
// reference graph.
type Tree struct {
	mu       sync.RWMutex
	conv     *Conversation
	nodes    map[string]*Message
	children map[string][]string // parent ID ("" for roots) -> child IDs in insertion order
}

// NewTree builds a tree for the conversation from an already-loaded message
// set. Messages must be ordered so that every parent precedes its children
// (insertion order from the store satisfies this, since a parent must exist
// before a child can be created).
func NewTree(conv *Conversation, messages []*Message) (*Tree, error) {
	t := &Tree{
		conv:     conv,
		nodes:    make(map[string]*Message, len(messages)),
		children: make(map[string][]string),
	}

	for _, msg := range messages {
		if err := t.Attach(msg); err != nil {
			return nil, fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}

	return t, nil
}

// Conversation returns the conversation metadata the tree was built for.
func (t *Tree) Conversation() *Conversation {
	return t.conv
}

// Attach inserts a message into the tree. The message's parent must already
// exist; a message with no parent starts a new root.
func (t *Tree) Attach(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[msg.ID]; exists {
		return fmt.Errorf("duplicate message ID %s", msg.ID)
	}

	if msg.ParentID != "" {
		if _, ok := t.nodes[msg.ParentID]; !ok {
			return ErrParentNotFound
		}
	}

	t.nodes[msg.ID] = msg
	t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	return nil
}

// Get returns the message with the given ID.
func (t *Tree) Get(id string) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.nodes[id]
	return msg, ok
}

// Len returns the number of messages in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// DetachSubtree removes a message and all of its descendants, returning the
// number of messages removed. Removing an unknown ID is a no-op.
func (t *Tree) DetachSubtree(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return 0
	}

	// Unlink from the parent's child list first.
	siblings := t.children[msg.ParentID]
	for i, sib := range siblings {
		if sib == id {
			t.children[msg.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}

	// Arena sweep over the subtree.
	removed := 0
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		queue = append(queue, t.children[cur]...)
		delete(t.children, cur)
		delete(t.nodes, cur)
		removed++
	}

	return removed
}

// AppendContent appends a streamed content increment to an in-progress
// message.
func (t *Tree) AppendContent(id, delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Content += delta
	return nil
}

// AppendReasoning appends a streamed reasoning increment to an in-progress
// message.
func (t *Tree) AppendReasoning(id, delta string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Reasoning += delta
	return nil
}

// Finalize marks a message as no longer in progress and records its cost.
func (t *Tree) Finalize(id string, cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.InProgress = false
	msg.Cost = cost
	return nil
}

// Terminate marks an in-progress message as ended without settlement.
// Content already streamed is retained.
func (t *Tree) Terminate(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.InProgress = false
	return nil
}

// ActivePath selects the single linear path to render out of the branching
// tree. At each level the child on the hint's ancestor chain wins; with no
// hint, or when no child lies on that chain, the last (most recently
// produced) child wins. A hint that references a pruned message behaves as
// if no hint were given.
//
// The second return value reports whether the conversation's LastActiveLeaf
// pointer was moved to the resolved leaf; callers are expected to persist
// the conversation metadata when it is true. The pointer only moves when
// the walk resolved the hint to a real assistant answer, so mid-stream
// placeholders never get recorded as the active branch.
func (t *Tree) ActivePath(hint string) ([]PathStep, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if hint != "" {
		if _, ok := t.nodes[hint]; !ok {
			// Stale pointer; recover by default branch selection.
			hint = ""
		}
	}

	var path []PathStep
	parent := ""
	hintResolved := false

	for {
		siblings := t.children[parent]
		if len(siblings) == 0 {
			break
		}

		idx := len(siblings) - 1 // most recent regeneration wins
		if hint != "" {
			// Walk up the hint's ancestor chain to find which child
			// at this level is on the way to the hint.
			for msg := t.nodes[hint]; msg != nil; {
				if pos := indexOf(siblings, msg.ID); pos >= 0 {
					idx = pos
					hintResolved = true
					break
				}
				if msg.ParentID == "" {
					break
				}
				msg = t.nodes[msg.ParentID]
			}
		}

		selected := t.nodes[siblings[idx]]
		path = append(path, PathStep{Message: selected, Index: idx, Siblings: len(siblings)})
		parent = selected.ID
	}

	leafMoved := false
	if hintResolved && len(path) > 0 {
		leaf := path[len(path)-1].Message
		if leaf.ID != t.conv.LastActiveLeaf && leaf.Role == RoleAssistant {
			t.conv.LastActiveLeaf = leaf.ID
			leafMoved = true
		}
	}

	return path, leafMoved
}

// SetCall records or clears the in-flight tool invocation on a message.
func (t *Tree) SetCall(id string, call *ToolCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.nodes[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Call = call
	return nil
}

// HasFiles reports whether any message in the tree carries a file
// attachment.
func (t *Tree) HasFiles() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, msg := range t.nodes {
		if msg.FileID != "" {
			return true
		}
	}
	return false
}

// AddCost accumulates settled generation cost on the conversation.
func (t *Tree) AddCost(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conv.Cost += cost
}

// Messages returns a snapshot of every message in the tree, ordered so
// that each parent precedes its children. The result is suitable for
// persisting and feeding back to NewTree.
func (t *Tree) Messages() []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Message, 0, len(t.nodes))
	queue := append([]string(nil), t.children[""]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, t.nodes[id])
		queue = append(queue, t.children[id]...)
	}
	return out
}

// Ancestors returns the chain from the given message up to its root,
// leaf first.
func (t *Tree) Ancestors(id string) ([]*Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.nodes[id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	var chain []*Message
	for msg != nil {
		chain = append(chain, msg)
		if msg.ParentID == "" {
			break
		}
		msg = t.nodes[msg.ParentID]
	}

	return chain, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
