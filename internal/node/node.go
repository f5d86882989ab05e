// Package node implements the search-node arena shared by sub-agents. Nodes
// are addressed by stable integer ids; the parent link is an id, not an
// owning reference.
package node

import (
	"encoding/json"
	"fmt"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/workspace"
)

type ID int

const None ID = -1

// Node is one vertex of a sub-agent's search tree. Files records only the
// deltas applied at this node; nil content is a tombstone. Context is
// immutable after creation.
type Node struct {
	ID       ID                 `json:"id"`
	Parent   ID                 `json:"parent"`
	Children []ID               `json:"children,omitempty"`
	Messages []llm.Message      `json:"messages,omitempty"`
	Files    map[string]*string `json:"files,omitempty"`
	Branch   bool               `json:"should_branch,omitempty"`
	Context  string             `json:"context"`

	// Workspace is the node's exclusive clone. Not serialized; rebuilt on
	// restore from the trajectory's folded deltas.
	Workspace *workspace.Workspace `json:"-"`
}

// Tree is an arena of nodes. Not safe for concurrent mutation.
type Tree struct {
	nodes []*Node
}

func NewTree(context string) *Tree {
	t := &Tree{}
	t.add(None, context)
	return t
}

func (t *Tree) add(parent ID, context string) *Node {
	n := &Node{
		ID:      ID(len(t.nodes)),
		Parent:  parent,
		Files:   map[string]*string{},
		Context: context,
	}
	t.nodes = append(t.nodes, n)
	if parent != None {
		p := t.nodes[parent]
		p.Children = append(p.Children, n.ID)
	}
	return n
}

func (t *Tree) Root() *Node { return t.nodes[0] }

func (t *Tree) Node(id ID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

func (t *Tree) Len() int { return len(t.nodes) }

// AddChild creates a child node inheriting the parent's context.
func (t *Tree) AddChild(parent ID) (*Node, error) {
	p := t.Node(parent)
	if p == nil {
		return nil, fmt.Errorf("unknown node id %d", parent)
	}
	return t.add(parent, p.Context), nil
}

// Trajectory returns the root→id path of node ids.
func (t *Tree) Trajectory(id ID) []ID {
	var rev []ID
	for cur := t.Node(id); cur != nil; cur = t.Node(cur.Parent) {
		rev = append(rev, cur.ID)
	}
	out := make([]ID, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}

func (t *Tree) Depth(id ID) int { return len(t.Trajectory(id)) - 1 }

// Messages folds the message lists along the trajectory into the effective
// conversation for the node.
func (t *Tree) Messages(id ID) []llm.Message {
	var out []llm.Message
	for _, nid := range t.Trajectory(id) {
		out = append(out, t.nodes[nid].Messages...)
	}
	return out
}

// Files left-folds the file deltas along the trajectory. Tombstones remove
// earlier entries; the result maps path to current content.
func (t *Tree) Files(id ID) map[string]string {
	out := map[string]string{}
	for _, nid := range t.Trajectory(id) {
		for path, content := range t.nodes[nid].Files {
			if content == nil {
				delete(out, path)
			} else {
				out[path] = *content
			}
		}
	}
	return out
}

// Deltas left-folds trajectory deltas keeping tombstones, for replay onto a
// workspace.
func (t *Tree) Deltas(id ID) map[string]*string {
	out := map[string]*string{}
	for _, nid := range t.Trajectory(id) {
		for path, content := range t.nodes[nid].Files {
			out[path] = content
		}
	}
	return out
}

// HasDeltas reports whether any file delta exists along the trajectory.
func (t *Tree) HasDeltas(id ID) bool {
	for _, nid := range t.Trajectory(id) {
		if len(t.nodes[nid].Files) > 0 {
			return true
		}
	}
	return false
}

// Leaves returns the ids of nodes with no children, in id order.
func (t *Tree) Leaves() []ID {
	var out []ID
	for _, n := range t.nodes {
		if len(n.Children) == 0 {
			out = append(out, n.ID)
		}
	}
	return out
}

// SiblingsAtDepth counts nodes at the given depth.
func (t *Tree) SiblingsAtDepth(depth int) int {
	count := 0
	for _, n := range t.nodes {
		if t.Depth(n.ID) == depth {
			count++
		}
	}
	return count
}

type dump struct {
	Nodes []*Node `json:"nodes"`
}

// Dump serializes the tree. Workspace handles are excluded; Restore rebuilds
// structure, messages and deltas only.
func (t *Tree) Dump() ([]byte, error) {
	return json.Marshal(dump{Nodes: t.nodes})
}

func Restore(b []byte) (*Tree, error) {
	var d dump
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("restore node tree: %w", err)
	}
	if len(d.Nodes) == 0 {
		return nil, fmt.Errorf("restore node tree: no nodes")
	}
	for i, n := range d.Nodes {
		if n == nil || n.ID != ID(i) {
			return nil, fmt.Errorf("restore node tree: node %d has inconsistent id", i)
		}
		if n.Files == nil {
			n.Files = map[string]*string{}
		}
	}
	return &Tree{nodes: d.Nodes}, nil
}
