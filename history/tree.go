/*
Package history implements a branching undo/redo tree of executed commands.

Unlike a linear undo stack, executing a command while undone does not truncate
the abandoned future: the new command is appended as a sibling, creating a
branch. Every past state therefore remains reachable, and the tree exposes
navigation between branches and jumps across long runs of commands.
*/
package history

import (
	"time"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/curve"
)

// Node is a command together with its place in the tree. Identity is
// by-reference; nodes live for the engine's lifetime.
type Node struct {
	// Command is nil only at the root.
	Command command.Command
	// Parent is nil only at the root.
	Parent *Node
	// Children, in execution order. Never truncated.
	Children []*Node
	// Timestamp of execution.
	Timestamp time.Time
	// Description of the command for branch displays.
	Description string

	// selected is the index of the child chosen by the next redo.
	selected int
}

// Branch is one alternative at a junction along the current path.
type Branch struct {
	Node        *Node
	Description string
	// IsCurrent marks the child lying on the path from root to current.
	IsCurrent bool
}

// IntersectionInfo describes the choice available at the current node when it
// has multiple children.
type IntersectionInfo struct {
	CurrentBranch int // 1-based
	TotalBranches int
	Description   string
}

// Tree is the local history: a tree of executed commands with a single
// current pointer designating the live state.
type Tree struct {
	store   *curve.Store
	root    *Node
	current *Node

	// onExecute, when set, is invoked after every locally executed command.
	// It is the bridge into the replicated document.
	onExecute func(command.Command)
}

// NewTree creates a history tree over the given store, rooted at an empty
// node.
func NewTree(store *curve.Store) *Tree {
	root := &Node{Timestamp: time.Now(), Description: "start"}
	return &Tree{store: store, root: root, current: root}
}

// SetCollaborationCallback registers the callback invoked after each local
// command execution.
func (t *Tree) SetCollaborationCallback(fn func(command.Command)) {
	t.onExecute = fn
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Current returns the node designating the live state.
func (t *Tree) Current() *Node { return t.current }

// ExecuteCommand runs the command and appends it as a new child of the
// current node, which becomes current. Existing children are preserved: a
// command executed mid-history creates a sibling branch.
//
// Returns the command's affected curve ID.
func (t *Tree) ExecuteCommand(cmd command.Command) string {
	node := &Node{
		Command:     cmd,
		Parent:      t.current,
		Timestamp:   time.Now(),
		Description: cmd.Description(),
	}
	t.current.Children = append(t.current.Children, node)
	cmd.Execute(t.store)
	t.current = node
	t.current.selected = 0
	if t.onExecute != nil {
		t.onExecute(cmd)
	}
	return cmd.AffectedCurveID()
}

// ExecuteRemoteCommand applies a command to the store without creating a
// history node. Used for remote overwrites, whose history lives on the shared
// tree.
func (t *Tree) ExecuteRemoteCommand(cmd command.Command) string {
	cmd.Execute(t.store)
	return cmd.AffectedCurveID()
}

// CanUndo reports whether current has a parent.
func (t *Tree) CanUndo() bool { return t.current.Parent != nil }

// CanRedo reports whether current has children.
func (t *Tree) CanRedo() bool { return len(t.current.Children) > 0 }

// Undo reverts the current command and moves current to its parent. Returns
// the new current's affected curve ID ("" at root) and whether an undo
// happened.
func (t *Tree) Undo() (string, bool) {
	if !t.CanUndo() {
		return "", false
	}
	t.current.Command.Undo(t.store)
	t.current = t.current.Parent
	if t.current.Command == nil {
		return "", true
	}
	return t.current.Command.AffectedCurveID(), true
}

// Redo executes the selected child of the current node, which becomes
// current. Returns its affected curve ID and whether a redo happened.
func (t *Tree) Redo() (string, bool) {
	if !t.CanRedo() {
		return "", false
	}
	next := t.current.Children[t.clampedSelected()]
	next.Command.Execute(t.store)
	t.current = next
	return next.Command.AffectedCurveID(), true
}

func (t *Tree) clampedSelected() int {
	i := t.current.selected
	if i < 0 {
		i = 0
	}
	if i >= len(t.current.Children) {
		i = len(t.current.Children) - 1
	}
	return i
}

// pathFromRoot returns the nodes from root to current, inclusive.
func (t *Tree) pathFromRoot() []*Node {
	var path []*Node
	for n := t.current; n != nil; n = n.Parent {
		path = append(path, n)
	}
	// Reverse into root-to-current order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// onPath reports whether node lies on the path from root to current.
func (t *Tree) onPath(node *Node) bool {
	for n := t.current; n != nil; n = n.Parent {
		if n == node {
			return true
		}
	}
	return false
}

// Branches enumerates, in root-to-current order, one entry per alternative at
// each junction along the current path. Each entry names the branch's tip: for
// the alternative lying on the current path that is the current node, tagged
// IsCurrent; for the others, the end of their first-child descent. Switching
// to an entry's node restores the state at that branch's end.
func (t *Tree) Branches() []Branch {
	var branches []Branch
	for _, n := range t.pathFromRoot() {
		if n == t.current || len(n.Children) <= 1 {
			continue
		}
		for _, child := range n.Children {
			onPath := t.onPath(child)
			tip := child
			if onPath {
				tip = t.current
			} else {
				for len(tip.Children) > 0 {
					tip = tip.Children[0]
				}
			}
			branches = append(branches, Branch{
				Node:        tip,
				Description: tip.Description,
				IsCurrent:   onPath,
			})
		}
	}
	return branches
}

// commonAncestor returns the deepest node on both nodes' root paths, falling
// back to the root when none is found.
func (t *Tree) commonAncestor(a, b *Node) *Node {
	ancestors := make(map[*Node]bool)
	for n := a; n != nil; n = n.Parent {
		ancestors[n] = true
	}
	for n := b; n != nil; n = n.Parent {
		if ancestors[n] {
			return n
		}
	}
	return t.root
}

// SwitchToBranch moves the live state to the target node: commands are undone
// up to the common ancestor of current and target, then executed down to the
// target. Selected-child indices along the downward walk are updated so a
// subsequent redo continues past the target.
func (t *Tree) SwitchToBranch(target *Node) string {
	if target == nil || target == t.current {
		return t.affectedAtCurrent()
	}
	ancestor := t.commonAncestor(t.current, target)
	// Walk up, undoing.
	for t.current != ancestor && t.current.Parent != nil {
		t.current.Command.Undo(t.store)
		t.current = t.current.Parent
	}
	// Walk down, executing.
	descent := pathBetween(ancestor, target)
	for _, next := range descent {
		for i, child := range t.current.Children {
			if child == next {
				t.current.selected = i
				break
			}
		}
		next.Command.Execute(t.store)
		t.current = next
	}
	return t.affectedAtCurrent()
}

// pathBetween returns the nodes strictly below ancestor down to target,
// in descent order. Empty if target is not below ancestor.
func pathBetween(ancestor, target *Node) []*Node {
	var path []*Node
	for n := target; n != nil && n != ancestor; n = n.Parent {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (t *Tree) affectedAtCurrent() string {
	if t.current.Command == nil {
		return ""
	}
	return t.current.Command.AffectedCurveID()
}

// +-------------------+
// | Intersection ops  |
// +-------------------+

// IsAtIntersection reports whether the current node has more than one child.
func (t *Tree) IsAtIntersection() bool {
	return len(t.current.Children) > 1
}

// SwitchToNextBranch cycles the selected child forward without executing
// anything. The selection takes effect on the next redo or jump.
func (t *Tree) SwitchToNextBranch() {
	if !t.IsAtIntersection() {
		return
	}
	t.current.selected = (t.current.selected + 1) % len(t.current.Children)
}

// SwitchToPreviousBranch cycles the selected child backward without executing
// anything.
func (t *Tree) SwitchToPreviousBranch() {
	if !t.IsAtIntersection() {
		return
	}
	n := len(t.current.Children)
	t.current.selected = (t.current.selected + n - 1) % n
}

// GetIntersectionInfo reports the branch choice at the current node, or nil
// if it is not an intersection.
func (t *Tree) GetIntersectionInfo() *IntersectionInfo {
	if !t.IsAtIntersection() {
		return nil
	}
	i := t.clampedSelected()
	return &IntersectionInfo{
		CurrentBranch: i + 1,
		TotalBranches: len(t.current.Children),
		Description:   t.current.Children[i].Description,
	}
}

// +-------+
// | Jumps |
// +-------+

// JumpToNextIntersectionOrEnd redoes forward, choosing the selected child at
// the starting node and the first child thereafter, stopping at the first
// node with zero or multiple children.
func (t *Tree) JumpToNextIntersectionOrEnd() string {
	first := true
	for len(t.current.Children) > 0 {
		i := 0
		if first {
			i = t.clampedSelected()
			first = false
		}
		next := t.current.Children[i]
		next.Command.Execute(t.store)
		t.current = next
		if len(t.current.Children) != 1 {
			break
		}
	}
	return t.affectedAtCurrent()
}

// JumpToPreviousIntersectionOrStart undoes backward, stopping the first time
// stepping back lands on a junction, or at the root.
func (t *Tree) JumpToPreviousIntersectionOrStart() string {
	for t.current.Parent != nil {
		t.current.Command.Undo(t.store)
		t.current = t.current.Parent
		if len(t.current.Children) > 1 {
			break
		}
	}
	return t.affectedAtCurrent()
}

// Clear rewinds to the root, undoing every command on the current path, and
// drops all recorded history. The root remains.
func (t *Tree) Clear() {
	for t.current.Parent != nil {
		t.current.Command.Undo(t.store)
		t.current = t.current.Parent
	}
	t.root.Children = nil
	t.root.selected = 0
}
