package document

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/crdt"
	"github.com/curveboard/curveboard/curve"
)

// SharedNode is one node of the shared history tree, mirrored inside the
// CRDT so that undo/redo merges like any other edit.
type SharedNode struct {
	ID          string
	ParentID    string // Empty at the root.
	ChildIDs    []string
	Command     *command.Serialized // Nil at the root.
	UserID      string
	Timestamp   int64
	Description string
}

// SharedHistory is the whole shared tree plus its root and current pointers.
type SharedHistory struct {
	Nodes         map[string]SharedNode
	RootID        string
	CurrentNodeID string
}

// writeHistoryNode materializes a node under the nodes map.
func writeHistoryNode(nodes crdt.MapRef, n SharedNode) {
	m := nodes.SetMap(n.ID)
	m.SetString("id", n.ID)
	if n.ParentID != "" {
		m.SetString("parentId", n.ParentID)
	} else {
		m.SetNull("parentId")
	}
	children := m.SetList("childIds")
	for _, id := range n.ChildIDs {
		children.AppendString(id)
	}
	if n.Command != nil {
		raw, err := json.Marshal(n.Command)
		if err == nil {
			m.SetString("command", string(raw))
		}
	} else {
		m.SetNull("command")
	}
	m.SetString("userId", n.UserID)
	m.SetFloat("timestamp", float64(n.Timestamp))
	m.SetString("description", n.Description)
}

// appendHistoryNode creates the shared node for a freshly executed command:
// a child of the current node, which then becomes current.
func (r *Replicated) appendHistoryNode(tx *crdt.Tx, cmd command.Command) {
	h := tx.Root().Map("history")
	if !h.Valid() {
		return
	}
	nodes := h.Map("nodes")
	currentID, _ := h.String("currentNodeId")
	serialized, err := cmd.Serialize()
	if err != nil {
		r.log.Error("serializing command for shared history", zap.Error(err))
		return
	}
	nodeID := newUUID()
	writeHistoryNode(nodes, SharedNode{
		ID:          nodeID,
		ParentID:    currentID,
		Command:     &serialized,
		UserID:      r.userID,
		Timestamp:   nowMilli(),
		Description: cmd.Description(),
	})
	if parent := nodes.Map(currentID); parent.Valid() {
		parent.List("childIds").AppendString(nodeID)
	}
	h.SetString("currentNodeId", nodeID)
}

// History returns the shared tree as plain values.
func (r *Replicated) History() SharedHistory {
	h := r.doc.Root().Map("history")
	out := SharedHistory{Nodes: make(map[string]SharedNode)}
	if !h.Valid() {
		return out
	}
	out.RootID, _ = h.String("rootId")
	out.CurrentNodeID, _ = h.String("currentNodeId")
	nodes := h.Map("nodes")
	ids := nodes.Keys()
	sort.Strings(ids)
	for _, id := range ids {
		m := nodes.Map(id)
		if !m.Valid() {
			continue
		}
		n := SharedNode{ID: id}
		n.ParentID, _ = m.String("parentId")
		n.ChildIDs = m.List("childIds").Strings()
		if raw, ok := m.String("command"); ok {
			var s command.Serialized
			if err := json.Unmarshal([]byte(raw), &s); err == nil {
				n.Command = &s
			}
		}
		n.UserID, _ = m.String("userId")
		if ms, ok := m.Float("timestamp"); ok {
			n.Timestamp = int64(ms)
		}
		n.Description, _ = m.String("description")
		out.Nodes[id] = n
	}
	return out
}

// +------------------------+
// | Collaborative undo/redo |
// +------------------------+

// CanSharedUndo reports whether the shared current node has a parent.
func (r *Replicated) CanSharedUndo() bool {
	h := r.History()
	n, ok := h.Nodes[h.CurrentNodeID]
	return ok && n.ParentID != ""
}

// CanSharedRedo reports whether the shared current node has children.
func (r *Replicated) CanSharedRedo() bool {
	h := r.History()
	n, ok := h.Nodes[h.CurrentNodeID]
	return ok && len(n.ChildIDs) > 0
}

// SharedUndo moves the shared current pointer to its parent, reconstructs the
// curve state at that node, and splices it into the document. Returns the
// change blob to broadcast, the reconstructed curves, and whether an undo
// happened.
func (r *Replicated) SharedUndo() ([]byte, []*curve.Curve, bool) {
	h := r.History()
	n, ok := h.Nodes[h.CurrentNodeID]
	if !ok || n.ParentID == "" {
		return nil, nil, false
	}
	return r.moveSharedCurrent(h, n.ParentID)
}

// SharedRedo moves the shared current pointer to its first child. Branch
// choice is not exposed in shared mode.
func (r *Replicated) SharedRedo() ([]byte, []*curve.Curve, bool) {
	h := r.History()
	n, ok := h.Nodes[h.CurrentNodeID]
	if !ok || len(n.ChildIDs) == 0 {
		return nil, nil, false
	}
	return r.moveSharedCurrent(h, n.ChildIDs[0])
}

func (r *Replicated) moveSharedCurrent(h SharedHistory, targetID string) ([]byte, []*curve.Curve, bool) {
	curves := r.reconstructCurves(h, targetID)
	blob, err := r.doc.Transact("shared history move", func(tx *crdt.Tx) error {
		hist := tx.Root().Map("history")
		hist.SetString("currentNodeId", targetID)
		spliceCurves(tx.Root().List("curves"), curves)
		return nil
	})
	if err != nil {
		r.log.Error("moving shared history", zap.Error(err))
		return nil, nil, false
	}
	return blob, curves, true
}

// reconstructCurves replays the command path from the shared root to the
// given node against an empty curves state, and returns the resulting
// snapshot. Nodes whose command cannot be deserialized are skipped.
func (r *Replicated) reconstructCurves(h SharedHistory, nodeID string) []*curve.Curve {
	var path []SharedNode
	for id := nodeID; id != ""; {
		n, ok := h.Nodes[id]
		if !ok {
			break
		}
		path = append(path, n)
		id = n.ParentID
	}
	store := curve.NewEmpty()
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if n.Command == nil {
			continue
		}
		cmd, err := command.Deserialize(*n.Command)
		if err != nil {
			r.log.Warn("skipping unreadable history command",
				zap.String("node", n.ID), zap.Error(err))
			continue
		}
		if cmd == nil {
			continue // Reserved command kind.
		}
		cmd.Execute(store)
	}
	return store.Snapshot()
}
