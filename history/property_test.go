package history_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/curve"
	"github.com/curveboard/curveboard/history"
)

// Model the history tree against its defining property: at any moment, the
// observable store equals replaying the commands on the path from root to
// current against the initial store.
type treeMachine struct {
	tree  *history.Tree
	store *curve.Store
}

func fixtureStore() *curve.Store {
	s := curve.NewEmpty()
	s.AppendCurve(&curve.Curve{ID: "c0", Color: curve.Palette[0], Points: []curve.Point{}})
	s.SetActive("c0")
	return s
}

func (m *treeMachine) Init(t *rapid.T) {
	m.store = fixtureStore()
	m.tree = history.NewTree(m.store)
}

func (m *treeMachine) ExecuteAdd(t *rapid.T) {
	x := rapid.Float64Range(-100, 100).Draw(t, "x").(float64)
	y := rapid.Float64Range(-100, 100).Draw(t, "y").(float64)
	m.tree.ExecuteCommand(command.NewAddPoint("c0", curve.Palette[0], curve.Point{X: x, Y: y}))
}

func (m *treeMachine) ExecuteRemove(t *rapid.T) {
	pts := m.store.Curve("c0").Points
	if len(pts) == 0 {
		t.Skip("no point to remove")
	}
	i := rapid.IntRange(0, len(pts)-1).Draw(t, "i").(int)
	m.tree.ExecuteCommand(command.NewRemovePoint("c0", curve.Palette[0], i, pts[i]))
}

func (m *treeMachine) ExecuteMove(t *rapid.T) {
	pts := m.store.Curve("c0").Points
	if len(pts) == 0 {
		t.Skip("no point to move")
	}
	i := rapid.IntRange(0, len(pts)-1).Draw(t, "i").(int)
	x := rapid.Float64Range(-100, 100).Draw(t, "x").(float64)
	m.tree.ExecuteCommand(command.NewMovePoint("c0", curve.Palette[0], i, pts[i], curve.Point{X: x, Y: y(t)}))
}

func y(t *rapid.T) float64 {
	return rapid.Float64Range(-100, 100).Draw(t, "y").(float64)
}

func (m *treeMachine) Undo(t *rapid.T) {
	m.tree.Undo()
}

func (m *treeMachine) Redo(t *rapid.T) {
	m.tree.Redo()
}

func (m *treeMachine) SwitchToNextBranch(t *rapid.T) {
	m.tree.SwitchToNextBranch()
}

func (m *treeMachine) Check(t *rapid.T) {
	// current must be reachable from root.
	var path []*history.Node
	for n := m.tree.Current(); n != nil; n = n.Parent {
		path = append(path, n)
	}
	if path[len(path)-1] != m.tree.Root() {
		t.Fatal("current is not reachable from root")
	}

	// Replaying the path on the initial store reproduces the live state.
	replay := fixtureStore()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Command == nil {
			continue
		}
		path[i].Command.Execute(replay)
	}
	if diff := cmp.Diff(replay.Snapshot(), m.store.Snapshot()); diff != "" {
		t.Fatalf("replayed state mismatch (-replay +live):\n%s", diff)
	}

	// Undo/redo availability matches the tree shape.
	if m.tree.CanUndo() != (m.tree.Current().Parent != nil) {
		t.Fatal("CanUndo disagrees with tree shape")
	}
	if m.tree.CanRedo() != (len(m.tree.Current().Children) > 0) {
		t.Fatal("CanRedo disagrees with tree shape")
	}
	if m.tree.IsAtIntersection() != (len(m.tree.Current().Children) > 1) {
		t.Fatal("IsAtIntersection disagrees with tree shape")
	}
}

func TestTreeProperty(t *testing.T) {
	rapid.Check(t, rapid.Run(&treeMachine{}))
}
