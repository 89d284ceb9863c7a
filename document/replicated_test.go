package document_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/curve"
	"github.com/curveboard/curveboard/document"
)

// seedReplica creates a seeded document, as the hub does for a fresh session.
func seedReplica(t *testing.T) *document.Replicated {
	t.Helper()
	r := document.NewReplicated(nil)
	r.Seed()
	return r
}

// joinReplica creates a replica that joined by loading state.
func joinReplica(t *testing.T, from *document.Replicated) *document.Replicated {
	t.Helper()
	r := document.NewReplicated(nil)
	_, err := r.Load(from.Save(), true)
	require.NoError(t, err)
	return r
}

func blueCurve() *curve.Curve {
	return &curve.Curve{ID: "blue-1", Color: curve.Palette[0], Points: []curve.Point{}}
}

func TestUnseededDocumentIgnoresCommands(t *testing.T) {
	r := document.NewReplicated(nil)
	assert.False(t, r.Seeded())
	blob := r.ExecuteLocalCommand(command.NewAddPoint("x", "#fff", curve.Point{}))
	assert.Nil(t, blob)
	assert.Nil(t, r.UpdatePresence(nil, "", "ann"))
}

func TestSeedIsIdempotent(t *testing.T) {
	r := seedReplica(t)
	h := r.History()
	r.Seed()
	assert.Equal(t, h.RootID, r.History().RootID)
}

func TestExecuteLocalCommandMirrorsCurves(t *testing.T) {
	r := seedReplica(t)

	blob := r.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	require.NotNil(t, blob)
	blob = r.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 1, Y: 2}))
	require.NotNil(t, blob)

	curves := r.Curves()
	require.Len(t, curves, 1)
	assert.Equal(t, "blue-1", curves[0].ID)
	assert.Equal(t, []curve.Point{{X: 1, Y: 2}}, curves[0].Points)
}

func TestMirroredCommandKinds(t *testing.T) {
	r := seedReplica(t)
	r.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	r.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 1, Y: 1}))
	r.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 2, Y: 2}))

	// Move the second point.
	r.ExecuteLocalCommand(command.NewMovePoint("blue-1", curve.Palette[0], 1, curve.Point{X: 2, Y: 2}, curve.Point{X: 9, Y: 9}))
	assert.Equal(t, []curve.Point{{X: 1, Y: 1}, {X: 9, Y: 9}}, r.Curves()[0].Points)

	// Remove the first point.
	r.ExecuteLocalCommand(command.NewRemovePoint("blue-1", curve.Palette[0], 0, curve.Point{X: 1, Y: 1}))
	assert.Equal(t, []curve.Point{{X: 9, Y: 9}}, r.Curves()[0].Points)

	// Add a second curve, then remove it.
	pink := &curve.Curve{ID: "pink-1", Color: curve.Palette[1], Points: []curve.Point{{X: 5, Y: 5}}}
	r.ExecuteLocalCommand(command.NewAddCurve(pink))
	require.Len(t, r.Curves(), 2)
	assert.Empty(t, r.Curves()[1].Points) // AddCurve strips points.

	r.ExecuteLocalCommand(command.NewRemoveCurve(pink, 1))
	require.Len(t, r.Curves(), 1)
	assert.Equal(t, "blue-1", r.Curves()[0].ID)
}

func TestCommandOnMissingCurveStillRecordsHistory(t *testing.T) {
	r := seedReplica(t)
	before := len(r.History().Nodes)

	blob := r.ExecuteLocalCommand(command.NewAddPoint("ghost", "#fff", curve.Point{X: 1, Y: 1}))
	require.NotNil(t, blob)
	assert.Empty(t, r.Curves())
	assert.Len(t, r.History().Nodes, before+1)
}

// TestConcurrentAddConverges is the concurrent-add scenario: both points
// survive the merge, in the same order on both replicas.
func TestConcurrentAddConverges(t *testing.T) {
	a := seedReplica(t)
	a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	b := joinReplica(t, a)

	fromA := a.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 10, Y: 10}))
	fromB := b.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 20, Y: 20}))

	require.NoError(t, a.ApplyRemoteChanges(fromB))
	require.NoError(t, b.ApplyRemoteChanges(fromA))

	curvesA, curvesB := a.Curves(), b.Curves()
	require.Len(t, curvesA, 1)
	if diff := cmp.Diff(curvesA, curvesB); diff != "" {
		t.Fatalf("replicas diverged (-a +b):\n%s", diff)
	}
	assert.ElementsMatch(t,
		[]curve.Point{{X: 10, Y: 10}, {X: 20, Y: 20}},
		curvesA[0].Points)
	assert.True(t, bytes.Equal(a.Save(), b.Save()))
}

func TestRemoteChangeCallback(t *testing.T) {
	a := seedReplica(t)
	b := joinReplica(t, a)

	var gotCurves [][]*curve.Curve
	b.OnRemoteChange = func(cs []*curve.Curve) {
		gotCurves = append(gotCurves, cs)
	}

	blob := a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	require.NoError(t, b.ApplyRemoteChanges(blob))
	require.Len(t, gotCurves, 1)
	assert.Equal(t, "blue-1", gotCurves[0][0].ID)

	// A presence-only change must not fire the curve callback.
	presence := a.UpdatePresence(&curve.Point{X: 1, Y: 1}, "blue-1", "ann")
	require.NotNil(t, presence)
	require.NoError(t, b.ApplyRemoteChanges(presence))
	assert.Len(t, gotCurves, 1)
}

func TestPresenceCallbackAndUsers(t *testing.T) {
	a := seedReplica(t)
	b := joinReplica(t, a)

	var updates []map[string]document.User
	b.OnPresenceUpdate = func(us map[string]document.User) {
		updates = append(updates, us)
	}

	blob := a.UpdatePresence(&curve.Point{X: 3, Y: 4}, "some-curve", "ann")
	require.NoError(t, b.ApplyRemoteChanges(blob))

	require.Len(t, updates, 1)
	u, ok := updates[0][a.UserID()]
	require.True(t, ok)
	assert.Equal(t, "ann", u.Name)
	assert.Equal(t, "some-curve", u.ActiveCurveID)
	require.NotNil(t, u.Cursor)
	assert.Equal(t, curve.Point{X: 3, Y: 4}, *u.Cursor)
	assert.Contains(t, document.PresencePalette, u.Color)
	assert.NotZero(t, u.LastSeen)

	// Clearing the cursor removes it from the record.
	blob = a.UpdatePresence(nil, "", "ann")
	require.NoError(t, b.ApplyRemoteChanges(blob))
	u = updates[len(updates)-1][a.UserID()]
	assert.Nil(t, u.Cursor)
}

func TestHistoryChangeCallback(t *testing.T) {
	a := seedReplica(t)
	b := joinReplica(t, a)

	var histories []document.SharedHistory
	b.OnHistoryChange = func(h document.SharedHistory) {
		histories = append(histories, h)
	}

	blob := a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	require.NoError(t, b.ApplyRemoteChanges(blob))

	require.NotEmpty(t, histories)
	last := histories[len(histories)-1]
	assert.Len(t, last.Nodes, 2) // Root plus the load node.
	assert.NotEqual(t, last.RootID, last.CurrentNodeID)
}

func TestSharedHistoryShape(t *testing.T) {
	r := seedReplica(t)
	r.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	r.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 1, Y: 1}))

	h := r.History()
	require.Len(t, h.Nodes, 3)

	root := h.Nodes[h.RootID]
	assert.Empty(t, root.ParentID)
	assert.Nil(t, root.Command)
	require.Len(t, root.ChildIDs, 1)

	load := h.Nodes[root.ChildIDs[0]]
	assert.Equal(t, h.RootID, load.ParentID)
	require.NotNil(t, load.Command)
	assert.Equal(t, command.KindLoadCurves, load.Command.Kind)
	assert.Equal(t, r.UserID(), load.UserID)

	current := h.Nodes[h.CurrentNodeID]
	assert.Equal(t, command.KindAddPoint, current.Command.Kind)
	assert.Equal(t, load.ID, current.ParentID)
}

// TestSharedUndoAcrossPeers is the shared-undo scenario: B undoes a step made
// by A, and A observes the rewound state through the merge.
func TestSharedUndoAcrossPeers(t *testing.T) {
	a := seedReplica(t)
	a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	a.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 1, Y: 1}))
	a.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 2, Y: 2}))
	a.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 3, Y: 3}))
	b := joinReplica(t, a)

	require.True(t, b.CanSharedUndo())
	beforeCurrent := b.History().CurrentNodeID

	var remoteCurves []*curve.Curve
	a.OnRemoteChange = func(cs []*curve.Curve) { remoteCurves = cs }

	blob, reconstructed, ok := b.SharedUndo()
	require.True(t, ok)
	require.Len(t, reconstructed, 1)
	assert.Equal(t, []curve.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, reconstructed[0].Points)

	require.NoError(t, a.ApplyRemoteChanges(blob))
	require.Len(t, remoteCurves, 1)
	assert.Equal(t, []curve.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}, remoteCurves[0].Points)
	assert.NotEqual(t, beforeCurrent, a.History().CurrentNodeID)
	assert.Equal(t, b.History().CurrentNodeID, a.History().CurrentNodeID)
}

func TestSharedRedoFollowsFirstChild(t *testing.T) {
	a := seedReplica(t)
	a.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))
	a.ExecuteLocalCommand(command.NewAddPoint("blue-1", curve.Palette[0], curve.Point{X: 1, Y: 1}))

	_, _, ok := a.SharedUndo()
	require.True(t, ok)
	assert.Equal(t, []curve.Point{}, a.Curves()[0].Points)
	require.True(t, a.CanSharedRedo())

	_, reconstructed, ok := a.SharedRedo()
	require.True(t, ok)
	assert.Equal(t, []curve.Point{{X: 1, Y: 1}}, reconstructed[0].Points)
	assert.Equal(t, []curve.Point{{X: 1, Y: 1}}, a.Curves()[0].Points)
}

func TestSharedUndoAtRoot(t *testing.T) {
	r := seedReplica(t)
	assert.False(t, r.CanSharedUndo())
	_, _, ok := r.SharedUndo()
	assert.False(t, ok)
}

func TestLoadRebroadcastsLocalChanges(t *testing.T) {
	hub := seedReplica(t)

	// The client joined earlier and kept editing while disconnected.
	client := joinReplica(t, hub)
	client.ExecuteLocalCommand(command.NewLoadCurves([]*curve.Curve{blueCurve()}, nil))

	// On reconnect the client merges the hub state and gets back exactly the
	// changes the hub is missing.
	delta, err := client.Load(hub.Save(), false)
	require.NoError(t, err)
	require.NotNil(t, delta)

	require.NoError(t, hub.ApplyRemoteChanges(delta))
	assert.True(t, bytes.Equal(hub.Save(), client.Save()))
	require.Len(t, hub.Curves(), 1)
	assert.Equal(t, "blue-1", hub.Curves()[0].ID)
}

func TestMalformedBlobsAreDiscarded(t *testing.T) {
	r := seedReplica(t)
	before := r.Save()

	assert.Error(t, r.ApplyRemoteChanges([]byte("garbage")))
	_, err := r.Load([]byte("{"), true)
	assert.Error(t, err)
	assert.True(t, bytes.Equal(before, r.Save()))
}
