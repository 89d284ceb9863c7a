/*
Package document wraps the replicated CRDT document holding the collaborative
editor state: the curve set, per-user presence records, and the shared history
tree that makes undo/redo itself collaborative.

The wrapper exposes plain values to the rest of the engine; CRDT refs never
escape. Local commands are mirrored into the document inside a single
transaction that also appends to the shared history, so a change blob always
carries both.
*/
package document

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/curveboard/curveboard/command"
	"github.com/curveboard/curveboard/crdt"
	"github.com/curveboard/curveboard/curve"

	"github.com/google/uuid"
)

// PresencePalette is the fixed set of user colors, distinct from the curve
// palette. Colors are assigned uniformly at random per user.
var PresencePalette = []string{
	"#ff6b6b",
	"#4ecdc4",
	"#45b7d1",
	"#96ceb4",
	"#ffeaa7",
	"#dfe6e9",
}

var (
	newUUID  = uuid.NewString // User and shared-history node IDs.
	randIntn = rand.Intn
	nowMilli = func() int64 { return time.Now().UnixMilli() }
)

// User is a presence record: non-authoritative per-user metadata propagated
// through the same CRDT as the document.
type User struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Color         string       `json:"color"`
	Cursor        *curve.Point `json:"cursor,omitempty"`
	ActiveCurveID string       `json:"activeCurveId,omitempty"`
	LastSeen      int64        `json:"lastSeen"`
}

// Replicated is the replicated document of one site.
type Replicated struct {
	doc *crdt.Doc
	log *zap.Logger

	userID    string
	userColor string

	// OnRemoteChange fires after a remote change altered the curve set. The
	// argument is a deep copy, safe to retain.
	OnRemoteChange func([]*curve.Curve)
	// OnPresenceUpdate fires after a remote change altered the user set.
	OnPresenceUpdate func(map[string]User)
	// OnHistoryChange fires after a remote change altered the shared history.
	OnHistoryChange func(SharedHistory)
}

// NewReplicated creates an empty replicated document. It holds no containers
// until it is seeded (first session joiner, on the hub) or loads a seeded
// state blob.
func NewReplicated(log *zap.Logger) *Replicated {
	if log == nil {
		log = zap.NewNop()
	}
	return &Replicated{
		doc:       crdt.NewDoc(),
		log:       log,
		userID:    newUUID(),
		userColor: PresencePalette[randIntn(len(PresencePalette))],
	}
}

// UserID returns the local user's opaque per-session ID.
func (r *Replicated) UserID() string { return r.userID }

// Seeded reports whether the document containers exist yet.
func (r *Replicated) Seeded() bool {
	return r.doc.Root().List("curves").Valid()
}

// Seed creates the document containers and the shared history root. Exactly
// one replica per session seeds (the hub, on session creation); every other
// replica receives the containers through the sync handshake, so the CRDT
// lineage matches across peers.
func (r *Replicated) Seed() {
	if r.Seeded() {
		return
	}
	_, err := r.doc.Transact("init", func(tx *crdt.Tx) error {
		root := tx.Root()
		root.SetList("curves")
		root.SetMap("users")
		h := root.SetMap("history")
		nodes := h.SetMap("nodes")
		rootID := newUUID()
		writeHistoryNode(nodes, SharedNode{
			ID:          rootID,
			Timestamp:   nowMilli(),
			Description: "start",
		})
		h.SetString("rootId", rootID)
		h.SetString("currentNodeId", rootID)
		return nil
	})
	if err != nil {
		r.log.Error("seeding document", zap.Error(err))
	}
}

// +----------------+
// | Local mutation |
// +----------------+

// ExecuteLocalCommand mirrors a locally executed command into the replicated
// document and appends the equivalent node to the shared history, in one
// transaction. Returns the change blob to broadcast, or nil if the document
// is not yet seeded. A command whose target curve is missing still yields a
// blob: its history node is recorded.
func (r *Replicated) ExecuteLocalCommand(cmd command.Command) []byte {
	if !r.Seeded() {
		return nil
	}
	blob, err := r.doc.Transact(cmd.Description(), func(tx *crdt.Tx) error {
		r.mirrorCommand(tx, cmd)
		r.appendHistoryNode(tx, cmd)
		return nil
	})
	if err != nil {
		r.log.Error("recording local command", zap.String("command", cmd.Description()), zap.Error(err))
		return nil
	}
	return blob
}

// mirrorCommand applies the command's effect to the curves list by in-place
// splicing. The list object itself is never replaced, preserving identity for
// the merge.
func (r *Replicated) mirrorCommand(tx *crdt.Tx, cmd command.Command) {
	curves := tx.Root().List("curves")
	switch c := cmd.(type) {
	case *command.AddPoint:
		i := curveIndex(curves, c.CurveID)
		if i < 0 {
			return
		}
		points := curves.Map(i).List("points")
		appendPoint(points, c.Point)
	case *command.RemovePoint:
		i := curveIndex(curves, c.CurveID)
		if i < 0 {
			return
		}
		curves.Map(i).List("points").Delete(c.Index)
	case *command.MovePoint:
		i := curveIndex(curves, c.CurveID)
		if i < 0 {
			return
		}
		p := curves.Map(i).List("points").Map(c.Index)
		if !p.Valid() {
			return
		}
		p.SetFloat("x", c.NewPoint.X)
		p.SetFloat("y", c.NewPoint.Y)
	case *command.AddCurve:
		appendCurve(curves, c.Curve)
	case *command.RemoveCurve:
		if i := curveIndex(curves, c.Curve.ID); i >= 0 {
			curves.Delete(i)
		}
	case *command.LoadCurves:
		spliceCurves(curves, c.New)
	case *command.RemoteOverwrite:
		// Remote overwrites originate from the document; nothing to mirror.
	}
}

func curveIndex(curves crdt.ListRef, id string) int {
	for i := 0; i < curves.Len(); i++ {
		if got, ok := curves.Map(i).String("id"); ok && got == id {
			return i
		}
	}
	return -1
}

func appendPoint(points crdt.ListRef, p curve.Point) {
	if !points.Valid() {
		return
	}
	m := points.AppendMap()
	m.SetFloat("x", p.X)
	m.SetFloat("y", p.Y)
}

func appendCurve(curves crdt.ListRef, c *curve.Curve) {
	m := curves.AppendMap()
	m.SetString("id", c.ID)
	m.SetString("color", c.Color)
	points := m.SetList("points")
	for _, p := range c.Points {
		pm := points.AppendMap()
		pm.SetFloat("x", p.X)
		pm.SetFloat("y", p.Y)
	}
}

// spliceCurves replaces the list contents element by element.
func spliceCurves(curves crdt.ListRef, cs []*curve.Curve) {
	curves.Clear()
	for _, c := range cs {
		appendCurve(curves, c)
	}
}

// +----------------+
// | Remote changes |
// +----------------+

// subtree snapshots used to detect which callbacks to fire.
type snapshot struct {
	curves, users, history []byte
}

func (r *Replicated) snapshot() snapshot {
	dump := r.doc.Dump()
	marshal := func(v any) []byte {
		bs, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return bs
	}
	return snapshot{
		curves:  marshal(dump["curves"]),
		users:   marshal(dump["users"]),
		history: marshal(dump["history"]),
	}
}

// ApplyRemoteChanges applies a peer's change blob and fires the diff-driven
// callbacks for whichever subtrees changed. Malformed blobs are logged and
// discarded.
func (r *Replicated) ApplyRemoteChanges(blob []byte) error {
	pre := r.snapshot()
	if err := r.doc.ApplyDelta(blob); err != nil {
		r.log.Warn("discarding malformed change blob", zap.Error(err))
		return err
	}
	r.fireDiffs(pre)
	return nil
}

func (r *Replicated) fireDiffs(pre snapshot) {
	post := r.snapshot()
	if !bytes.Equal(pre.curves, post.curves) && r.OnRemoteChange != nil {
		r.OnRemoteChange(r.Curves())
	}
	if !bytes.Equal(pre.users, post.users) && r.OnPresenceUpdate != nil {
		r.OnPresenceUpdate(r.Users())
	}
	if !bytes.Equal(pre.history, post.history) && r.OnHistoryChange != nil {
		r.OnHistoryChange(r.History())
	}
}

// +----------------+
// | Full state     |
// +----------------+

// Save serializes the full document state. Byte-stable: two replicas holding
// the same change set produce identical blobs.
func (r *Replicated) Save() []byte {
	return r.doc.Save()
}

// Load merges a full-state blob, firing the same diff callbacks as a remote
// change. Unless skipRebroadcast is set, it returns a delta of every local
// change the blob's producer has not seen, for the caller to broadcast; the
// delta is nil when there is nothing to send.
func (r *Replicated) Load(blob []byte, skipRebroadcast bool) ([]byte, error) {
	pre := r.snapshot()
	v, err := r.doc.Merge(blob)
	if err != nil {
		r.log.Warn("discarding malformed state blob", zap.Error(err))
		return nil, err
	}
	r.fireDiffs(pre)
	if skipRebroadcast {
		return nil, nil
	}
	delta, err := r.doc.DeltaSince(v)
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// +----------+
// | Presence |
// +----------+

// UpdatePresence upserts the local user's presence record and returns the
// change blob to broadcast, or nil.
func (r *Replicated) UpdatePresence(cursor *curve.Point, activeCurveID, name string) []byte {
	if !r.Seeded() {
		return nil
	}
	blob, err := r.doc.Transact("presence", func(tx *crdt.Tx) error {
		users := tx.Root().Map("users")
		u := users.Map(r.userID)
		if !u.Valid() {
			u = users.SetMap(r.userID)
			u.SetString("id", r.userID)
			u.SetString("color", r.userColor)
		}
		u.SetString("name", name)
		if cursor != nil {
			u.SetFloat("cursorX", cursor.X)
			u.SetFloat("cursorY", cursor.Y)
		} else {
			u.Delete("cursorX")
			u.Delete("cursorY")
		}
		if activeCurveID != "" {
			u.SetString("activeCurveId", activeCurveID)
		} else {
			u.Delete("activeCurveId")
		}
		u.SetFloat("lastSeen", float64(nowMilli()))
		return nil
	})
	if err != nil {
		r.log.Error("updating presence", zap.Error(err))
		return nil
	}
	return blob
}

// Users returns the current presence records as plain values.
func (r *Replicated) Users() map[string]User {
	users := r.doc.Root().Map("users")
	out := make(map[string]User)
	for _, id := range users.Keys() {
		u := users.Map(id)
		user := User{ID: id}
		user.Name, _ = u.String("name")
		user.Color, _ = u.String("color")
		user.ActiveCurveID, _ = u.String("activeCurveId")
		if x, ok := u.Float("cursorX"); ok {
			if y, ok := u.Float("cursorY"); ok {
				user.Cursor = &curve.Point{X: x, Y: y}
			}
		}
		if ms, ok := u.Float("lastSeen"); ok {
			user.LastSeen = int64(ms)
		}
		out[id] = user
	}
	return out
}

// +-------------+
// | Plain reads |
// +-------------+

// Curves returns the current curve set as plain values, fully detached from
// the document.
func (r *Replicated) Curves() []*curve.Curve {
	curves := r.doc.Root().List("curves")
	out := make([]*curve.Curve, 0, curves.Len())
	for i := 0; i < curves.Len(); i++ {
		m := curves.Map(i)
		c := &curve.Curve{Points: []curve.Point{}}
		c.ID, _ = m.String("id")
		c.Color, _ = m.String("color")
		points := m.List("points")
		for j := 0; j < points.Len(); j++ {
			pm := points.Map(j)
			x, _ := pm.Float("x")
			y, _ := pm.Float("y")
			c.Points = append(c.Points, curve.Point{X: x, Y: y})
		}
		out = append(out, c)
	}
	return out
}
