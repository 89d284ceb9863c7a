/*
Package command defines the closed family of reversible mutations over the
curve store.

Every command carries value copies of the points and curves it touches, taken
at construction time, so that later mutation of the originals cannot alter
undo behavior. Commands whose target has disappeared execute as silent no-ops;
they still enter history for shape symmetry.
*/
package command

import (
	"fmt"

	"github.com/curveboard/curveboard/curve"
)

// Command is a reversible operation over the curve store.
type Command interface {
	// Execute applies the command to the store.
	Execute(s *curve.Store)
	// Undo reverts the command, assuming Execute was the last mutation.
	Undo(s *curve.Store)
	// AffectedCurveID returns the natural target of the command, used to
	// update the active selection after undo/redo. Empty if none.
	AffectedCurveID() string
	// Description returns a human-readable summary for history displays.
	Description() string
	// Serialize returns the wire form of the command.
	Serialize() (Serialized, error)
}

// +-----------+
// | Add point |
// +-----------+

// AddPoint appends a point to a curve.
type AddPoint struct {
	CurveID string
	Color   string
	Point   curve.Point
}

// NewAddPoint creates a command appending a copy of p to the named curve.
func NewAddPoint(curveID, color string, p curve.Point) *AddPoint {
	return &AddPoint{CurveID: curveID, Color: color, Point: p}
}

func (c *AddPoint) Execute(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil {
		return
	}
	target.Points = append(target.Points, c.Point)
}

func (c *AddPoint) Undo(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil || len(target.Points) == 0 {
		return
	}
	target.Points = target.Points[:len(target.Points)-1]
}

func (c *AddPoint) AffectedCurveID() string { return c.CurveID }

func (c *AddPoint) Description() string {
	return fmt.Sprintf("add point to %s curve", curve.ColorName(c.Color))
}

// +--------------+
// | Remove point |
// +--------------+

// RemovePoint removes the point at a given index. The caller passes the value
// being removed; that value is what undo re-inserts.
type RemovePoint struct {
	CurveID string
	Color   string
	Index   int
	Point   curve.Point
}

// NewRemovePoint creates a command removing points[index] from the named
// curve. p must be the value currently at that index.
func NewRemovePoint(curveID, color string, index int, p curve.Point) *RemovePoint {
	return &RemovePoint{CurveID: curveID, Color: color, Index: index, Point: p}
}

func (c *RemovePoint) Execute(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil || c.Index < 0 || c.Index >= len(target.Points) {
		return
	}
	target.Points = append(target.Points[:c.Index], target.Points[c.Index+1:]...)
}

func (c *RemovePoint) Undo(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil || c.Index < 0 || c.Index > len(target.Points) {
		return
	}
	target.Points = append(target.Points, curve.Point{})
	copy(target.Points[c.Index+1:], target.Points[c.Index:])
	target.Points[c.Index] = c.Point
}

func (c *RemovePoint) AffectedCurveID() string { return c.CurveID }

func (c *RemovePoint) Description() string {
	return fmt.Sprintf("remove point from %s curve", curve.ColorName(c.Color))
}

// +------------+
// | Move point |
// +------------+

// MovePoint overwrites the point at a given index.
type MovePoint struct {
	CurveID  string
	Color    string
	Index    int
	OldPoint curve.Point
	NewPoint curve.Point
}

// NewMovePoint creates a command moving points[index] from oldPoint to
// newPoint on the named curve.
func NewMovePoint(curveID, color string, index int, oldPoint, newPoint curve.Point) *MovePoint {
	return &MovePoint{CurveID: curveID, Color: color, Index: index, OldPoint: oldPoint, NewPoint: newPoint}
}

func (c *MovePoint) Execute(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil || c.Index < 0 || c.Index >= len(target.Points) {
		return
	}
	target.Points[c.Index] = c.NewPoint
}

func (c *MovePoint) Undo(s *curve.Store) {
	target := s.Curve(c.CurveID)
	if target == nil || c.Index < 0 || c.Index >= len(target.Points) {
		return
	}
	target.Points[c.Index] = c.OldPoint
}

func (c *MovePoint) AffectedCurveID() string { return c.CurveID }

func (c *MovePoint) Description() string {
	return fmt.Sprintf("move point on %s curve", curve.ColorName(c.Color))
}

// +-----------+
// | Add curve |
// +-----------+

// AddCurve appends a curve with empty points, taking only the ID and color
// from its argument.
type AddCurve struct {
	Curve *curve.Curve
}

// NewAddCurve creates a command appending the given curve. Whatever points the
// argument carries are discarded: the curve is always added empty.
func NewAddCurve(c *curve.Curve) *AddCurve {
	return &AddCurve{Curve: &curve.Curve{ID: c.ID, Color: c.Color, Points: []curve.Point{}}}
}

func (c *AddCurve) Execute(s *curve.Store) {
	s.AppendCurve(c.Curve.Clone())
}

func (c *AddCurve) Undo(s *curve.Store) {
	s.RemoveCurveAt(s.CurveIndex(c.Curve.ID))
}

func (c *AddCurve) AffectedCurveID() string { return c.Curve.ID }

func (c *AddCurve) Description() string {
	return fmt.Sprintf("add %s curve", curve.ColorName(c.Curve.Color))
}

// +--------------+
// | Remove curve |
// +--------------+

// RemoveCurve splices a curve out of the store. Active-selection fallback and
// the never-empty invariant are the store's concern, not the command's.
type RemoveCurve struct {
	Curve *curve.Curve
	Index int

	// prevActive is the selection observed at execution, restored on undo.
	prevActive string
}

// NewRemoveCurve creates a command removing the given curve, currently at the
// given index. The curve is deep-copied for undo.
func NewRemoveCurve(c *curve.Curve, index int) *RemoveCurve {
	return &RemoveCurve{Curve: c.Clone(), Index: index}
}

func (c *RemoveCurve) Execute(s *curve.Store) {
	c.prevActive = s.ActiveID()
	s.RemoveCurve(c.Curve.ID)
}

func (c *RemoveCurve) Undo(s *curve.Store) {
	s.InsertCurveAt(c.Curve.Clone(), c.Index)
	s.SetActive(c.prevActive)
}

func (c *RemoveCurve) AffectedCurveID() string { return c.Curve.ID }

func (c *RemoveCurve) Description() string {
	return fmt.Sprintf("remove %s curve", curve.ColorName(c.Curve.Color))
}

// +-------------+
// | Load curves |
// +-------------+

// LoadCurves atomically replaces the entire curve sequence.
type LoadCurves struct {
	New []*curve.Curve
	Old []*curve.Curve

	// prevActive is the selection observed at execution, restored on undo.
	prevActive string
}

// NewLoadCurves creates a command replacing the whole curve sequence. Both
// sequences are deep-copied at construction.
func NewLoadCurves(newCurves, oldCurves []*curve.Curve) *LoadCurves {
	return &LoadCurves{
		New: curve.CloneCurves(newCurves),
		Old: curve.CloneCurves(oldCurves),
	}
}

func (c *LoadCurves) Execute(s *curve.Store) {
	c.prevActive = s.ActiveID()
	s.ReplaceAll(curve.CloneCurves(c.New))
	if len(c.New) > 0 {
		s.SetActive(c.New[0].ID)
	}
}

func (c *LoadCurves) Undo(s *curve.Store) {
	s.ReplaceAll(curve.CloneCurves(c.Old))
	s.SetActive(c.prevActive)
}

func (c *LoadCurves) AffectedCurveID() string {
	if len(c.New) == 0 {
		return ""
	}
	return c.New[0].ID
}

func (c *LoadCurves) Description() string {
	return fmt.Sprintf("load %d curves", len(c.New))
}

// +------------------+
// | Remote overwrite |
// +------------------+

// RemoteOverwrite replaces the entire curve sequence with state received from
// a peer. It is applied outside the local history tree and is not reversible.
type RemoteOverwrite struct {
	New []*curve.Curve
}

// NewRemoteOverwrite creates a command applying remote curve state. The
// sequence is deep-copied at construction.
func NewRemoteOverwrite(newCurves []*curve.Curve) *RemoteOverwrite {
	return &RemoteOverwrite{New: curve.CloneCurves(newCurves)}
}

func (c *RemoteOverwrite) Execute(s *curve.Store) {
	s.ReplaceAll(curve.CloneCurves(c.New))
}

// Undo must never be called: remote overwrites are not placed in the local
// history tree. Invoking it is a programming error.
func (c *RemoteOverwrite) Undo(s *curve.Store) {
	panic("command: RemoteOverwrite is not undoable")
}

func (c *RemoteOverwrite) AffectedCurveID() string {
	if len(c.New) == 0 {
		return ""
	}
	return c.New[0].ID
}

func (c *RemoteOverwrite) Description() string {
	return "apply remote changes"
}
