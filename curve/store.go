package curve

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/curveboard/curveboard/bezier"
)

// hitSampleSteps is the number of parameter steps used when hit-testing a
// curve against a position.
const hitSampleSteps = 50

// Store holds the set of curves and the active selection.
//
// Invariants: curve IDs are unique; the active ID, when set, names an existing
// curve; the store never becomes empty through user action (removing the last
// curve re-seeds a fresh empty one with the next palette color).
type Store struct {
	curves    []*Curve
	activeID  string
	nextColor int
}

// NewStore creates a store seeded with one empty curve, which is active.
func NewStore() *Store {
	s := &Store{}
	s.AddCurve()
	return s
}

// NewEmpty creates a store with no curves at all. It is used to replay
// recorded command histories, which begin from a truly empty curves state.
func NewEmpty() *Store {
	return &Store{}
}

// NextPaletteColor returns the next palette color, advancing the cycle.
// Assignment is deterministic given call order.
func (s *Store) NextPaletteColor() string {
	color := Palette[s.nextColor%len(Palette)]
	s.nextColor++
	return color
}

// AddCurve appends a fresh empty curve with the next palette color, makes it
// active, and returns its ID.
func (s *Store) AddCurve() string {
	c := &Curve{
		ID:     NewID(),
		Color:  s.NextPaletteColor(),
		Points: []Point{},
	}
	s.curves = append(s.curves, c)
	s.activeID = c.ID
	return c.ID
}

// AppendCurve appends an existing curve value. The curve is stored as given,
// without copying, so pass a copy if the original may mutate.
func (s *Store) AppendCurve(c *Curve) {
	s.curves = append(s.curves, c)
}

// InsertCurveAt inserts a curve at the given index, clamped to the valid
// range.
func (s *Store) InsertCurveAt(c *Curve, i int) {
	if i < 0 {
		i = 0
	}
	if i > len(s.curves) {
		i = len(s.curves)
	}
	s.curves = append(s.curves, nil)
	copy(s.curves[i+1:], s.curves[i:])
	s.curves[i] = c
}

// RemoveCurve removes the curve with the given ID. If it was active, the first
// remaining curve becomes active; if none remain, a fresh empty curve is
// added. Unknown IDs are ignored.
func (s *Store) RemoveCurve(id string) {
	i := s.CurveIndex(id)
	if i < 0 {
		return
	}
	s.curves = append(s.curves[:i], s.curves[i+1:]...)
	if len(s.curves) == 0 {
		s.AddCurve()
		return
	}
	if s.activeID == id {
		s.activeID = s.curves[0].ID
	}
}

// RemoveCurveAt removes the curve at the given index without re-seeding or
// retargeting the selection. It is the low-level splice used by command undo.
func (s *Store) RemoveCurveAt(i int) {
	if i < 0 || i >= len(s.curves) {
		return
	}
	s.curves = append(s.curves[:i], s.curves[i+1:]...)
}

// Curve returns the curve with the given ID, or nil.
func (s *Store) Curve(id string) *Curve {
	i := s.CurveIndex(id)
	if i < 0 {
		return nil
	}
	return s.curves[i]
}

// CurveIndex returns the index of the curve with the given ID, or -1.
func (s *Store) CurveIndex(id string) int {
	for i, c := range s.curves {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Curves returns the underlying curve sequence. Callers must not reorder it;
// use Snapshot for a safe copy.
func (s *Store) Curves() []*Curve {
	return s.curves
}

// Snapshot returns a deep copy of the curve sequence.
func (s *Store) Snapshot() []*Curve {
	return CloneCurves(s.curves)
}

// Len returns the number of curves.
func (s *Store) Len() int {
	return len(s.curves)
}

// SetActive makes the given curve active. Unknown IDs are ignored.
func (s *Store) SetActive(id string) {
	if s.CurveIndex(id) < 0 {
		return
	}
	s.activeID = id
}

// ActiveID returns the ID of the active curve, or the empty string.
func (s *Store) ActiveID() string {
	return s.activeID
}

// ActiveCurve returns the active curve, or nil.
func (s *Store) ActiveCurve() *Curve {
	return s.Curve(s.activeID)
}

// ActivePoints returns a copy of the active curve's points.
func (s *Store) ActivePoints() []Point {
	c := s.ActiveCurve()
	if c == nil {
		return nil
	}
	return ClonePoints(c.Points)
}

// SetActivePoints replaces the active curve's points with a copy of the given
// sequence. No-op without an active curve.
func (s *Store) SetActivePoints(ps []Point) {
	c := s.ActiveCurve()
	if c == nil {
		return
	}
	c.Points = ClonePoints(ps)
}

// ReplaceAll swaps in an entirely new curve sequence. The previous active
// selection is kept if its curve survives; otherwise the first curve becomes
// active. The slice is adopted as-is; callers pass copies.
func (s *Store) ReplaceAll(curves []*Curve) {
	s.curves = curves
	if s.CurveIndex(s.activeID) >= 0 {
		return
	}
	if len(s.curves) > 0 {
		s.activeID = s.curves[0].ID
	} else {
		s.activeID = ""
	}
}

// ClearAll drops every curve and creates one empty curve.
func (s *Store) ClearAll() {
	s.curves = nil
	s.AddCurve()
}

// FindCurveAtPosition samples every curve at regular parameter steps and
// returns the ID of the first one that comes within threshold of p. Inert
// curves (fewer than two points) are compared against their control points
// directly.
func (s *Store) FindCurveAtPosition(p Point, threshold float64) (string, bool) {
	for _, c := range s.curves {
		var samples []Point
		if len(c.Points) < 2 {
			samples = c.Points
		} else {
			samples = bezier.Sample(c.Points, hitSampleSteps)
		}
		for _, q := range samples {
			dx, dy := q.X-p.X, q.Y-p.Y
			if dx*dx+dy*dy <= threshold*threshold {
				return c.ID, true
			}
		}
	}
	return "", false
}

// +---------------+
// | Serialization |
// +---------------+

// storeJSON is the persistent file shape.
type storeJSON struct {
	Curves        []*Curve `json:"curves"`
	ActiveCurveID string   `json:"activeCurveId,omitempty"`
}

// legacyJSON is the single-curve shape written by early versions.
type legacyJSON struct {
	Points []Point `json:"points"`
}

// MarshalJSON serializes the store in the current file shape.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(storeJSON{
		Curves:        s.curves,
		ActiveCurveID: s.activeID,
	})
}

// LoadJSON replaces the store contents from a serialized document. Both the
// current shape and the legacy single-curve shape are accepted. On any
// validation failure the store is left unchanged and the reason is returned.
func (s *Store) LoadJSON(data []byte) error {
	var doc storeJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	if doc.Curves == nil {
		// Try the legacy shape with a single anonymous curve.
		var legacy legacyJSON
		if err := json.Unmarshal(data, &legacy); err != nil || legacy.Points == nil {
			return fmt.Errorf("document has neither %q nor %q", "curves", "points")
		}
		for i, p := range legacy.Points {
			if !IsFinite(p) {
				return fmt.Errorf("point %d has non-finite coordinates", i)
			}
		}
		c := &Curve{
			ID:     fmt.Sprintf("curve-%d", time.Now().UnixMilli()),
			Color:  Palette[0],
			Points: ClonePoints(legacy.Points),
		}
		s.curves = []*Curve{c}
		s.activeID = c.ID
		return nil
	}
	seen := make(map[string]bool)
	for i, c := range doc.Curves {
		if c == nil || c.ID == "" {
			return fmt.Errorf("curve %d is missing an id", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate curve id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Color == "" {
			return fmt.Errorf("curve %q is missing a color", c.ID)
		}
		for j, p := range c.Points {
			if !IsFinite(p) {
				return fmt.Errorf("curve %q point %d has non-finite coordinates", c.ID, j)
			}
		}
	}
	if doc.ActiveCurveID != "" && !seen[doc.ActiveCurveID] {
		return fmt.Errorf("active curve %q does not exist", doc.ActiveCurveID)
	}
	s.curves = CloneCurves(doc.Curves)
	s.activeID = doc.ActiveCurveID
	if s.activeID == "" && len(s.curves) > 0 {
		s.activeID = s.curves[0].ID
	}
	return nil
}
