/*
Package curve holds the document state of the editor: a set of parametric
curves, each an ordered sequence of control points, plus the active selection.

The store is the single authority for curve identity and palette assignment.
Commands (package command) mutate it, the history tree replays it, and the
replicated document mirrors it.
*/
package curve

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/curveboard/curveboard/bezier"
)

// Point is a position in the 2D plane.
type Point = bezier.Point

// Palette is the fixed set of curve colors, cycled in order as curves are
// created.
var Palette = []string{
	"#4a9eff",
	"#ff4a9e",
	"#4aff9e",
	"#ff9e4a",
	"#9e4aff",
	"#4afff9",
}

// colorNames maps palette colors to the names used in history descriptions.
var colorNames = map[string]string{
	"#4a9eff": "blue",
	"#ff4a9e": "pink",
	"#4aff9e": "green",
	"#ff9e4a": "orange",
	"#9e4aff": "purple",
	"#4afff9": "cyan",
}

// ColorName returns the human-readable name of a palette color, or "unknown"
// for any other value.
func ColorName(hex string) string {
	if name, ok := colorNames[hex]; ok {
		return name
	}
	return "unknown"
}

var (
	randRead = rand.Reader // Randomness source for NewID.
)

// NewID returns a fresh opaque curve ID: 12 random bytes, hex-encoded.
func NewID() string {
	bs := make([]byte, 12)
	if _, err := io.ReadFull(randRead, bs); err != nil {
		panic(fmt.Sprintf("generating curve ID: %v", err))
	}
	return hex.EncodeToString(bs)
}

// Curve is an ordered sequence of control points with a stable identity and a
// palette color. Insertion order of points is significant. A curve with fewer
// than two points is inert: rendered but not evaluable.
type Curve struct {
	ID     string  `json:"id"`
	Color  string  `json:"color"`
	Points []Point `json:"points"`
}

// Clone returns a deep copy of the curve.
func (c *Curve) Clone() *Curve {
	return &Curve{
		ID:     c.ID,
		Color:  c.Color,
		Points: ClonePoints(c.Points),
	}
}

// ClonePoints returns a copy of a point sequence. Nil stays nil.
func ClonePoints(ps []Point) []Point {
	if ps == nil {
		return nil
	}
	cp := make([]Point, len(ps))
	copy(cp, ps)
	return cp
}

// CloneCurves returns a deep copy of a curve sequence.
func CloneCurves(cs []*Curve) []*Curve {
	cp := make([]*Curve, len(cs))
	for i, c := range cs {
		cp[i] = c.Clone()
	}
	return cp
}

// IsFinite reports whether both coordinates are finite numbers.
func IsFinite(p Point) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}
