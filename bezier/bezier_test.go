package bezier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/curveboard/curveboard/bezier"
)

func TestEvaluateBoundaries(t *testing.T) {
	pts := []bezier.Point{{X: 0, Y: 0}, {X: 10, Y: 40}, {X: 50, Y: 40}, {X: 60, Y: 0}}

	assert.Equal(t, pts[0], bezier.Evaluate(pts, 0))
	assert.Equal(t, pts[len(pts)-1], bezier.Evaluate(pts, 1))
}

func TestEvaluateSinglePoint(t *testing.T) {
	p := bezier.Point{X: 3, Y: 7}
	for _, u := range []float64{0, 0.25, 0.5, 1} {
		assert.Equal(t, p, bezier.Evaluate([]bezier.Point{p}, u))
	}
}

func TestEvaluateEmpty(t *testing.T) {
	assert.Equal(t, bezier.Point{}, bezier.Evaluate(nil, 0.5))
}

func TestEvaluateLinearMidpoint(t *testing.T) {
	pts := []bezier.Point{{X: 0, Y: 0}, {X: 10, Y: 20}}
	got := bezier.Evaluate(pts, 0.5)
	assert.Equal(t, bezier.Point{X: 5, Y: 10}, got)
}

func TestSample(t *testing.T) {
	pts := []bezier.Point{{X: 0, Y: 0}, {X: 10, Y: 0}}
	samples := bezier.Sample(pts, 10)

	assert.Len(t, samples, 11)
	assert.Equal(t, pts[0], samples[0])
	assert.Equal(t, pts[1], samples[10])
	assert.Equal(t, bezier.Point{X: 5, Y: 0}, samples[5])
}
