package crdt_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curveboard/curveboard/crdt"
)

// transact runs a mutation and fails the test on error.
func transact(t *testing.T, d *crdt.Doc, fn func(*crdt.Tx)) []byte {
	t.Helper()
	blob, err := d.Transact("test", func(tx *crdt.Tx) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
	return blob
}

// fork creates a second replica holding the same state as d.
func fork(t *testing.T, d *crdt.Doc) *crdt.Doc {
	t.Helper()
	remote := crdt.NewDoc()
	_, err := remote.Merge(d.Save())
	require.NoError(t, err)
	return remote
}

func TestMapSetAndRead(t *testing.T) {
	d := crdt.NewDoc()
	transact(t, d, func(tx *crdt.Tx) {
		root := tx.Root()
		root.SetString("name", "curves")
		root.SetFloat("zoom", 1.5)
		root.SetBool("snap", true)
		root.SetNull("selection")
	})

	root := d.Root()
	name, ok := root.String("name")
	require.True(t, ok)
	assert.Equal(t, "curves", name)
	zoom, ok := root.Float("zoom")
	require.True(t, ok)
	assert.Equal(t, 1.5, zoom)
	snap, ok := root.Bool("snap")
	require.True(t, ok)
	assert.True(t, snap)
	assert.True(t, root.IsNull("selection"))
	assert.False(t, root.Has("missing"))
}

func TestMapDelete(t *testing.T) {
	d := crdt.NewDoc()
	transact(t, d, func(tx *crdt.Tx) {
		tx.Root().SetString("name", "curves")
	})
	transact(t, d, func(tx *crdt.Tx) {
		tx.Root().Delete("name")
	})
	assert.False(t, d.Root().Has("name"))
}

func TestListInsertOrder(t *testing.T) {
	d := crdt.NewDoc()
	transact(t, d, func(tx *crdt.Tx) {
		list := tx.Root().SetList("items")
		list.AppendString("a")
		list.AppendString("c")
		list.InsertString(1, "b")
		list.InsertString(0, "start")
	})
	assert.Equal(t, []string{"start", "a", "b", "c"}, d.Root().List("items").Strings())
}

func TestListDelete(t *testing.T) {
	d := crdt.NewDoc()
	transact(t, d, func(tx *crdt.Tx) {
		list := tx.Root().SetList("items")
		list.AppendString("a")
		list.AppendString("b")
		list.AppendString("c")
	})
	transact(t, d, func(tx *crdt.Tx) {
		tx.Root().List("items").Delete(1)
	})
	assert.Equal(t, []string{"a", "c"}, d.Root().List("items").Strings())
}

func TestEmptyTransactionYieldsNoDelta(t *testing.T) {
	d := crdt.NewDoc()
	blob := transact(t, d, func(tx *crdt.Tx) {})
	assert.Nil(t, blob)
}

func TestMutationOutsideTransactionPanics(t *testing.T) {
	d := crdt.NewDoc()
	assert.Panics(t, func() {
		d.Root().SetString("name", "boom")
	})
}

func TestDeltaExchangeConverges(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetList("items")
	})
	b := fork(t, a)

	// Concurrent appends on both replicas.
	fromA := transact(t, a, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("from-a")
	})
	fromB := transact(t, b, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("from-b")
	})

	// Cross-apply in opposite orders.
	require.NoError(t, a.ApplyDelta(fromB))
	require.NoError(t, b.ApplyDelta(fromA))

	gotA := a.Root().List("items").Strings()
	gotB := b.Root().List("items").Strings()
	assert.Equal(t, gotA, gotB)
	assert.ElementsMatch(t, []string{"from-a", "from-b"}, gotA)
}

func TestConcurrentMapWritesPickOneWinner(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetString("color", "unset")
	})
	b := fork(t, a)

	fromA := transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetString("color", "red")
	})
	fromB := transact(t, b, func(tx *crdt.Tx) {
		tx.Root().SetString("color", "green")
	})
	require.NoError(t, a.ApplyDelta(fromB))
	require.NoError(t, b.ApplyDelta(fromA))

	gotA, _ := a.Root().String("color")
	gotB, _ := b.Root().String("color")
	assert.Equal(t, gotA, gotB)
	assert.Contains(t, []string{"red", "green"}, gotA)
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetList("items")
	})
	b := fork(t, a)

	delta := transact(t, a, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("once")
	})
	require.NoError(t, b.ApplyDelta(delta))
	require.NoError(t, b.ApplyDelta(delta))

	assert.Equal(t, []string{"once"}, b.Root().List("items").Strings())
}

func TestOutOfOrderDeliveryParksOps(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetList("items")
	})
	b := fork(t, a)

	first := transact(t, a, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("one")
	})
	second := transact(t, a, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("two")
	})

	// Deliver in reverse: the second delta waits for the first.
	require.NoError(t, b.ApplyDelta(second))
	assert.Empty(t, b.Root().List("items").Strings())
	require.NoError(t, b.ApplyDelta(first))
	assert.Equal(t, []string{"one", "two"}, b.Root().List("items").Strings())
}

func TestMalformedBlobRejected(t *testing.T) {
	d := crdt.NewDoc()
	err := d.ApplyDelta([]byte("not json"))
	assert.ErrorIs(t, err, crdt.ErrBadDelta)

	_, err = d.Merge([]byte("{"))
	assert.ErrorIs(t, err, crdt.ErrBadDelta)
}

func TestSaveIsByteStable(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		items := tx.Root().SetList("items")
		items.AppendString("x")
		m := tx.Root().SetMap("meta")
		m.SetFloat("version", 2)
	})
	b := fork(t, a)

	delta := transact(t, b, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("y")
	})
	require.NoError(t, a.ApplyDelta(delta))

	// Same op set on both sides: identical bytes.
	assert.True(t, bytes.Equal(a.Save(), b.Save()))
}

func TestMergeRoundTrip(t *testing.T) {
	teardown := crdt.MockUUIDs(
		uuid.MustParse("00000001-8891-11ec-a04c-67855c00505b"),
		uuid.MustParse("00000002-8891-11ec-a04c-67855c00505b"),
	)
	defer teardown()

	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		root := tx.Root()
		root.SetString("title", "doc")
		points := root.SetList("points")
		p := points.AppendMap()
		p.SetFloat("x", 1)
		p.SetFloat("y", 2)
	})

	b := crdt.NewDoc()
	_, err := b.Merge(a.Save())
	require.NoError(t, err)

	if diff := cmp.Diff(a.Dump(), b.Dump()); diff != "" {
		t.Errorf("dump mismatch after merge (-a +b):\n%s", diff)
	}
}

func TestDeltaSince(t *testing.T) {
	a := crdt.NewDoc()
	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().SetList("items")
	})
	base := a.Version()
	baseState := a.Save()

	transact(t, a, func(tx *crdt.Tx) {
		tx.Root().List("items").AppendString("late")
	})

	b := fork(t, a)
	delta, err := a.DeltaSince(base)
	require.NoError(t, err)
	require.NotNil(t, delta)

	// Applying the tail delta to a replica already holding it is harmless.
	require.NoError(t, b.ApplyDelta(delta))
	assert.Equal(t, []string{"late"}, b.Root().List("items").Strings())

	// A replica at the base cut catches up from the tail alone.
	c := crdt.NewDoc()
	_, err = c.Merge(baseState)
	require.NoError(t, err)
	assert.Empty(t, c.Root().List("items").Strings())
	require.NoError(t, c.ApplyDelta(delta))
	assert.Equal(t, []string{"late"}, c.Root().List("items").Strings())

	// Nothing above the current cut.
	empty, err := a.DeltaSince(a.Version())
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestNestedContainers(t *testing.T) {
	d := crdt.NewDoc()
	transact(t, d, func(tx *crdt.Tx) {
		curves := tx.Root().SetList("curves")
		c := curves.AppendMap()
		c.SetString("id", "c1")
		points := c.SetList("points")
		p := points.AppendMap()
		p.SetFloat("x", 10)
		p.SetFloat("y", 20)
	})

	want := map[string]any{
		"curves": []any{
			map[string]any{
				"id": "c1",
				"points": []any{
					map[string]any{"x": 10.0, "y": 20.0},
				},
			},
		},
	}
	if diff := cmp.Diff(want, d.Dump()); diff != "" {
		t.Errorf("dump mismatch (-want +got):\n%s", diff)
	}
}
