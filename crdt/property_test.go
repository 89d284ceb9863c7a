package crdt_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/curveboard/curveboard/crdt"
)

// Model two replicas making independent mutations with delayed, arbitrarily
// interleaved delivery. Whenever both have seen the same delta set, their
// dumps and saves must agree.
type convergenceMachine struct {
	a, b *crdt.Doc
	// Deltas produced by each side, not yet applied to the other.
	toB, toA [][]byte
}

func (m *convergenceMachine) Init(t *rapid.T) {
	m.a = crdt.NewDoc()
	blob, err := m.a.Transact("seed", func(tx *crdt.Tx) error {
		tx.Root().SetList("items")
		tx.Root().SetMap("attrs")
		return nil
	})
	if err != nil || blob == nil {
		t.Fatalf("seeding: %v", err)
	}
	m.b = crdt.NewDoc()
	if _, err := m.b.Merge(m.a.Save()); err != nil {
		t.Fatalf("forking: %v", err)
	}
	m.toA = nil
	m.toB = nil
}

func (m *convergenceMachine) mutate(t *rapid.T, d *crdt.Doc, label string) []byte {
	blob, err := d.Transact("mutation", func(tx *crdt.Tx) error {
		switch rapid.IntRange(0, 3).Draw(t, label+"-op").(int) {
		case 0:
			s := rapid.StringMatching(`[a-z]{1,4}`).Draw(t, label+"-str").(string)
			items := tx.Root().List("items")
			i := rapid.IntRange(0, items.Len()).Draw(t, label+"-at").(int)
			items.InsertString(i, s)
		case 1:
			items := tx.Root().List("items")
			if items.Len() == 0 {
				return nil
			}
			i := rapid.IntRange(0, items.Len()-1).Draw(t, label+"-del").(int)
			items.Delete(i)
		case 2:
			key := rapid.StringMatching(`[a-c]`).Draw(t, label+"-key").(string)
			val := rapid.Float64Range(-10, 10).Draw(t, label+"-val").(float64)
			tx.Root().Map("attrs").SetFloat(key, val)
		case 3:
			key := rapid.StringMatching(`[a-c]`).Draw(t, label+"-dkey").(string)
			tx.Root().Map("attrs").Delete(key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mutating %s: %v", label, err)
	}
	return blob
}

func (m *convergenceMachine) MutateA(t *rapid.T) {
	if blob := m.mutate(t, m.a, "a"); blob != nil {
		m.toB = append(m.toB, blob)
	}
}

func (m *convergenceMachine) MutateB(t *rapid.T) {
	if blob := m.mutate(t, m.b, "b"); blob != nil {
		m.toA = append(m.toA, blob)
	}
}

// DeliverOne applies a random pending delta to a random side, possibly out of
// order.
func (m *convergenceMachine) DeliverOne(t *rapid.T) {
	if len(m.toA) == 0 && len(m.toB) == 0 {
		t.Skip("nothing in flight")
	}
	pickA := len(m.toA) > 0 && (len(m.toB) == 0 || rapid.IntRange(0, 1).Draw(t, "side").(int) == 0)
	if pickA {
		i := rapid.IntRange(0, len(m.toA)-1).Draw(t, "ia").(int)
		if err := m.a.ApplyDelta(m.toA[i]); err != nil {
			t.Fatalf("applying to a: %v", err)
		}
		m.toA = append(m.toA[:i], m.toA[i+1:]...)
	} else {
		i := rapid.IntRange(0, len(m.toB)-1).Draw(t, "ib").(int)
		if err := m.b.ApplyDelta(m.toB[i]); err != nil {
			t.Fatalf("applying to b: %v", err)
		}
		m.toB = append(m.toB[:i], m.toB[i+1:]...)
	}
}

// Sync drains both directions and verifies convergence.
func (m *convergenceMachine) Sync(t *rapid.T) {
	for _, blob := range m.toA {
		if err := m.a.ApplyDelta(blob); err != nil {
			t.Fatalf("draining to a: %v", err)
		}
	}
	for _, blob := range m.toB {
		if err := m.b.ApplyDelta(blob); err != nil {
			t.Fatalf("draining to b: %v", err)
		}
	}
	m.toA = nil
	m.toB = nil

	if diff := cmp.Diff(m.a.Dump(), m.b.Dump()); diff != "" {
		t.Fatalf("replicas diverged (-a +b):\n%s", diff)
	}
	if string(m.a.Save()) != string(m.b.Save()) {
		t.Fatal("saves differ for equal op sets")
	}
}

func (m *convergenceMachine) Check(t *rapid.T) {
	// Invariants that hold regardless of delivery state are cheap: dumps
	// must always be well-formed maps.
	if m.a.Dump() == nil || m.b.Dump() == nil {
		t.Fatal("dump returned nil")
	}
}

func TestConvergenceProperty(t *testing.T) {
	rapid.Check(t, rapid.Run(&convergenceMachine{}))
}
