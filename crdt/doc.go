/*
Package crdt provides a replicated document that can be copied across multiple
sites in a distributed environment, mutated independently at each site, and
merged back without conflicts.

The document is a tree of maps, lists and primitive values, represented as an
operation log. Each operation is identified by the site that created it, its
position in that site's yarn (the site-local sequence of operations), and a
Lamport timestamp:

  - Map keys are last-writer-wins registers, ordered by (timestamp, site).
  - List elements form a causal tree: each insertion names its predecessor,
    concurrent siblings are ordered deterministically, and removals are
    tombstones.

Applying the same set of operations to any two replicas, in any order, yields
identical documents; serialization of a replica is byte-stable for equal
operation sets.
*/
package crdt

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var (
	uuidv1 = randomUUIDv1 // Stubbed for mocking in mocks_test.go
)

// +-----------------------+
// | Basic data structures |
// +-----------------------+

// OpID is the unique identifier of an operation. The zero OpID denotes the
// document root (as an object) or the list head (as an insertion reference).
type OpID struct {
	// Site is the UUID of the site that created the operation.
	Site uuid.UUID `json:"site"`
	// Index is the order of creation of this operation in the given site.
	// Or: the operation index on its site's yarn.
	Index uint64 `json:"index"`
	// Clock is the site's Lamport timestamp when the operation was created.
	Clock uint64 `json:"clock"`
}

// IsZero reports whether the ID is the zero (root/head) ID.
func (id OpID) IsZero() bool {
	return id == OpID{}
}

// Compare returns the relative order between operation IDs.
func (id OpID) Compare(other OpID) int {
	// Ascending according to timestamp (older first)
	if id.Clock < other.Clock {
		return -1
	}
	if id.Clock > other.Clock {
		return +1
	}
	// Descending according to site (younger first)
	return -bytes.Compare(id.Site[:], other.Site[:])
}

func (id OpID) String() string {
	return fmt.Sprintf("S%s@T%02d", id.Site, id.Clock)
}

// OpKind is the kind of a document operation.
type OpKind uint8

const (
	// OpSet writes a map key.
	OpSet OpKind = iota + 1
	// OpDel clears a map key.
	OpDel
	// OpInsert inserts a list element after a reference element.
	OpInsert
	// OpRemove tombstones a list element.
	OpRemove
)

// Op is an atomic operation on the document.
type Op struct {
	// ID is the identifier of this operation. An operation that creates a
	// container (map or list value) also names the new container by this ID.
	ID OpID `json:"id"`
	// Obj is the container the operation targets. Zero is the root map.
	Obj OpID `json:"obj"`
	// Kind is the operation kind.
	Kind OpKind `json:"kind"`
	// Key is the map key, for OpSet and OpDel.
	Key string `json:"key,omitempty"`
	// Ref is the predecessor element for OpInsert (zero for the list head)
	// and the target element for OpRemove.
	Ref OpID `json:"ref"`
	// Val is the written value, for OpSet and OpInsert.
	Val Value `json:"val"`
}

// ValueKind is the type of a document value.
type ValueKind uint8

const (
	// ValueNull is the explicit null value.
	ValueNull ValueKind = iota
	// ValueString is a string primitive.
	ValueString
	// ValueFloat is a numeric primitive.
	ValueFloat
	// ValueBool is a boolean primitive.
	ValueBool
	// ValueMap creates a fresh map container.
	ValueMap
	// ValueList creates a fresh list container.
	ValueList
)

// Value is a primitive value or a container marker.
type Value struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
}

// StringValue wraps a string primitive.
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// FloatValue wraps a numeric primitive.
func FloatValue(f float64) Value { return Value{Kind: ValueFloat, Num: f} }

// BoolValue wraps a boolean primitive.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

func (v Value) isContainer() bool {
	return v.Kind == ValueMap || v.Kind == ValueList
}

// +------------------+
// | Materialized state |
// +------------------+

// entry is the winning register of a map key.
type entry struct {
	id      OpID
	val     Value
	deleted bool
}

// elem is a list element: a node of the list's causal tree. Concurrent
// siblings are kept in descending ID order, so the flattened pre-order walk
// is identical on every replica.
type elem struct {
	id       OpID
	val      Value
	deleted  bool
	children []*elem
}

// object is a materialized container.
type object struct {
	id   OpID
	kind ValueKind
	// Map state.
	entries map[string]*entry
	// List state.
	elems map[OpID]*elem
	head  []*elem // Elements inserted at the list head, descending ID order.
}

func newObject(id OpID, kind ValueKind) *object {
	o := &object{id: id, kind: kind}
	switch kind {
	case ValueMap:
		o.entries = make(map[string]*entry)
	case ValueList:
		o.elems = make(map[OpID]*elem)
	}
	return o
}

// walk invokes f with every element of the list in document order, tombstones
// included. The closure returns false to cut the traversal short.
func (o *object) walk(f func(*elem) bool) {
	var visit func(els []*elem) bool
	visit = func(els []*elem) bool {
		for _, el := range els {
			if !f(el) {
				return false
			}
			if !visit(el.children) {
				return false
			}
		}
		return true
	}
	visit(o.head)
}

// visible returns the non-tombstoned elements in document order.
func (o *object) visible() []*elem {
	var els []*elem
	o.walk(func(el *elem) bool {
		if !el.deleted {
			els = append(els, el)
		}
		return true
	})
	return els
}

// +----------+
// | Document |
// +----------+

// Doc is a replicated document.
type Doc struct {
	site    uuid.UUID
	clock   uint64
	yarns   map[uuid.UUID][]Op
	objects map[OpID]*object
	root    *object
	// pending holds remote operations whose yarn predecessor or target is
	// not yet known. They are retried after every applied batch.
	pending []Op
}

// NewDoc creates an empty document with a fresh site ID.
func NewDoc() *Doc {
	return &Doc{
		site:    uuidv1(),
		clock:   1, // Clock 0 is considered invalid.
		yarns:   make(map[uuid.UUID][]Op),
		objects: make(map[OpID]*object),
		root:    newObject(OpID{}, ValueMap),
	}
}

// Site returns this replica's site ID.
func (d *Doc) Site() uuid.UUID {
	return d.site
}

// object resolves a container ID, with zero meaning the root map.
func (d *Doc) object(id OpID) *object {
	if id.IsZero() {
		return d.root
	}
	return d.objects[id]
}

// canApply reports whether the operation's container and references are
// already materialized.
func (d *Doc) canApply(op Op) bool {
	obj := d.object(op.Obj)
	if obj == nil {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if obj.kind != ValueList {
			return true // Will be rejected by applyOp, not parked.
		}
		return op.Ref.IsZero() || obj.elems[op.Ref] != nil
	case OpRemove:
		if obj.kind != ValueList {
			return true
		}
		return obj.elems[op.Ref] != nil
	}
	return true
}

// applyOp integrates one operation into the materialized state. The caller
// has established with canApply that references resolve.
func (d *Doc) applyOp(op Op) {
	// A container-creating operation registers its object even when it loses
	// the register race: operations from other sites may already target it.
	if op.Val.isContainer() && (op.Kind == OpSet || op.Kind == OpInsert) {
		if d.objects[op.ID] == nil {
			d.objects[op.ID] = newObject(op.ID, op.Val.Kind)
		}
	}
	obj := d.object(op.Obj)
	switch op.Kind {
	case OpSet, OpDel:
		if obj.kind != ValueMap {
			return
		}
		cur, ok := obj.entries[op.Key]
		if ok && cur.id.Compare(op.ID) >= 0 {
			return // Last writer wins.
		}
		obj.entries[op.Key] = &entry{id: op.ID, val: op.Val, deleted: op.Kind == OpDel}
	case OpInsert:
		if obj.kind != ValueList {
			return
		}
		if obj.elems[op.ID] != nil {
			return
		}
		el := &elem{id: op.ID, val: op.Val}
		obj.elems[op.ID] = el
		siblings := &obj.head
		if !op.Ref.IsZero() {
			siblings = &obj.elems[op.Ref].children
		}
		insertSibling(siblings, el)
	case OpRemove:
		if obj.kind != ValueList {
			return
		}
		obj.elems[op.Ref].deleted = true
	}
}

// insertSibling places el among its siblings in descending ID order.
func insertSibling(siblings *[]*elem, el *elem) {
	s := *siblings
	i := 0
	for i < len(s) && s[i].id.Compare(el.id) > 0 {
		i++
	}
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = el
	*siblings = s
}

// integrate offers one remote operation to the document. It returns false if
// the operation must wait for a predecessor (yarn gap or unresolved
// reference), true if it was applied or is already known.
func (d *Doc) integrate(op Op) bool {
	yarn := d.yarns[op.ID.Site]
	n := uint64(len(yarn))
	if op.ID.Index < n {
		return true // Already known.
	}
	if op.ID.Index > n {
		return false // Gap in the site's yarn.
	}
	if !d.canApply(op) {
		return false
	}
	d.yarns[op.ID.Site] = append(yarn, op)
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
	d.applyOp(op)
	return true
}

// integrateAll applies a batch of remote operations plus any parked ones,
// retrying until a fixpoint. Leftovers stay parked.
func (d *Doc) integrateAll(ops []Op) {
	queue := append(d.pending, ops...)
	d.pending = nil
	for {
		var remaining []Op
		progress := false
		for _, op := range queue {
			if d.integrate(op) {
				progress = true
			} else {
				remaining = append(remaining, op)
			}
		}
		queue = remaining
		if !progress || len(queue) == 0 {
			break
		}
	}
	d.pending = queue
}

// nextOp mints a local operation and applies it immediately.
func (d *Doc) nextOp(kind OpKind, obj OpID, key string, ref OpID, val Value) Op {
	d.clock++
	op := Op{
		ID: OpID{
			Site:  d.site,
			Index: uint64(len(d.yarns[d.site])),
			Clock: d.clock,
		},
		Obj:  obj,
		Kind: kind,
		Key:  key,
		Ref:  ref,
		Val:  val,
	}
	d.yarns[d.site] = append(d.yarns[d.site], op)
	d.applyOp(op)
	return op
}

// +-------------+
// | Plain reads |
// +-------------+

// Dump converts the materialized document to plain Go values: maps of
// string to any, slices of any, and primitives. The result shares no
// state with the document.
func (d *Doc) Dump() map[string]any {
	return d.dumpMap(d.root)
}

func (d *Doc) dumpMap(o *object) map[string]any {
	m := make(map[string]any, len(o.entries))
	for key, e := range o.entries {
		if e.deleted {
			continue
		}
		m[key] = d.dumpValue(e.id, e.val)
	}
	return m
}

func (d *Doc) dumpList(o *object) []any {
	els := o.visible()
	out := make([]any, len(els))
	for i, el := range els {
		out[i] = d.dumpValue(el.id, el.val)
	}
	return out
}

func (d *Doc) dumpValue(id OpID, v Value) any {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueFloat:
		return v.Num
	case ValueBool:
		return v.Bool
	case ValueMap:
		if o := d.objects[id]; o != nil {
			return d.dumpMap(o)
		}
		return map[string]any{}
	case ValueList:
		if o := d.objects[id]; o != nil {
			return d.dumpList(o)
		}
		return []any{}
	default:
		return nil
	}
}

// +-----------+
// | Utilities |
// +-----------+

// Provides a random MAC address.
func randomMAC() []byte {
	mac := make([]byte, 6)
	if _, err := io.ReadFull(rand.Reader, mac); err != nil {
		panic(err.Error())
	}
	return mac
}

// Create UUIDv1, using local timestamp as lower bits and random MAC.
func randomUUIDv1() uuid.UUID {
	uuid.SetNodeID(randomMAC())
	id, err := uuid.NewUUID()
	if err != nil {
		panic(fmt.Sprintf("creating UUIDv1: %v", err))
	}
	return id
}
