package crdt

import "errors"

// Errors returned when decoding change and state blobs.
var (
	ErrBadDelta = errors.New("malformed change blob")
)

// Tx is an open transaction. Mutations through refs obtained from the
// transaction are applied to the local state immediately and recorded for the
// resulting delta.
type Tx struct {
	d    *Doc
	desc string
	ops  []Op
}

func (tx *Tx) emit(kind OpKind, obj OpID, key string, ref OpID, val Value) Op {
	op := tx.d.nextOp(kind, obj, key, ref, val)
	tx.ops = append(tx.ops, op)
	return op
}

// Root returns the root map of the document under this transaction.
func (tx *Tx) Root() MapRef {
	return MapRef{d: tx.d, tx: tx, o: tx.d.root}
}

// Transact runs fn inside a named transaction and returns the serialized
// delta of its effects, or nil if the transaction produced no operation.
func (d *Doc) Transact(description string, fn func(*Tx) error) ([]byte, error) {
	tx := &Tx{d: d, desc: description}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	return encodeDelta(tx.ops)
}

// Root returns a read-only ref to the root map. Mutating through it panics;
// mutations must go through Transact.
func (d *Doc) Root() MapRef {
	return MapRef{d: d, o: d.root}
}

// +---------+
// | Map ref |
// +---------+

// MapRef is a handle on a map container. The zero MapRef is invalid.
type MapRef struct {
	d  *Doc
	tx *Tx // nil for read-only refs
	o  *object
}

// Valid reports whether the ref points at an existing map.
func (m MapRef) Valid() bool {
	return m.o != nil && m.o.kind == ValueMap
}

func (m MapRef) mutable() *Tx {
	if m.tx == nil {
		panic("crdt: mutation outside a transaction")
	}
	if !m.Valid() {
		panic("crdt: mutation through an invalid map ref")
	}
	return m.tx
}

func (m MapRef) get(key string) (*entry, bool) {
	if !m.Valid() {
		return nil, false
	}
	e, ok := m.o.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e, true
}

// Has reports whether the key is set.
func (m MapRef) Has(key string) bool {
	_, ok := m.get(key)
	return ok
}

// String reads a string value.
func (m MapRef) String(key string) (string, bool) {
	e, ok := m.get(key)
	if !ok || e.val.Kind != ValueString {
		return "", false
	}
	return e.val.Str, true
}

// Float reads a numeric value.
func (m MapRef) Float(key string) (float64, bool) {
	e, ok := m.get(key)
	if !ok || e.val.Kind != ValueFloat {
		return 0, false
	}
	return e.val.Num, true
}

// Bool reads a boolean value.
func (m MapRef) Bool(key string) (bool, bool) {
	e, ok := m.get(key)
	if !ok || e.val.Kind != ValueBool {
		return false, false
	}
	return e.val.Bool, true
}

// IsNull reports whether the key holds an explicit null.
func (m MapRef) IsNull(key string) bool {
	e, ok := m.get(key)
	return ok && e.val.Kind == ValueNull
}

// Map reads a nested map.
func (m MapRef) Map(key string) MapRef {
	e, ok := m.get(key)
	if !ok || e.val.Kind != ValueMap {
		return MapRef{}
	}
	return MapRef{d: m.d, tx: m.tx, o: m.d.objects[e.id]}
}

// List reads a nested list.
func (m MapRef) List(key string) ListRef {
	e, ok := m.get(key)
	if !ok || e.val.Kind != ValueList {
		return ListRef{}
	}
	return ListRef{d: m.d, tx: m.tx, o: m.d.objects[e.id]}
}

// Keys returns the set keys in map-iteration order. Callers sort if order
// matters.
func (m MapRef) Keys() []string {
	if !m.Valid() {
		return nil
	}
	keys := make([]string, 0, len(m.o.entries))
	for key, e := range m.o.entries {
		if !e.deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

// SetString writes a string value.
func (m MapRef) SetString(key, s string) {
	m.mutable().emit(OpSet, m.o.id, key, OpID{}, StringValue(s))
}

// SetFloat writes a numeric value.
func (m MapRef) SetFloat(key string, f float64) {
	m.mutable().emit(OpSet, m.o.id, key, OpID{}, FloatValue(f))
}

// SetBool writes a boolean value.
func (m MapRef) SetBool(key string, b bool) {
	m.mutable().emit(OpSet, m.o.id, key, OpID{}, BoolValue(b))
}

// SetNull writes an explicit null.
func (m MapRef) SetNull(key string) {
	m.mutable().emit(OpSet, m.o.id, key, OpID{}, Value{Kind: ValueNull})
}

// Delete clears the key.
func (m MapRef) Delete(key string) {
	m.mutable().emit(OpDel, m.o.id, key, OpID{}, Value{})
}

// SetMap writes a fresh empty map under the key and returns a ref to it.
func (m MapRef) SetMap(key string) MapRef {
	op := m.mutable().emit(OpSet, m.o.id, key, OpID{}, Value{Kind: ValueMap})
	return MapRef{d: m.d, tx: m.tx, o: m.d.objects[op.ID]}
}

// SetList writes a fresh empty list under the key and returns a ref to it.
func (m MapRef) SetList(key string) ListRef {
	op := m.mutable().emit(OpSet, m.o.id, key, OpID{}, Value{Kind: ValueList})
	return ListRef{d: m.d, tx: m.tx, o: m.d.objects[op.ID]}
}

// +----------+
// | List ref |
// +----------+

// ListRef is a handle on a list container. The zero ListRef is invalid.
type ListRef struct {
	d  *Doc
	tx *Tx
	o  *object
}

// Valid reports whether the ref points at an existing list.
func (l ListRef) Valid() bool {
	return l.o != nil && l.o.kind == ValueList
}

func (l ListRef) mutable() *Tx {
	if l.tx == nil {
		panic("crdt: mutation outside a transaction")
	}
	if !l.Valid() {
		panic("crdt: mutation through an invalid list ref")
	}
	return l.tx
}

// Len returns the number of visible elements.
func (l ListRef) Len() int {
	if !l.Valid() {
		return 0
	}
	return len(l.o.visible())
}

// refBefore resolves the insertion reference for visible index i: the element
// currently at i-1, or the list head for i <= 0.
func (l ListRef) refBefore(i int) OpID {
	if i <= 0 {
		return OpID{}
	}
	els := l.o.visible()
	if i > len(els) {
		i = len(els)
	}
	return els[i-1].id
}

// elemAt returns the visible element at index i.
func (l ListRef) elemAt(i int) *elem {
	if !l.Valid() {
		return nil
	}
	els := l.o.visible()
	if i < 0 || i >= len(els) {
		return nil
	}
	return els[i]
}

// InsertMap inserts a fresh empty map at visible index i and returns a ref to
// it.
func (l ListRef) InsertMap(i int) MapRef {
	tx := l.mutable()
	op := tx.emit(OpInsert, l.o.id, "", l.refBefore(i), Value{Kind: ValueMap})
	return MapRef{d: l.d, tx: l.tx, o: l.d.objects[op.ID]}
}

// AppendMap inserts a fresh empty map at the end of the list.
func (l ListRef) AppendMap() MapRef {
	return l.InsertMap(l.Len())
}

// InsertString inserts a string element at visible index i.
func (l ListRef) InsertString(i int, s string) {
	tx := l.mutable()
	tx.emit(OpInsert, l.o.id, "", l.refBefore(i), StringValue(s))
}

// AppendString inserts a string element at the end of the list.
func (l ListRef) AppendString(s string) {
	l.InsertString(l.Len(), s)
}

// Delete tombstones the element at visible index i.
func (l ListRef) Delete(i int) {
	tx := l.mutable()
	el := l.elemAt(i)
	if el == nil {
		return
	}
	tx.emit(OpRemove, l.o.id, "", el.id, Value{})
}

// Clear tombstones every visible element.
func (l ListRef) Clear() {
	tx := l.mutable()
	for _, el := range l.o.visible() {
		tx.emit(OpRemove, l.o.id, "", el.id, Value{})
	}
}

// Map returns the map element at visible index i.
func (l ListRef) Map(i int) MapRef {
	el := l.elemAt(i)
	if el == nil || el.val.Kind != ValueMap {
		return MapRef{}
	}
	return MapRef{d: l.d, tx: l.tx, o: l.d.objects[el.id]}
}

// String returns the string element at visible index i.
func (l ListRef) String(i int) (string, bool) {
	el := l.elemAt(i)
	if el == nil || el.val.Kind != ValueString {
		return "", false
	}
	return el.val.Str, true
}

// Strings returns all visible string elements in order.
func (l ListRef) Strings() []string {
	if !l.Valid() {
		return nil
	}
	var out []string
	for _, el := range l.o.visible() {
		if el.val.Kind == ValueString {
			out = append(out, el.val.Str)
		}
	}
	return out
}
