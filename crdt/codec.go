package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// +-------------+
// | Change blob |
// +-------------+

func encodeDelta(ops []Op) ([]byte, error) {
	blob, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encoding delta: %w", err)
	}
	return blob, nil
}

func decodeDelta(blob []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(blob, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	return ops, nil
}

// ApplyDelta integrates a peer's change blob. Applying the same set of blobs
// on any two replicas, in any order, yields identical documents: operations
// are deduplicated against yarns, and those waiting for a predecessor are
// parked and retried.
func (d *Doc) ApplyDelta(blob []byte) error {
	ops, err := decodeDelta(blob)
	if err != nil {
		return err
	}
	d.integrateAll(ops)
	return nil
}

// +-----------------+
// | Version vectors |
// +-----------------+

// Version is a cut of the document: for each site, the number of operations
// known from that site's yarn.
type Version map[uuid.UUID]uint64

// Version returns the document's current cut.
func (d *Doc) Version() Version {
	v := make(Version, len(d.yarns))
	for site, yarn := range d.yarns {
		v[site] = uint64(len(yarn))
	}
	return v
}

// DeltaSince serializes every operation above the given cut, so a replica can
// bring a peer known to be at that cut up to date.
func (d *Doc) DeltaSince(v Version) ([]byte, error) {
	var ops []Op
	for _, site := range d.sortedSites() {
		yarn := d.yarns[site]
		from := v[site]
		if from > uint64(len(yarn)) {
			from = uint64(len(yarn))
		}
		ops = append(ops, yarn[from:]...)
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return encodeDelta(ops)
}

// +------------+
// | Full state |
// +------------+

// savedYarn is one site's operation sequence in a save blob.
type savedYarn struct {
	Site uuid.UUID `json:"site"`
	Ops  []Op      `json:"ops"`
}

// saveBlob is the serialized full state: all yarns, sites in UUID order, plus
// any operations still parked.
type saveBlob struct {
	Yarns   []savedYarn `json:"yarns"`
	Pending []Op        `json:"pending,omitempty"`
}

func (d *Doc) sortedSites() []uuid.UUID {
	sites := make([]uuid.UUID, 0, len(d.yarns))
	for site := range d.yarns {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool {
		return bytes.Compare(sites[i][:], sites[j][:]) < 0
	})
	return sites
}

// Save serializes the full document state. The encoding is canonical: two
// replicas holding the same operation set produce identical bytes.
func (d *Doc) Save() []byte {
	blob := saveBlob{Pending: d.pending}
	for _, site := range d.sortedSites() {
		blob.Yarns = append(blob.Yarns, savedYarn{Site: site, Ops: d.yarns[site]})
	}
	bs, err := json.Marshal(blob)
	if err != nil {
		panic(fmt.Sprintf("crdt: serializing state: %v", err))
	}
	return bs
}

// Merge integrates a full-state blob into this document. On an empty
// document this is a plain load; on a populated one it is a set union of the
// operation logs, so local operations the blob's producer never saw survive.
// Returns the blob's version cut.
func (d *Doc) Merge(blob []byte) (Version, error) {
	var saved saveBlob
	if err := json.Unmarshal(blob, &saved); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	v := make(Version, len(saved.Yarns))
	var ops []Op
	for _, yarn := range saved.Yarns {
		v[yarn.Site] = uint64(len(yarn.Ops))
		ops = append(ops, yarn.Ops...)
	}
	ops = append(ops, saved.Pending...)
	d.integrateAll(ops)
	return v, nil
}
