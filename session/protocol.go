/*
Package session implements the client side of the collaboration protocol:
JSON messages over a persistent websocket, with a sync handshake on connect,
change-blob broadcast, presence relay, and reconnection with exponential
backoff.
*/
package session

import (
	"encoding/json"
	"fmt"

	"github.com/curveboard/curveboard/curve"
	"github.com/curveboard/curveboard/document"
)

// Message types.
const (
	TypeSyncRequest  = "sync-request"
	TypeSyncResponse = "sync-response"
	TypeChange       = "change"
	TypePresence     = "presence"
)

// Bytes is a byte sequence that marshals as a JSON array of integers in
// [0, 255], the wire form of change blobs and document state.
type Bytes []byte

// MarshalJSON encodes the bytes as a plain integer array.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON decodes an integer array, rejecting values outside [0, 255].
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Presence is the ephemeral presence payload relayed by the hub without
// interpretation.
type Presence struct {
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	Cursor        *curve.Point   `json:"cursor,omitempty"`
	ActiveCurveID string         `json:"activeCurveId,omitempty"`
	User          *document.User `json:"user,omitempty"`
}

// Message is the single wire envelope. Unused fields are omitted per type:
//
//	sync-request:  senderId
//	sync-response: sessionId, documentState, isFirstUser
//	change:        senderId, changes
//	presence:      senderId, presence
type Message struct {
	Type          string    `json:"type"`
	SenderID      string    `json:"senderId,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	DocumentState Bytes     `json:"documentState,omitempty"`
	IsFirstUser   bool      `json:"isFirstUser,omitempty"`
	Changes       Bytes     `json:"changes,omitempty"`
	Presence      *Presence `json:"presence,omitempty"`
}
