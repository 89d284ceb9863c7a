package command

import (
	"encoding/json"
	"fmt"

	"github.com/curveboard/curveboard/curve"
)

// Command kinds on the wire.
const (
	KindAddPoint         = "AddPoint"
	KindRemovePoint      = "RemovePoint"
	KindMovePoint        = "MovePoint"
	KindAddCurve         = "AddCurve"
	KindRemoveCurve      = "RemoveCurve"
	KindLoadCurves       = "LoadCurves"
	KindRemoteOverwrite  = "RemoteOverwrite"
	KindChangeCurveColor = "ChangeCurveColor" // Reserved; deserializes to nothing.
)

// Serialized is the wire form of a command: a kind tag plus a kind-specific
// payload.
type Serialized struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type pointPayload struct {
	CurveID string      `json:"curveId"`
	Color   string      `json:"color,omitempty"`
	Index   int         `json:"index,omitempty"`
	Point   curve.Point `json:"point"`
}

type movePayload struct {
	CurveID  string      `json:"curveId"`
	Color    string      `json:"color,omitempty"`
	Index    int         `json:"index"`
	OldPoint curve.Point `json:"oldPoint"`
	NewPoint curve.Point `json:"newPoint"`
}

type curvePayload struct {
	Curve *curve.Curve `json:"curve"`
	Index int          `json:"index,omitempty"`
}

type loadPayload struct {
	NewCurves []*curve.Curve `json:"newCurves"`
	OldCurves []*curve.Curve `json:"oldCurves,omitempty"`
}

func serialize(kind string, payload any) (Serialized, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Serialized{}, fmt.Errorf("serializing %s: %w", kind, err)
	}
	return Serialized{Kind: kind, Payload: raw}, nil
}

func (c *AddPoint) Serialize() (Serialized, error) {
	return serialize(KindAddPoint, pointPayload{CurveID: c.CurveID, Color: c.Color, Point: c.Point})
}

func (c *RemovePoint) Serialize() (Serialized, error) {
	return serialize(KindRemovePoint, pointPayload{CurveID: c.CurveID, Color: c.Color, Index: c.Index, Point: c.Point})
}

func (c *MovePoint) Serialize() (Serialized, error) {
	return serialize(KindMovePoint, movePayload{CurveID: c.CurveID, Color: c.Color, Index: c.Index, OldPoint: c.OldPoint, NewPoint: c.NewPoint})
}

func (c *AddCurve) Serialize() (Serialized, error) {
	return serialize(KindAddCurve, curvePayload{Curve: c.Curve})
}

func (c *RemoveCurve) Serialize() (Serialized, error) {
	return serialize(KindRemoveCurve, curvePayload{Curve: c.Curve, Index: c.Index})
}

func (c *LoadCurves) Serialize() (Serialized, error) {
	return serialize(KindLoadCurves, loadPayload{NewCurves: c.New, OldCurves: c.Old})
}

func (c *RemoteOverwrite) Serialize() (Serialized, error) {
	return serialize(KindRemoteOverwrite, loadPayload{NewCurves: c.New})
}

// Deserialize reconstructs a command from its wire form.
//
// The reserved ChangeCurveColor kind yields (nil, nil): callers skip the
// command. Unknown kinds are an error.
func Deserialize(s Serialized) (Command, error) {
	switch s.Kind {
	case KindAddPoint:
		var p pointPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		return NewAddPoint(p.CurveID, p.Color, p.Point), nil
	case KindRemovePoint:
		var p pointPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		return NewRemovePoint(p.CurveID, p.Color, p.Index, p.Point), nil
	case KindMovePoint:
		var p movePayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		return NewMovePoint(p.CurveID, p.Color, p.Index, p.OldPoint, p.NewPoint), nil
	case KindAddCurve:
		var p curvePayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		if p.Curve == nil {
			return nil, fmt.Errorf("deserializing %s: missing curve", s.Kind)
		}
		return NewAddCurve(p.Curve), nil
	case KindRemoveCurve:
		var p curvePayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		if p.Curve == nil {
			return nil, fmt.Errorf("deserializing %s: missing curve", s.Kind)
		}
		return NewRemoveCurve(p.Curve, p.Index), nil
	case KindLoadCurves:
		var p loadPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		return NewLoadCurves(p.NewCurves, p.OldCurves), nil
	case KindRemoteOverwrite:
		var p loadPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return nil, fmt.Errorf("deserializing %s: %w", s.Kind, err)
		}
		return NewRemoteOverwrite(p.NewCurves), nil
	case KindChangeCurveColor:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command kind %q", s.Kind)
	}
}
