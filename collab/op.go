package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sensahq/mapsync/graph"
)

// Kind discriminates operation payloads.
type Kind string

const (
	KindAddNode    Kind = "add_node"
	KindEditNode   Kind = "edit_node"
	KindDeleteNode Kind = "delete_node"
	KindMoveNode   Kind = "move_node"
	KindAddEdge    Kind = "add_edge"
	KindEditEdge   Kind = "edit_edge"
	KindDeleteEdge Kind = "delete_edge"
	KindBatch      Kind = "batch"
	KindUndo       Kind = "undo"
	KindRedo       Kind = "redo"
)

// Payload is the kind-specific body of an operation. Exactly one concrete
// payload type exists per Kind; OpKind reports which.
type Payload interface {
	OpKind() Kind
}

type AddNode struct {
	Node graph.Node `json:"node"`
}

type EditNode struct {
	NodeID string          `json:"node_id"`
	Patch  graph.NodePatch `json:"patch"`
}

type DeleteNode struct {
	NodeID string `json:"node_id"`
}

type MoveNode struct {
	NodeID   string         `json:"node_id"`
	Position graph.Position `json:"position"`
}

type AddEdge struct {
	Edge graph.Edge `json:"edge"`
}

type EditEdge struct {
	EdgeID string          `json:"edge_id"`
	Patch  graph.EdgePatch `json:"patch"`
}

type DeleteEdge struct {
	EdgeID string `json:"edge_id"`
}

// Batch applies an ordered list of steps as one log entry. Steps are not
// interleaved with other operations during apply.
type Batch struct {
	Steps []Step `json:"steps"`
}

// Undo and Redo are reserved kinds: they are recorded in the log for a
// complete history, but the reversal itself is the UI history stack's
// business and the pipeline applies them as no-ops.
type Undo struct {
	OperationID string `json:"operation_id,omitempty"`
}

type Redo struct {
	OperationID string `json:"operation_id,omitempty"`
}

func (AddNode) OpKind() Kind    { return KindAddNode }
func (EditNode) OpKind() Kind   { return KindEditNode }
func (DeleteNode) OpKind() Kind { return KindDeleteNode }
func (MoveNode) OpKind() Kind   { return KindMoveNode }
func (AddEdge) OpKind() Kind    { return KindAddEdge }
func (EditEdge) OpKind() Kind   { return KindEditEdge }
func (DeleteEdge) OpKind() Kind { return KindDeleteEdge }
func (Batch) OpKind() Kind      { return KindBatch }
func (Undo) OpKind() Kind       { return KindUndo }
func (Redo) OpKind() Kind       { return KindRedo }

// DecodePayload decodes raw into the payload struct matching kind. Storage
// backends use it to rebuild the tagged union from a kind column plus a JSON
// payload column.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindAddNode:
		p = &AddNode{}
	case KindEditNode:
		p = &EditNode{}
	case KindDeleteNode:
		p = &DeleteNode{}
	case KindMoveNode:
		p = &MoveNode{}
	case KindAddEdge:
		p = &AddEdge{}
	case KindEditEdge:
		p = &EditEdge{}
	case KindDeleteEdge:
		p = &DeleteEdge{}
	case KindBatch:
		p = &Batch{}
	case KindUndo:
		p = &Undo{}
	case KindRedo:
		p = &Redo{}
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

// deref returns the value form so payload type switches match non-pointer
// cases.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *AddNode:
		return *v
	case *EditNode:
		return *v
	case *DeleteNode:
		return *v
	case *MoveNode:
		return *v
	case *AddEdge:
		return *v
	case *EditEdge:
		return *v
	case *DeleteEdge:
		return *v
	case *Batch:
		return *v
	case *Undo:
		return *v
	case *Redo:
		return *v
	}
	return p
}

// Step is one entry inside a Batch payload.
type Step struct {
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
}

type stepWire struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepWire{Kind: s.Kind, Payload: raw})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	s.Kind = w.Kind
	s.Payload = p
	return nil
}

// Operation is one append-only log entry: the authoritative record of a
// graph mutation. Immutable once written, except for the Applied marker.
type Operation struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	Kind      Kind    `json:"kind"`
	Payload   Payload `json:"payload"`
	// Timestamp is origin wall clock and drives last-write-wins ordering.
	Timestamp time.Time `json:"timestamp"`
	// SequenceNumber is assigned server-side by gateways that can (sqlite
	// rowid, redis counter); 0 when the gateway has no authority.
	SequenceNumber int64 `json:"sequence_number,omitempty"`
	Applied        bool  `json:"applied"`
}

type operationWire struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	Applied        bool            `json:"applied"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", o.Kind, err)
	}
	return json.Marshal(operationWire{
		ID:             o.ID,
		SessionID:      o.SessionID,
		UserID:         o.UserID,
		Kind:           o.Kind,
		Payload:        raw,
		Timestamp:      o.Timestamp,
		SequenceNumber: o.SequenceNumber,
		Applied:        o.Applied,
	})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	o.ID = w.ID
	o.SessionID = w.SessionID
	o.UserID = w.UserID
	o.Kind = w.Kind
	o.Payload = p
	o.Timestamp = w.Timestamp
	o.SequenceNumber = w.SequenceNumber
	o.Applied = w.Applied
	return nil
}
