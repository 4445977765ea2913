// Package graph holds the in-memory representation of a collaboratively
// edited mind map: nodes, edges and the mutation primitives the sync engine
// applies operations through. A State is owned by exactly one pipeline and
// is never shared between sessions.
package graph

import "sort"

// Position is a 2D canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single mind-map node.
type Node struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Position Position `json:"position"`
	Color    string   `json:"color,omitempty"`
	Shape    string   `json:"shape,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// NodePatch carries a partial node update. Nil fields are left untouched by
// Patch; this is what makes edit operations merge rather than replace.
type NodePatch struct {
	Label    *string   `json:"label,omitempty"`
	Position *Position `json:"position,omitempty"`
	Color    *string   `json:"color,omitempty"`
	Shape    *string   `json:"shape,omitempty"`
	Notes    *string   `json:"notes,omitempty"`
}

// EdgePatch carries a partial edge update.
type EdgePatch struct {
	Source *string `json:"source,omitempty"`
	Target *string `json:"target,omitempty"`
	Label  *string `json:"label,omitempty"`
}

// State is the mutable graph document.
type State struct {
	Nodes map[string]Node `json:"nodes"`
	Edges map[string]Edge `json:"edges"`
}

// NewState returns an empty graph.
func NewState() *State {
	return &State{
		Nodes: make(map[string]Node),
		Edges: make(map[string]Edge),
	}
}

// Clone returns a deep copy of the state. Used when handing the document to
// snapshot serialization so the pipeline can keep mutating the original.
func (s *State) Clone() *State {
	out := NewState()
	for id, n := range s.Nodes {
		out.Nodes[id] = n
	}
	for id, e := range s.Edges {
		out.Edges[id] = e
	}
	return out
}

// Empty reports whether the graph has no nodes and no edges.
func (s *State) Empty() bool {
	return len(s.Nodes) == 0 && len(s.Edges) == 0
}

// PutNode inserts or replaces a node.
func (s *State) PutNode(n Node) {
	s.Nodes[n.ID] = n
}

// PatchNode merges the non-nil fields of patch into the node with the given
// id. It returns false when no such node exists.
func (s *State) PatchNode(id string, patch NodePatch) bool {
	n, ok := s.Nodes[id]
	if !ok {
		return false
	}
	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Position != nil {
		n.Position = *patch.Position
	}
	if patch.Color != nil {
		n.Color = *patch.Color
	}
	if patch.Shape != nil {
		n.Shape = *patch.Shape
	}
	if patch.Notes != nil {
		n.Notes = *patch.Notes
	}
	s.Nodes[id] = n
	return true
}

// MoveNode replaces only the node's position. Returns false when the node is
// gone.
func (s *State) MoveNode(id string, pos Position) bool {
	n, ok := s.Nodes[id]
	if !ok {
		return false
	}
	n.Position = pos
	s.Nodes[id] = n
	return true
}

// RemoveNode deletes the node and every edge whose source or target is the
// node. Leaving dangling edges around costs more than cascading here. It
// returns the ids of the edges that were removed alongside the node, and
// false when the node did not exist.
func (s *State) RemoveNode(id string) (removedEdges []string, ok bool) {
	if _, exists := s.Nodes[id]; !exists {
		return nil, false
	}
	delete(s.Nodes, id)
	for eid, e := range s.Edges {
		if e.Source == id || e.Target == id {
			delete(s.Edges, eid)
			removedEdges = append(removedEdges, eid)
		}
	}
	sort.Strings(removedEdges)
	return removedEdges, true
}

// PutEdge inserts or replaces an edge.
func (s *State) PutEdge(e Edge) {
	s.Edges[e.ID] = e
}

// PatchEdge merges the non-nil fields of patch into the edge with the given
// id. It returns false when no such edge exists.
func (s *State) PatchEdge(id string, patch EdgePatch) bool {
	e, ok := s.Edges[id]
	if !ok {
		return false
	}
	if patch.Source != nil {
		e.Source = *patch.Source
	}
	if patch.Target != nil {
		e.Target = *patch.Target
	}
	if patch.Label != nil {
		e.Label = *patch.Label
	}
	s.Edges[id] = e
	return true
}

// RemoveEdge deletes an edge by id, reporting whether it existed.
func (s *State) RemoveEdge(id string) bool {
	if _, ok := s.Edges[id]; !ok {
		return false
	}
	delete(s.Edges, id)
	return true
}

// NodeList returns the nodes sorted by id for deterministic iteration.
func (s *State) NodeList() []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgeList returns the edges sorted by id.
func (s *State) EdgeList() []Edge {
	out := make([]Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
