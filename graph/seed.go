package graph

// Starter returns the seed document written into a brand-new session before
// its first checkpoint, so that late joiners never observe an empty graph.
func Starter() *State {
	s := NewState()
	s.PutNode(Node{ID: "root", Label: "Central Idea", Position: Position{X: 400, Y: 300}})
	s.PutNode(Node{ID: "branch-1", Label: "First Branch", Position: Position{X: 200, Y: 150}})
	s.PutNode(Node{ID: "branch-2", Label: "Second Branch", Position: Position{X: 600, Y: 150}})
	s.PutEdge(Edge{ID: "root-branch-1", Source: "root", Target: "branch-1"})
	s.PutEdge(Edge{ID: "root-branch-2", Source: "root", Target: "branch-2"})
	return s
}
