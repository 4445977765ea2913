package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestPatchNodeMergesOnlyProvidedFields(t *testing.T) {
	s := NewState()
	s.PutNode(Node{ID: "n1", Label: "original", Position: Position{X: 10, Y: 20}, Color: "#ff0000"})

	ok := s.PatchNode("n1", NodePatch{Label: strptr("renamed")})
	require.True(t, ok)

	n := s.Nodes["n1"]
	assert.Equal(t, "renamed", n.Label)
	assert.Equal(t, Position{X: 10, Y: 20}, n.Position)
	assert.Equal(t, "#ff0000", n.Color)
}

func TestPatchNodeMissingTarget(t *testing.T) {
	s := NewState()
	assert.False(t, s.PatchNode("ghost", NodePatch{Label: strptr("x")}))
}

func TestRemoveNodeCascadesEdges(t *testing.T) {
	s := NewState()
	s.PutNode(Node{ID: "a"})
	s.PutNode(Node{ID: "b"})
	s.PutNode(Node{ID: "c"})
	s.PutEdge(Edge{ID: "ab", Source: "a", Target: "b"})
	s.PutEdge(Edge{ID: "bc", Source: "b", Target: "c"})
	s.PutEdge(Edge{ID: "ca", Source: "c", Target: "a"})

	removed, ok := s.RemoveNode("b")
	require.True(t, ok)
	assert.Equal(t, []string{"ab", "bc"}, removed)

	_, hasB := s.Nodes["b"]
	assert.False(t, hasB)
	assert.Len(t, s.Edges, 1)
	_, caLeft := s.Edges["ca"]
	assert.True(t, caLeft, "edge not touching the removed node must survive")
}

func TestRemoveNodeMissing(t *testing.T) {
	s := NewState()
	removed, ok := s.RemoveNode("nope")
	assert.False(t, ok)
	assert.Empty(t, removed)
}

func TestMoveNodeReplacesOnlyPosition(t *testing.T) {
	s := NewState()
	s.PutNode(Node{ID: "n1", Label: "keep", Position: Position{X: 1, Y: 1}})

	require.True(t, s.MoveNode("n1", Position{X: 99, Y: 42}))
	n := s.Nodes["n1"]
	assert.Equal(t, Position{X: 99, Y: 42}, n.Position)
	assert.Equal(t, "keep", n.Label)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewState()
	s.PutNode(Node{ID: "n1", Label: "one"})
	s.PutEdge(Edge{ID: "e1", Source: "n1", Target: "n1"})

	c := s.Clone()
	c.PutNode(Node{ID: "n2"})
	c.RemoveEdge("e1")

	assert.Len(t, s.Nodes, 1)
	assert.Len(t, s.Edges, 1)
	assert.Len(t, c.Nodes, 2)
	assert.Len(t, c.Edges, 0)
}

func TestStarterIsNonEmpty(t *testing.T) {
	s := Starter()
	require.False(t, s.Empty())
	for _, e := range s.EdgeList() {
		_, srcOK := s.Nodes[e.Source]
		_, dstOK := s.Nodes[e.Target]
		assert.True(t, srcOK && dstOK, "seed edge %s references missing node", e.ID)
	}
}
