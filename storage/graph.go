package storage

import (
	"context"
	"sync"

	"github.com/forgehub/cre/oid"
)

// object is the internal representation of a classified object inside
// Graph: a commit (with parents), or an annotated tag peeling to a
// commit, or an "other" object with no further structure.
type object struct {
	class   ObjectClass
	parents []oid.OID // valid only for commits
}

// Graph is an in-memory Collaborator used by tests and by callers that
// want to exercise the CRE without a real Git object database. It is
// intentionally simple: a map from OID to object plus parent edges,
// mirroring the way mmr's tests build a testDb map[uint64][]byte rather
// than standing up real storage.
type Graph struct {
	mu      sync.RWMutex
	objects map[oid.OID]object
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{objects: make(map[oid.OID]object)}
}

// AddCommit registers a commit o with the given parents. Parents need
// not already be present; IsAncestor/MergeBase treat unknown parents as
// simply having no further ancestors.
func (g *Graph) AddCommit(o oid.OID, parents ...oid.OID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[o] = object{class: ObjectClass{Kind: KindCommit}, parents: append([]oid.OID(nil), parents...)}
}

// AddAnnotatedTag registers a tag object o that peels to commit c. c is
// not required to already be registered as a commit.
func (g *Graph) AddAnnotatedTag(o, c oid.OID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[o] = object{class: ObjectClass{Kind: KindAnnotatedTag, PeelsTo: c}}
}

// AddOther registers o as a non-commit, non-tag object (tree/blob).
func (g *Graph) AddOther(o oid.OID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[o] = object{class: ObjectClass{Kind: KindOther}}
}

// ObjectKind implements Collaborator.
func (g *Graph) ObjectKind(_ context.Context, o oid.OID) (ObjectClass, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[o]
	if !ok {
		return ObjectClass{Kind: KindMissing}, nil
	}
	return obj.class, nil
}

// IsAncestor implements Collaborator via breadth-first walk of parent
// edges. ancestor == descendant counts as true.
func (g *Graph) IsAncestor(_ context.Context, ancestor, descendant oid.OID) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := oid.NewSet()
	queue := []oid.OID{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited.Contains(cur) {
			continue
		}
		visited.Add(cur)
		if cur == ancestor {
			return true, nil
		}
		obj, ok := g.objects[cur]
		if !ok {
			continue
		}
		queue = append(queue, obj.parents...)
	}
	return false, nil
}

// MergeBase implements Collaborator by computing the ancestor set of a
// and scanning b's ancestors in BFS order for the first hit — the
// common ancestor closest to b, which for the simple DAGs this engine
// deals with (no criss-cross merges within a single quorum round) is
// the lowest common ancestor.
func (g *Graph) MergeBase(_ context.Context, a, b oid.OID) (oid.OID, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ancestorsOfA := oid.NewSet()
	queue := []oid.OID{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if ancestorsOfA.Contains(cur) {
			continue
		}
		ancestorsOfA.Add(cur)
		if obj, ok := g.objects[cur]; ok {
			queue = append(queue, obj.parents...)
		}
	}

	visited := oid.NewSet()
	queue = []oid.OID{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited.Contains(cur) {
			continue
		}
		visited.Add(cur)
		if ancestorsOfA.Contains(cur) {
			return cur, true, nil
		}
		if obj, ok := g.objects[cur]; ok {
			queue = append(queue, obj.parents...)
		}
	}
	return oid.Zero, false, nil
}
