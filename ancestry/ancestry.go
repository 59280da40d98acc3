// Package ancestry provides a per-planner-run memoizing wrapper around
// a storage.Collaborator's ancestry queries. A planner run re-asks the
// same (ancestor, descendant) pairs repeatedly while aggregating
// support across every candidate/voter combination for a reference, so
// the exact results are cached for the lifetime of one Cache value. In
// front of that exact cache sits a Bloom filter over the pair keys,
// layered the way an index-lookup filter sits in front of a backing
// map: a miss answers "never asked" for the cost of one hash instead of
// a map lookup keyed by a 64-byte composite, which matters once a
// planner run is juggling many references and candidate commits at
// once. The cache (and its filter) is private to one Cache value and is
// discarded with it — there is no global ancestry cache.
package ancestry

import (
	"context"

	"github.com/forgehub/cre/internal/bloomfilter"
	"github.com/forgehub/cre/oid"
	"github.com/forgehub/cre/storage"
)

type pairKey [2]oid.OID

// Cache memoizes IsAncestor/MergeBase calls against a storage.Collaborator
// for the duration of a single planner run.
type Cache struct {
	collab storage.Collaborator

	seen   *bloomfilter.Filter
	ancRes map[pairKey]bool
	mbRes  map[pairKey]mergeBaseResult
}

type mergeBaseResult struct {
	base oid.OID
	ok   bool
}

// New builds a Cache over collab, sized for the expected number of
// distinct ancestry queries this run will perform (the reference
// count times the average vote-set size is a reasonable estimate;
// sizing only affects the Bloom filter's false-positive rate, never
// correctness).
func New(collab storage.Collaborator, expectedQueries int) *Cache {
	if expectedQueries < 1 {
		expectedQueries = 1
	}
	return &Cache{
		collab: collab,
		seen:   bloomfilter.New(expectedQueries, 12, 4),
		ancRes: make(map[pairKey]bool),
		mbRes:  make(map[pairKey]mergeBaseResult),
	}
}

// IsAncestor returns whether ancestorOID is an ancestor of (or equal
// to) descendantOID, consulting the memo cache first.
func (c *Cache) IsAncestor(ctx context.Context, ancestorOID, descendantOID oid.OID) (bool, error) {
	if ancestorOID == descendantOID {
		return true, nil
	}

	key := pairKey{ancestorOID, descendantOID}
	digest := pairDigest(key)

	if maybe, _ := c.seen.MaybeContains(digest); maybe {
		if v, ok := c.ancRes[key]; ok {
			return v, nil
		}
	}

	ok, err := c.collab.IsAncestor(ctx, ancestorOID, descendantOID)
	if err != nil {
		return false, err
	}
	c.ancRes[key] = ok
	_ = c.seen.Insert(digest)
	return ok, nil
}

// MergeBase returns the best common ancestor of a and b, consulting the
// memo cache first.
func (c *Cache) MergeBase(ctx context.Context, a, b oid.OID) (oid.OID, bool, error) {
	key := normalizedPair(a, b)
	digest := pairDigest(key)

	if maybe, _ := c.seen.MaybeContains(digest); maybe {
		if v, ok := c.mbRes[key]; ok {
			return v.base, v.ok, nil
		}
	}

	base, ok, err := c.collab.MergeBase(ctx, a, b)
	if err != nil {
		return oid.Zero, false, err
	}
	c.mbRes[key] = mergeBaseResult{base: base, ok: ok}
	_ = c.seen.Insert(digest)
	return base, ok, nil
}

// normalizedPair orders a pair so that MergeBase(a,b) and MergeBase(b,a)
// share a cache entry, since merge-base is symmetric.
func normalizedPair(a, b oid.OID) pairKey {
	if b.Less(a) {
		return pairKey{b, a}
	}
	return pairKey{a, b}
}

// pairDigest folds a pair key down to one bloomfilter.KeyBytes-wide
// value via XOR; it need not be collision-free (the exact maps are the
// source of truth), only cheap and well distributed.
func pairDigest(key pairKey) []byte {
	var combined oid.OID
	for i := 0; i < oid.Size; i++ {
		combined[i] = key[0][i] ^ key[1][i]
	}
	return combined[:]
}
