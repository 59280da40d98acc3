// Package storage defines the external storage collaborator contract
// consumed by the quorum resolver and planner: object classification
// and ancestry queries over the underlying Git object store. This
// module never performs the I/O itself; it only depends on these
// interfaces, the way a reader/committer pair depends on an abstract
// object-store collaborator rather than talking to a blob service
// directly.
package storage

import (
	"context"
	"errors"

	"github.com/forgehub/cre/oid"
)

// ErrStorageUnavailable is returned when a lookup fails transiently;
// this never alters canonical state — the caller abandons the affected
// ref's update and retries on the next event.
var ErrStorageUnavailable = errors.New("storage: collaborator unavailable")

// Kind tags the classification of an object reachable by OID. It is
// modeled as a tagged variant rather than a class hierarchy.
type Kind int

const (
	// KindMissing means the object does not exist in the store.
	KindMissing Kind = iota
	// KindCommit is an ordinary commit object.
	KindCommit
	// KindAnnotatedTag is a tag object that peels to a commit.
	KindAnnotatedTag
	// KindOther is a tree, blob, or otherwise unclassifiable object.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindCommit:
		return "commit"
	case KindAnnotatedTag:
		return "tag_annotated"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// ObjectClass is the result of classifying an OID: its Kind, and, for
// KindAnnotatedTag, the commit it peels to.
type ObjectClass struct {
	Kind    Kind
	PeelsTo oid.OID // valid only when Kind == KindAnnotatedTag
}

// Collaborator is the storage-layer contract this engine depends on:
// object classification and ancestry queries. Production callers back
// this with an on-disk Git object database; tests back it with the
// in-memory Graph below.
type Collaborator interface {
	// ObjectKind classifies o. It returns KindMissing (not an error)
	// when o is not present in the store.
	ObjectKind(ctx context.Context, o oid.OID) (ObjectClass, error)

	// IsAncestor reports whether ancestor is an ancestor of (or equal
	// to) descendant in the commit graph.
	IsAncestor(ctx context.Context, ancestor, descendant oid.OID) (bool, error)

	// MergeBase returns the best common ancestor of a and b, or
	// (oid.Zero, false, nil) if none exists.
	MergeBase(ctx context.Context, a, b oid.OID) (oid.OID, bool, error)
}
