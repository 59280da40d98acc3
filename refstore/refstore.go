// Package refstore implements the Signed Refs Store: the per-delegate,
// per-repository mapping from reference name to target object
// identifier, plus the delegate's signature over that mapping and a
// monotonically increasing sequence number.
package refstore

import (
	"errors"
	"sync"

	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
)

var (
	// ErrStaleUpdate is returned when sequence is not strictly greater
	// than the delegate's currently recorded sequence number.
	ErrStaleUpdate = errors.New("refstore: sequence number is not strictly greater than the current one")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("refstore: signature verification failed")

	// ErrUnknownDelegate is returned when the delegate is not a member
	// of the current identity's delegate set.
	ErrUnknownDelegate = errors.New("refstore: delegate is not a member of the current identity")
)

// SignedRefSet is one delegate's entire ref-name to OID mapping,
// authenticated by a signature and ordered by sequence number. A later
// sequence number from the same delegate fully supersedes earlier ones
// — this is a full-replace model, not a patch model.
type SignedRefSet struct {
	Delegate identity.Delegate
	RepoID   identity.RepoID
	Sequence uint64
	Refs     map[string]oid.OID
}

// entry is what the Store retains per delegate/repo: the accepted
// SignedRefSet plus the raw signed envelope it was extracted from, so
// callers that need to re-publish or audit the signature can retrieve
// it verbatim.
type entry struct {
	set      SignedRefSet
	envelope []byte
}

// Verifier authenticates an incoming SignedRefSet against its detached
// signed envelope. Key management and the actual cryptographic
// verification primitive live outside this module's scope; Verifier is
// the seam through which a real implementation (refstore.COSEVerifier,
// in verifier.go) is injected.
type Verifier interface {
	Verify(set SignedRefSet, envelope []byte) error
}

// Store is the Signed Refs Store contract.
type Store interface {
	Get(delegate identity.Delegate, repo identity.RepoID, refName string) (oid.OID, bool)
	List(delegate identity.Delegate, repo identity.RepoID) map[string]oid.OID
	Sequence(delegate identity.Delegate, repo identity.RepoID) uint64
	Update(view identity.View, set SignedRefSet, envelope []byte) error
}

// MemStore is an in-memory Store. Concurrency: reads may run
// concurrently with each other; writes are serialized per
// (delegate, repo) pair by the embedded mutex, and applied in the
// order of the delegate's sequence number.
type MemStore struct {
	mu       sync.RWMutex
	verifier Verifier
	entries  map[storeKey]entry
}

type storeKey struct {
	repo     identity.RepoID
	delegate identity.Delegate
}

// NewMemStore builds an empty MemStore that authenticates incoming
// updates with verifier.
func NewMemStore(verifier Verifier) *MemStore {
	return &MemStore{
		verifier: verifier,
		entries:  make(map[storeKey]entry),
	}
}

// Get returns the OID delegate's signed refs set maps refName to,
// within repo, if any.
func (s *MemStore) Get(delegate identity.Delegate, repo identity.RepoID, refName string) (oid.OID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[storeKey{repo: repo, delegate: delegate}]
	if !ok {
		return oid.Zero, false
	}
	o, ok := e.set.Refs[refName]
	return o, ok
}

// List returns a copy of delegate's entire ref_name -> OID mapping
// within repo.
func (s *MemStore) List(delegate identity.Delegate, repo identity.RepoID) map[string]oid.OID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[storeKey{repo: repo, delegate: delegate}]
	if !ok {
		return nil
	}
	out := make(map[string]oid.OID, len(e.set.Refs))
	for k, v := range e.set.Refs {
		out[k] = v
	}
	return out
}

// Sequence returns the delegate's current sequence number within repo,
// or 0 if the delegate has never published.
func (s *MemStore) Sequence(delegate identity.Delegate, repo identity.RepoID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[storeKey{repo: repo, delegate: delegate}]
	if !ok {
		return 0
	}
	return e.set.Sequence
}

// Update validates and applies set:
//   - ErrUnknownDelegate if set.Delegate is not in view's delegate set.
//   - ErrStaleUpdate if set.Sequence is not strictly greater than the
//     currently recorded sequence number.
//   - ErrBadSignature if verification fails.
//
// On any of these the store is left unmodified.
func (s *MemStore) Update(view identity.View, set SignedRefSet, envelope []byte) error {
	if !view.HasDelegate(set.Delegate) {
		return ErrUnknownDelegate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{repo: set.RepoID, delegate: set.Delegate}
	if current, ok := s.entries[key]; ok && set.Sequence <= current.set.Sequence {
		return ErrStaleUpdate
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(set, envelope); err != nil {
			return errors.Join(ErrBadSignature, err)
		}
	}

	s.entries[key] = entry{set: set, envelope: envelope}
	return nil
}
