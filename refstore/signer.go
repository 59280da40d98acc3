package refstore

import (
	"crypto/rand"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
)

// payload is the CBOR-encoded, deterministic wire form of a SignedRefSet
// that gets signed. It is a separate type from SignedRefSet (rather than
// signing SignedRefSet directly) so that adding fields to the in-memory
// type never silently changes what was actually signed.
type payload struct {
	Delegate string            `cbor:"1,keyasint"`
	RepoID   [16]byte          `cbor:"2,keyasint"`
	Sequence uint64            `cbor:"3,keyasint"`
	Refs     map[string][]byte `cbor:"4,keyasint"`
}

func toPayload(set SignedRefSet) payload {
	refs := make(map[string][]byte, len(set.Refs))
	for name, o := range set.Refs {
		v := o
		refs[name] = v[:]
	}
	return payload{
		Delegate: string(set.Delegate),
		RepoID:   [16]byte(set.RepoID),
		Sequence: set.Sequence,
		Refs:     refs,
	}
}

var encMode, decMode = mustModes()

func mustModes() (cbor.EncMode, cbor.DecMode) {
	// Deterministic encoding (sorted map keys, canonical integer/float
	// widths): two signers producing the "same" payload must produce
	// byte-identical CBOR so the signature is reproducible.
	encOpts := cbor.CanonicalEncOptions()
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		panic(err)
	}
	return enc, dec
}

// Signer produces a COSE_Sign1 envelope over a delegate's SignedRefSet,
// with the CBOR payload embedded in the envelope.
type Signer struct {
	coseSigner cose.Signer
	keyID      string
}

// NewSigner builds a Signer that signs with coseSigner and tags the
// envelope with keyID (placed in the COSE protected header's key-id
// field so a Verifier can pick the right public key).
func NewSigner(coseSigner cose.Signer, keyID string) Signer {
	return Signer{coseSigner: coseSigner, keyID: keyID}
}

// Sign signs set and returns the CBOR-encoded COSE_Sign1 envelope.
func (s Signer) Sign(set SignedRefSet) ([]byte, error) {
	p := toPayload(set)
	body, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("refstore: encoding signed refs payload: %w", err)
	}

	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: s.coseSigner.Algorithm(),
				cose.HeaderLabelKeyID:     []byte(s.keyID),
			},
		},
		Payload: body,
	}

	if err := msg.Sign(rand.Reader, nil, s.coseSigner); err != nil {
		return nil, fmt.Errorf("refstore: signing signed refs envelope: %w", err)
	}

	out, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("refstore: encoding signed envelope: %w", err)
	}
	return out, nil
}

// DecodeEnvelope recovers a SignedRefSet from a COSE_Sign1 envelope
// without verifying its signature, for callers (a blob persister's
// Load, an audit tool) that already trust the source or intend to
// verify separately. It is the inverse of Sign/toPayload.
func DecodeEnvelope(envelope []byte) (SignedRefSet, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return SignedRefSet{}, fmt.Errorf("refstore: decoding signed envelope: %w", err)
	}
	var p payload
	if err := decMode.Unmarshal(msg.Payload, &p); err != nil {
		return SignedRefSet{}, fmt.Errorf("refstore: decoding signed refs payload: %w", err)
	}
	return fromPayload(p)
}

func fromPayload(p payload) (SignedRefSet, error) {
	refs := make(map[string]oid.OID, len(p.Refs))
	for name, raw := range p.Refs {
		o, err := oid.FromBytes(raw)
		if err != nil {
			return SignedRefSet{}, fmt.Errorf("refstore: decoding ref %q: %w", name, err)
		}
		refs[name] = o
	}
	return SignedRefSet{
		Delegate: identity.Delegate(p.Delegate),
		RepoID:   identity.RepoID(p.RepoID),
		Sequence: p.Sequence,
		Refs:     refs,
	}, nil
}
