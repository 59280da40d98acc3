package refstore

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
	"github.com/veraison/go-cose"
)

// KeyResolver looks up the public key a delegate is expected to sign
// with. Key management itself is out of this module's scope; KeyResolver
// is the seam an embedding application fills in, injected rather than
// looked up internally.
type KeyResolver interface {
	PublicKey(delegate identity.Delegate) (*ecdsa.PublicKey, cose.Algorithm, error)
}

// COSEVerifier authenticates SignedRefSet envelopes produced by Signer.
type COSEVerifier struct {
	keys KeyResolver
}

// NewCOSEVerifier builds a COSEVerifier that resolves delegate public
// keys via keys.
func NewCOSEVerifier(keys KeyResolver) COSEVerifier {
	return COSEVerifier{keys: keys}
}

// Verify decodes envelope as a COSE_Sign1 message, checks its payload
// decodes to a payload consistent with set, and verifies the signature
// against the delegate's resolved public key.
func (v COSEVerifier) Verify(set SignedRefSet, envelope []byte) error {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return fmt.Errorf("refstore: decoding signed envelope: %w", err)
	}

	var decoded payload
	if err := decMode.Unmarshal(msg.Payload, &decoded); err != nil {
		return fmt.Errorf("refstore: decoding signed refs payload: %w", err)
	}

	if err := matches(set, decoded); err != nil {
		return err
	}

	pub, alg, err := v.keys.PublicKey(set.Delegate)
	if err != nil {
		return fmt.Errorf("refstore: resolving delegate public key: %w", err)
	}

	verifier, err := cose.NewVerifier(alg, pub)
	if err != nil {
		return fmt.Errorf("refstore: building verifier: %w", err)
	}

	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("refstore: %w", err)
	}
	return nil
}

// matches reports whether decoded (recovered from the signed envelope)
// is consistent with the claimed set, so a caller cannot present a
// validly-signed envelope for one delegate/sequence/refs combination as
// though it were a different one.
func matches(set SignedRefSet, decoded payload) error {
	if string(set.Delegate) != decoded.Delegate {
		return fmt.Errorf("%w: delegate mismatch", ErrBadSignature)
	}
	if identity.RepoID(decoded.RepoID) != set.RepoID {
		return fmt.Errorf("%w: repo mismatch", ErrBadSignature)
	}
	if set.Sequence != decoded.Sequence {
		return fmt.Errorf("%w: sequence mismatch", ErrBadSignature)
	}
	if len(set.Refs) != len(decoded.Refs) {
		return fmt.Errorf("%w: ref count mismatch", ErrBadSignature)
	}
	for name, want := range set.Refs {
		got, ok := decoded.Refs[name]
		if !ok {
			return fmt.Errorf("%w: missing ref %q", ErrBadSignature, name)
		}
		gotOID, err := oid.FromBytes(got)
		if err != nil || gotOID != want {
			return fmt.Errorf("%w: ref %q mismatch", ErrBadSignature, name)
		}
	}
	return nil
}
