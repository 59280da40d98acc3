// Package identity provides the read-only projection of the accepted
// identity document: the delegate set, the global quorum threshold, and
// the canonical-references rules payload.
package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedAllow is returned for any `allow` value other than
	// "delegates". Unknown allow values have no defined semantics and
	// are rejected rather than guessed at.
	ErrUnsupportedAllow = errors.New("identity: unsupported allow policy")

	// ErrThresholdOutOfRange is returned when a rule's threshold is not
	// a positive integer at most the size of the delegate set.
	ErrThresholdOutOfRange = errors.New("identity: threshold out of range")

	// ErrDuplicatePattern names a canonical-refs payload that repeats a
	// pattern. Rules are held in a map keyed by pattern, so a decoded
	// Document cannot carry a repeat and Validate does not return it.
	ErrDuplicatePattern = errors.New("identity: duplicate reference pattern")
)

// AllowDelegates is the only allow policy with defined semantics.
const AllowDelegates = "delegates"

// RepoID identifies a repository, addressed as a UUID embedded in a
// storage-path-shaped string wherever refs are persisted by path.
type RepoID uuid.UUID

func (r RepoID) String() string {
	return uuid.UUID(r).String()
}

// Delegate is a public-key identity authorized to contribute signed
// references, identified by a stable key-derived string (e.g. the
// base64 or fingerprint form of its public key).
type Delegate string

// Rule is a (threshold, allow-policy) pair applied to reference names
// matching a pattern.
type Rule struct {
	Threshold int    `json:"threshold"`
	Allow     string `json:"allow"`
}

// Validate checks the rule's threshold is in range for the given
// delegate count and that its allow policy is supported.
func (r Rule) Validate(delegateCount int) error {
	if r.Threshold <= 0 || r.Threshold > delegateCount {
		return ErrThresholdOutOfRange
	}
	if r.Allow != AllowDelegates {
		return ErrUnsupportedAllow
	}
	return nil
}

// RulesPayload is the canonical-references payload carried by the
// identity document: a mapping from reference-pattern string to Rule,
// keyed by the top-level identifier "canonical-refs".
type RulesPayload struct {
	Rules map[string]Rule `json:"rules"`
}

// Document is the signed identity document: the delegate set, the
// global quorum threshold, and the canonical-references payload.
type Document struct {
	Revision     uint64       `json:"revision"`
	Delegates    []Delegate   `json:"delegates"`
	Threshold    int          `json:"threshold"`
	CanonicalRefs RulesPayload `json:"canonical-refs"`
}

// Validate checks internal consistency of the document: the global
// threshold is in range, every rule validates, and no pattern repeats.
func (d Document) Validate() error {
	n := len(d.Delegates)
	if d.Threshold <= 0 || d.Threshold > n {
		return ErrThresholdOutOfRange
	}
	for pattern, rule := range d.CanonicalRefs.Rules {
		if err := rule.Validate(n); err != nil {
			return err
		}
		_ = pattern
	}
	return nil
}

// CanonicalJSON serializes d using sorted keys and no insignificant
// whitespace, so that byte-identical documents produce byte-identical
// signatures. encoding/json sorts map keys but writes struct fields in
// declaration order, so d is first decoded into generic maps and then
// re-encoded; no whitespace is written since Indent is not requested.
// This helper exists so every caller gets the same (and only) encoding
// path rather than reimplementing it ad hoc.
func CanonicalJSON(d Document) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; canonical-json
	// callers (signature computation) must not see it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// View is the read-only, snapshot-consistent projection of the
// currently accepted identity document. A single computation reads one
// frozen snapshot; changes are observed only on the next event.
type View struct {
	doc Document
}

// NewView freezes doc into a View. The caller must not mutate doc
// afterwards; NewView does not deep-copy slices/maps for performance,
// so callers that hand out a View own the obligation not to mutate the
// document underneath it.
func NewView(doc Document) View {
	return View{doc: doc}
}

// Revision returns the accepted document's monotonic revision counter.
func (v View) Revision() uint64 {
	return v.doc.Revision
}

// Delegates returns the current accepted delegate set.
func (v View) Delegates() []Delegate {
	out := make([]Delegate, len(v.doc.Delegates))
	copy(out, v.doc.Delegates)
	return out
}

// HasDelegate reports whether d is a member of the current delegate set.
func (v View) HasDelegate(d Delegate) bool {
	for _, existing := range v.doc.Delegates {
		if existing == d {
			return true
		}
	}
	return false
}

// GlobalThreshold returns the value from the accepted identity.
func (v View) GlobalThreshold() int {
	return v.doc.Threshold
}

// PatternRule pairs a reference pattern with its rule for Rules()'s
// specificity-ordered output.
type PatternRule struct {
	Pattern string
	Rule    Rule
}

// Rules returns the canonical-reference rules sorted by specificity
// descending: a more specific pattern (matching a strict subset of what
// a less specific one matches) sorts first; ties are broken by longer
// literal prefix.
func (v View) Rules() []PatternRule {
	out := make([]PatternRule, 0, len(v.doc.CanonicalRefs.Rules))
	for pattern, rule := range v.doc.CanonicalRefs.Rules {
		out = append(out, PatternRule{Pattern: pattern, Rule: rule})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return MoreSpecific(out[i].Pattern, out[j].Pattern)
	})
	return out
}

// IsAccepted forwards acceptance of a revision from the identity layer.
// The identity layer itself (consensus over which revision is current)
// is an external collaborator; a minimal local check is provided here
// so this engine can be exercised without that collaborator: revisions
// at or before the current one are considered accepted.
func (v View) IsAccepted(revision uint64) bool {
	return revision <= v.doc.Revision
}

// MoreSpecific reports whether pattern a is more specific than b: a
// pattern is more specific than another if it matches a strict subset
// of names; ties are broken by longer literal prefix. For the
// prefix-wildcard patterns this engine targets (`refs/tags/*`,
// `refs/tags/qa/*`), a longer literal prefix before the first wildcard
// can only ever match what a shorter prefix matches, or a subset of it,
// so literal-prefix length doubles as the primary subset test here; the
// rules package uses this same function so the identity view's
// advertised ordering and the rule matcher's actual selection never
// disagree.
func MoreSpecific(a, b string) bool {
	pa, pb := literalPrefixLen(a), literalPrefixLen(b)
	if pa != pb {
		return pa > pb
	}
	return len(a) > len(b)
}

func literalPrefixLen(pattern string) int {
	if i := indexByte(pattern, '*'); i >= 0 {
		return i
	}
	return len(pattern)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
