// Package quorum implements the core vote-resolution algorithm: given a
// reference name, its matched rule, and the set of per-delegate votes,
// decide a single canonical target or report why none could be
// determined.
package quorum

import (
	"context"
	"errors"

	"github.com/forgehub/cre/ancestry"
	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
	"github.com/forgehub/cre/storage"
)

// ErrNoVoters is returned when the voter set passed to Resolve is empty.
var ErrNoVoters = errors.New("quorum: no eligible voters supplied")

// Outcome tags the shape of a Resolve result. Modeled as a tagged
// variant rather than a class hierarchy: exactly one of the typed
// fields on Result is meaningful for a given Outcome.
type Outcome int

const (
	// OutcomeConverged means a single canonical target was determined.
	OutcomeConverged Outcome = iota
	// OutcomeDiverged means multiple incomparable commits each reached
	// threshold support.
	OutcomeDiverged
	// OutcomeNoQuorum means no candidate reached threshold support.
	OutcomeNoQuorum
)

// TargetKind distinguishes a converged tag-object target from a
// converged commit target (including a tag peeled to its commit).
type TargetKind int

const (
	TargetCommit TargetKind = iota
	TargetTag
)

// Converged describes an OutcomeConverged result.
type Converged struct {
	OID  oid.OID
	Kind TargetKind
	// PeeledFromTag is set when the convergence came from peeling
	// annotated-tag votes down to their common commit (Step D): the
	// canonical target is the commit, but callers that want to know a
	// tag vote was involved can still ask.
	PeeledFromTag bool
}

// Diverged describes an OutcomeDiverged result: two or more maximal,
// mutually-incomparable commits each reached threshold support.
type Diverged struct {
	Candidates []oid.OID
	Base       oid.OID // lowest common ancestor of Candidates, if any
	HasBase    bool
	Threshold  int
}

// NoQuorum describes an OutcomeNoQuorum result.
type NoQuorum struct {
	Threshold int
	Best      int // the strongest support count actually observed
}

// Result is the outcome of a single Resolve call.
type Result struct {
	Outcome  Outcome
	Conv     Converged
	Div      Diverged
	NoQ      NoQuorum
	Malformed []MalformedVote
}

// MalformedVote records a voter whose ref entry classified as neither a
// commit nor an annotated tag peeling to one, for a head or tag rule
// that requires one of those kinds. The vote is discarded; resolution
// continues without it.
type MalformedVote struct {
	Delegate identity.Delegate
	OID      oid.OID
	Kind     storage.Kind
}

// Option configures a Resolve call. Unrecognized option values are
// ignored, matching the type-assert-and-ignore idiom used elsewhere in
// this module.
type Option func(any)

type config struct {
	isTagPattern bool
}

// WithTagPattern marks the reference pattern being resolved as a tag
// pattern (refs/tags/**), enabling annotated-tag votes and the Step D
// peel fallback. Without it, votes must classify as commits.
func WithTagPattern() Option {
	return func(v any) {
		if c, ok := v.(*config); ok {
			c.isTagPattern = true
		}
	}
}

func applyOptions(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Votes maps a delegate to the OID found in its signed refs set for the
// reference being resolved. Absent entries are simply not present here.
type Votes map[identity.Delegate]oid.OID

// Resolve runs Steps A-E against votes for a reference matched to rule.
func Resolve(
	ctx context.Context,
	collab storage.Collaborator,
	anc *ancestry.Cache,
	rule identity.Rule,
	votes Votes,
	opts ...Option,
) (Result, error) {
	if len(votes) == 0 {
		return Result{}, ErrNoVoters
	}
	cfg := applyOptions(opts)
	T := rule.Threshold

	classified, malformed, err := classifyVotes(ctx, collab, votes, cfg.isTagPattern)
	if err != nil {
		return Result{}, err
	}

	// Step A: exact agreement over the raw voted OID (tag object OID for
	// tag votes, commit OID for head/commit votes).
	exactSupport := tallyExact(classified)
	if exact, ok := uniqueAtThreshold(exactSupport, T); ok {
		kind := TargetCommit
		if classified[exact].kind == storage.KindAnnotatedTag {
			kind = TargetTag
		}
		return Result{
			Outcome:   OutcomeConverged,
			Conv:      Converged{OID: exact, Kind: kind},
			Malformed: malformed,
		}, nil
	}

	if cfg.isTagPattern {
		return resolveTagPattern(ctx, anc, classified, T, malformed)
	}
	return resolveCommitPattern(ctx, anc, commitOIDs(classified), T, malformed)
}

type classifiedVote struct {
	delegate identity.Delegate
	votedOID oid.OID // the OID as recorded by the voter (tag or commit)
	kind     storage.Kind
	commit   oid.OID // votedOID itself if kind==Commit, else PeelsTo if KindAnnotatedTag
}

func classifyVotes(ctx context.Context, collab storage.Collaborator, votes Votes, tagPattern bool) (map[oid.OID]classifiedVote, []MalformedVote, error) {
	out := make(map[oid.OID]classifiedVote, len(votes))
	var malformed []MalformedVote
	for delegate, o := range votes {
		class, err := collab.ObjectKind(ctx, o)
		if err != nil {
			return nil, nil, err
		}
		switch class.Kind {
		case storage.KindCommit:
			out[o] = classifiedVote{delegate: delegate, votedOID: o, kind: storage.KindCommit, commit: o}
		case storage.KindAnnotatedTag:
			if !tagPattern {
				malformed = append(malformed, MalformedVote{Delegate: delegate, OID: o, Kind: class.Kind})
				continue
			}
			out[o] = classifiedVote{delegate: delegate, votedOID: o, kind: storage.KindAnnotatedTag, commit: class.PeelsTo}
		default:
			malformed = append(malformed, MalformedVote{Delegate: delegate, OID: o, Kind: class.Kind})
		}
	}
	return out, malformed, nil
}

func tallyExact(classified map[oid.OID]classifiedVote) map[oid.OID]int {
	tally := make(map[oid.OID]int, len(classified))
	for o := range classified {
		tally[o]++
	}
	return tally
}

// uniqueAtThreshold reports the single key reaching support >= T, if
// exactly one such key exists.
func uniqueAtThreshold(support map[oid.OID]int, T int) (oid.OID, bool) {
	var found oid.OID
	count := 0
	for o, s := range support {
		if s >= T {
			found = o
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return oid.Zero, false
}

func commitOIDs(classified map[oid.OID]classifiedVote) []oid.OID {
	// every classified entry for a non-tag pattern already has commit ==
	// votedOID; for a tag pattern's peel fallback the caller passes
	// peeled commits directly (see resolveTagPattern).
	out := make([]oid.OID, 0, len(classified))
	for _, cv := range classified {
		out = append(out, cv.commit)
	}
	return out
}

func resolveCommitPattern(ctx context.Context, anc *ancestry.Cache, votedCommits []oid.OID, T int, malformed []MalformedVote) (Result, error) {
	support, best, err := computeSupport(ctx, anc, votedCommits)
	if err != nil {
		return Result{}, err
	}
	return resultFromSupport(ctx, anc, support, best, T, malformed, TargetCommit, false)
}

func resolveTagPattern(ctx context.Context, anc *ancestry.Cache, classified map[oid.OID]classifiedVote, T int, malformed []MalformedVote) (Result, error) {
	peeled := make([]oid.OID, 0, len(classified))
	anyTag := false
	for _, cv := range classified {
		peeled = append(peeled, cv.commit)
		if cv.kind == storage.KindAnnotatedTag {
			anyTag = true
		}
	}
	support, best, err := computeSupport(ctx, anc, peeled)
	if err != nil {
		return Result{}, err
	}
	return resultFromSupport(ctx, anc, support, best, T, malformed, TargetCommit, anyTag)
}

// computeSupport returns, for each distinct commit in votedCommits, the
// number of distinct voters whose vote is that commit or a descendant
// of it (Step B), plus the strongest support value observed (for
// NoQuorum's "best" diagnostic).
func computeSupport(ctx context.Context, anc *ancestry.Cache, votedCommits []oid.OID) (map[oid.OID]int, int, error) {
	distinct := oid.NewSet(votedCommits...).Slice()
	support := make(map[oid.OID]int, len(distinct))
	best := 0
	for _, candidate := range distinct {
		count := 0
		for _, voted := range votedCommits {
			ok, err := anc.IsAncestor(ctx, candidate, voted)
			if err != nil {
				return nil, 0, err
			}
			if ok {
				count++
			}
		}
		support[candidate] = count
		if count > best {
			best = count
		}
	}
	return support, best, nil
}

func resultFromSupport(ctx context.Context, anc *ancestry.Cache, support map[oid.OID]int, best, T int, malformed []MalformedVote, kind TargetKind, fromTagPeel bool) (Result, error) {
	var atThreshold []oid.OID
	for o, s := range support {
		if s >= T {
			atThreshold = append(atThreshold, o)
		}
	}
	if len(atThreshold) == 0 {
		return Result{
			Outcome:   OutcomeNoQuorum,
			NoQ:       NoQuorum{Threshold: T, Best: best},
			Malformed: malformed,
		}, nil
	}

	maximal, err := maximalCommits(ctx, anc, atThreshold)
	if err != nil {
		return Result{}, err
	}
	if len(maximal) == 1 {
		return Result{
			Outcome:   OutcomeConverged,
			Conv:      Converged{OID: maximal[0], Kind: kind, PeeledFromTag: fromTagPeel},
			Malformed: malformed,
		}, nil
	}

	base, hasBase, err := lowestCommonAncestor(ctx, anc, maximal)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Outcome: OutcomeDiverged,
		Div: Diverged{
			Candidates: maximal,
			Base:       base,
			HasBase:    hasBase,
			Threshold:  T,
		},
		Malformed: malformed,
	}, nil
}

// maximalCommits returns the subset of candidates with no other
// candidate as a strict descendant — i.e. the commits not dominated by
// any other candidate in the ancestry order.
func maximalCommits(ctx context.Context, anc *ancestry.Cache, candidates []oid.OID) ([]oid.OID, error) {
	ordered := oid.NewSet(candidates...).Slice()
	var maximal []oid.OID
	for _, c := range ordered {
		dominated := false
		for _, other := range ordered {
			if other == c {
				continue
			}
			ok, err := anc.IsAncestor(ctx, c, other)
			if err != nil {
				return nil, err
			}
			if ok {
				dominated = true
				break
			}
		}
		if !dominated {
			maximal = append(maximal, c)
		}
	}
	return maximal, nil
}

// lowestCommonAncestor folds MergeBase over candidates in order (the
// base of the first two, then the base of that and the next, and so
// on) down to a single base, if one exists for all of them.
func lowestCommonAncestor(ctx context.Context, anc *ancestry.Cache, candidates []oid.OID) (oid.OID, bool, error) {
	if len(candidates) == 0 {
		return oid.Zero, false, nil
	}
	base := candidates[0]
	ok := true
	for _, c := range candidates[1:] {
		var found bool
		var err error
		base, found, err = anc.MergeBase(ctx, base, c)
		if err != nil {
			return oid.Zero, false, err
		}
		if !found {
			ok = false
			break
		}
	}
	return base, ok, nil
}
