// Package planner implements the Canonical Update Planner: it applies
// the quorum resolver across every reference affected by an event,
// produces a diff of canonical updates against the previously recorded
// state, and validates proposed pushes before they are accepted.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/forgehub/cre/ancestry"
	"github.com/forgehub/cre/events"
	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
	"github.com/forgehub/cre/quorum"
	"github.com/forgehub/cre/refstore"
	"github.com/forgehub/cre/rules"
	"github.com/forgehub/cre/storage"
)

// ErrIdentityUnavailable is returned when the Planner has no usable
// identity snapshot to compute against.
var ErrIdentityUnavailable = errors.New("planner: identity snapshot unavailable")

const tagsPrefix = "refs/tags/"

// RefState classifies the last evaluation of a single reference.
type RefState int

const (
	// StateAbsent means the reference has never had a canonical value.
	StateAbsent RefState = iota
	// StateCanonical means the reference currently resolves to a value.
	StateCanonical
	// StateDivergent means the last evaluation found incomparable
	// threshold-supported candidates; any previously recorded canonical
	// value, if present, remains in force.
	StateDivergent
	// StateMalformed means every vote observed for the reference
	// classified as the wrong object kind.
	StateMalformed
)

func (s RefState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCanonical:
		return "canonical"
	case StateDivergent:
		return "divergent"
	case StateMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DiagnosticKind tags the structured reason attached to a non-update or
// a warning.
type DiagnosticKind int

const (
	DiagnosticNone DiagnosticKind = iota
	DiagnosticNoQuorum
	DiagnosticDiverged
	DiagnosticMalformedVote
	DiagnosticStorageError
)

// Diagnostic is a structured, non-fatal evaluation outcome. The stable
// Text strings are formatted from the structured fields so tests and
// tooling can assert against either.
type Diagnostic struct {
	Kind      DiagnosticKind
	RefName   string
	NoQuorum  quorum.NoQuorum
	Diverged  quorum.Diverged
	Malformed []quorum.MalformedVote
	Text      string
}

// CanonicalUpdate is one reference's canonical-target diff produced by
// a planner run.
type CanonicalUpdate struct {
	RefName    string
	Old        oid.OID
	OldSet     bool
	New        oid.OID
	NewSet     bool
	Kind       storage.Kind
	Diagnostic Diagnostic // Kind is DiagnosticNone on an ordinary converge; Text holds the "updated to target" message
}

// PlanResult is the output of a single PlanUpdates call.
type PlanResult struct {
	Updates  []CanonicalUpdate
	Warnings []Diagnostic
}

// PushOutcome tags a PushDecision's shape.
type PushOutcome int

const (
	// PushAccept means the push introduces no divergence worse than the
	// current state.
	PushAccept PushOutcome = iota
	// PushAcceptWithWarning means the push proceeds (signed refs are
	// always recorded) but one or more refs will lack quorum or
	// diverge.
	PushAcceptWithWarning
	// PushReject means the push would move an already-canonical head to
	// a commit that is neither equal to nor a descendant of it while
	// another delegate has not diverged from that head.
	PushReject
)

// PushDecision is the outcome of ValidatePush.
type PushDecision struct {
	Outcome     PushOutcome
	Warnings    []Diagnostic
	RejectedRef string
	Reason      string
}

// Accepted reports whether the push should be allowed to proceed
// (PushAccept or PushAcceptWithWarning).
func (d PushDecision) Accepted() bool {
	return d.Outcome != PushReject
}

// Option configures a Planner at construction time. Unrecognized option
// values are ignored.
type Option func(any)

type config struct {
	ancestryHint int
}

// WithAncestryHint sizes the per-run ancestry memoization cache for the
// expected number of distinct ancestry queries a run will perform.
func WithAncestryHint(n int) Option {
	return func(v any) {
		if c, ok := v.(*config); ok {
			c.ancestryHint = n
		}
	}
}

type canonicalEntry struct {
	state RefState
	oid   oid.OID
	set   bool
}

// Planner is the single logical writer of a repository's canonical
// reference state. Reads (PlanUpdates's vote gathering, ValidatePush's
// simulation) run under a read lock; the final apply of accepted
// updates runs under a short exclusive section that re-validates the
// signed-refs sequence numbers observed during the read phase.
type Planner struct {
	mu      sync.RWMutex
	repo    identity.RepoID
	view    identity.View
	store   refstore.Store
	matcher rules.Matcher
	collab  storage.Collaborator
	bus     *events.Bus
	cfg     config

	canonical map[string]canonicalEntry
}

// New builds a Planner for repo, snapshotting view and matcher at
// construction time. Callers rebuild (or call SetView on) the Planner
// when a new identity revision is accepted.
func New(repo identity.RepoID, view identity.View, store refstore.Store, collab storage.Collaborator, opts ...Option) *Planner {
	cfg := config{ancestryHint: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Planner{
		repo:      repo,
		view:      view,
		store:     store,
		matcher:   rules.NewMatcher(view),
		collab:    collab,
		bus:       events.NewBus(),
		cfg:       cfg,
		canonical: make(map[string]canonicalEntry),
	}
}

// SetView installs a new identity snapshot, re-deriving the Matcher.
// Callers must re-run PlanUpdates over every currently-canonical
// reference afterwards, since a delegate removal can drop support below
// threshold for references that previously converged.
func (p *Planner) SetView(view identity.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = view
	p.matcher = rules.NewMatcher(view)
}

// Canonical returns the currently recorded canonical OID for refName,
// if any.
func (p *Planner) Canonical(refName string) (oid.OID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.canonical[refName]
	if !ok || !e.set {
		return oid.Zero, false
	}
	return e.oid, true
}

// State returns the last recorded RefState for refName.
func (p *Planner) State(refName string) RefState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.canonical[refName].state
}

// Subscribe registers a new CanonicalRefUpdated subscriber.
func (p *Planner) Subscribe(buffer int) events.Subscription {
	return p.bus.Subscribe(buffer)
}

// PlanUpdates evaluates every ref in affectedRefs against the current
// identity snapshot and signed refs store, applies accepted updates to
// the canonical state, and emits a CanonicalRefUpdated event for each.
func (p *Planner) PlanUpdates(ctx context.Context, affectedRefs []string) (PlanResult, error) {
	p.mu.RLock()
	view := p.view
	matcher := p.matcher
	repo := p.repo
	p.mu.RUnlock()

	anc := ancestry.New(p.collab, p.cfg.ancestryHint*len(affectedRefs)+1)

	var result PlanResult
	for _, refName := range affectedRefs {
		match, err := matcher.Match(refName)
		if errors.Is(err, rules.ErrNoRule) {
			continue
		}
		if err != nil {
			return PlanResult{}, fmt.Errorf("planner: matching %q: %w", refName, err)
		}

		votes, seqSnapshot := p.gatherVotes(view, repo, refName, "", oid.Zero)
		if len(votes) == 0 {
			continue
		}

		qres, err := resolveVotes(ctx, p.collab, anc, match, votes)
		if err != nil {
			result.Warnings = append(result.Warnings, Diagnostic{
				Kind:    DiagnosticStorageError,
				RefName: refName,
				Text:    fmt.Sprintf("storage lookup failed while resolving canonical reference `%s`: %s", refName, err),
			})
			continue
		}

		update, warning, err := p.applyOutcome(ctx, refName, qres, seqSnapshot)
		if err != nil {
			result.Warnings = append(result.Warnings, Diagnostic{
				Kind:    DiagnosticStorageError,
				RefName: refName,
				Text:    fmt.Sprintf("storage lookup failed while resolving canonical reference `%s`: %s", refName, err),
			})
			continue
		}
		if update != nil {
			result.Updates = append(result.Updates, *update)
			p.bus.Publish(events.CanonicalRefUpdated{
				RefName: refName,
				Old:     update.Old,
				OldSet:  update.OldSet,
				New:     update.New,
				NewSet:  update.NewSet,
				Kind:    update.Kind,
			})
		}
		if warning != nil {
			result.Warnings = append(result.Warnings, *warning)
		}
	}
	return result, nil
}

// resolveVotes picks the tag/commit resolution mode from the matched
// pattern and calls quorum.Resolve.
func resolveVotes(ctx context.Context, collab storage.Collaborator, anc *ancestry.Cache, match rules.Match, votes quorum.Votes) (quorum.Result, error) {
	var opts []quorum.Option
	if strings.HasPrefix(match.Pattern, tagsPrefix) {
		opts = append(opts, quorum.WithTagPattern())
	}
	return quorum.Resolve(ctx, collab, anc, match.Rule, votes, opts...)
}

// gatherVotes collects one vote per eligible delegate for refName,
// optionally overriding the override delegate's vote with
// overrideOID (used by ValidatePush to simulate a not-yet-published
// signed refs update). It also returns the signed-refs sequence number
// observed per delegate, for the CAS re-validation in applyOutcome.
func (p *Planner) gatherVotes(view identity.View, repo identity.RepoID, refName string, override identity.Delegate, overrideOID oid.OID) (quorum.Votes, map[identity.Delegate]uint64) {
	votes := make(quorum.Votes)
	seq := make(map[identity.Delegate]uint64)
	for _, d := range view.Delegates() {
		if override != "" && d == override {
			votes[d] = overrideOID
			continue
		}
		if o, ok := p.store.Get(d, repo, refName); ok {
			votes[d] = o
			seq[d] = p.store.Sequence(d, repo)
		}
	}
	return votes, seq
}

// applyOutcome enforces history monotonicity against the current
// canonical, re-validates the signed-refs sequence snapshot, and
// updates the recorded canonical state. It returns a CanonicalUpdate
// when the canonical value changed, and/or a warning Diagnostic when
// the evaluation did not converge (regardless of whether the canonical
// value changed).
func (p *Planner) applyOutcome(ctx context.Context, refName string, qres quorum.Result, seqSnapshot map[identity.Delegate]uint64) (*CanonicalUpdate, *Diagnostic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.revalidateSequences(refName, seqSnapshot) {
		// a delegate published a newer signed-refs update while this run
		// was computing votes; abandon this ref, it is picked up again
		// on the next event.
		return nil, nil, nil
	}

	current := p.canonical[refName]

	switch qres.Outcome {
	case quorum.OutcomeConverged:
		return p.applyConverged(ctx, refName, current, qres)
	case quorum.OutcomeDiverged:
		p.canonical[refName] = canonicalEntry{state: StateDivergent, oid: current.oid, set: current.set}
		d := divergedDiagnostic(refName, qres.Div)
		return nil, &d, nil
	default: // OutcomeNoQuorum
		if len(qres.Malformed) > 0 && allMalformed(qres) {
			p.canonical[refName] = canonicalEntry{state: StateMalformed, oid: current.oid, set: current.set}
		}
		d := noQuorumDiagnostic(refName, qres.NoQ)
		return nil, &d, nil
	}
}

func allMalformed(qres quorum.Result) bool {
	// NoQuorum with Best == 0 and at least one malformed vote means no
	// vote at all classified usefully.
	return qres.NoQ.Best == 0
}

func (p *Planner) applyConverged(ctx context.Context, refName string, current canonicalEntry, qres quorum.Result) (*CanonicalUpdate, *Diagnostic, error) {
	Y := qres.Conv.OID
	kind := storage.KindCommit
	if qres.Conv.Kind == quorum.TargetTag {
		kind = storage.KindAnnotatedTag
	}

	if current.set && current.oid == Y {
		return nil, nil, nil // no change
	}

	if current.set {
		fastForward, err := p.collab.IsAncestor(ctx, current.oid, Y)
		if err != nil {
			return nil, nil, fmt.Errorf("planner: checking ancestry for %q: %w", refName, err)
		}
		if !fastForward {
			reverted, err := p.collab.IsAncestor(ctx, Y, current.oid)
			if err != nil {
				return nil, nil, fmt.Errorf("planner: checking ancestry for %q: %w", refName, err)
			}
			if !reverted {
				// Neither side is an ancestor of the other: downgrade to
				// Diverged using the current canonical as one candidate.
				base, hasBase, err := p.collab.MergeBase(ctx, current.oid, Y)
				if err != nil {
					return nil, nil, fmt.Errorf("planner: computing merge base for %q: %w", refName, err)
				}
				div := quorum.Diverged{
					Candidates: []oid.OID{current.oid, Y},
					Base:       base,
					HasBase:    hasBase,
					Threshold:  thresholdOf(qres),
				}
				p.canonical[refName] = canonicalEntry{state: StateDivergent, oid: current.oid, set: true}
				d := divergedDiagnostic(refName, div)
				return nil, &d, nil
			}
		}
	}

	update := CanonicalUpdate{
		RefName: refName,
		Old:     current.oid,
		OldSet:  current.set,
		New:     Y,
		NewSet:  true,
		Kind:    kind,
	}
	update.Diagnostic.Text = convergedDiagnosticText(refName, update)
	p.canonical[refName] = canonicalEntry{state: StateCanonical, oid: Y, set: true}
	return &update, nil, nil
}

func thresholdOf(qres quorum.Result) int {
	if qres.Outcome == quorum.OutcomeNoQuorum {
		return qres.NoQ.Threshold
	}
	return qres.Div.Threshold
}

// revalidateSequences re-reads each voting delegate's current sequence
// number and compares it against the value observed when votes were
// gathered. A mismatch means a concurrent signed-refs write raced this
// planner run; the caller must not apply its computed result.
func (p *Planner) revalidateSequences(_ string, seqSnapshot map[identity.Delegate]uint64) bool {
	for d, seq := range seqSnapshot {
		if p.store.Sequence(d, p.repo) != seq {
			return false
		}
	}
	return true
}

// ValidatePush simulates PlanUpdates as if localDelegate's signed refs
// already contained proposedRefs, without mutating any recorded state.
func (p *Planner) ValidatePush(ctx context.Context, localDelegate identity.Delegate, proposedRefs map[string]oid.OID) (PushDecision, error) {
	p.mu.RLock()
	view := p.view
	matcher := p.matcher
	repo := p.repo
	p.mu.RUnlock()

	anc := ancestry.New(p.collab, p.cfg.ancestryHint*len(proposedRefs)+1)

	var decision PushDecision

	refNames := make([]string, 0, len(proposedRefs))
	for refName := range proposedRefs {
		refNames = append(refNames, refName)
	}
	sort.Strings(refNames)

	for _, refName := range refNames {
		proposed := proposedRefs[refName]
		match, err := matcher.Match(refName)
		if errors.Is(err, rules.ErrNoRule) {
			continue
		}
		if err != nil {
			return PushDecision{}, fmt.Errorf("planner: matching %q: %w", refName, err)
		}

		p.mu.RLock()
		current := p.canonical[refName]
		p.mu.RUnlock()

		// Reject check: independent of whether the simulated vote set
		// would itself converge. A head push is rejected outright when
		// its proposed commit is neither equal to nor a descendant of
		// the current canonical, and some other delegate has not
		// diverged from that canonical (is still at or ahead of it) —
		// this push would otherwise strand that peer.
		if current.set && !strings.HasPrefix(match.Pattern, tagsPrefix) && proposed != current.oid {
			equalOrDescendant, err := p.collab.IsAncestor(ctx, current.oid, proposed)
			if err != nil {
				return PushDecision{}, fmt.Errorf("planner: checking ancestry for %q: %w", refName, err)
			}
			if !equalOrDescendant && p.otherDelegateAtOrAheadOfCanonical(ctx, view, repo, refName, localDelegate, current.oid) {
				return PushDecision{
					Outcome:     PushReject,
					RejectedRef: refName,
					Reason:      fmt.Sprintf("push would move canonical reference `%s` away from commit `%s`, which another delegate has not diverged from", refName, current.oid),
				}, nil
			}
		}

		votes, _ := p.gatherVotes(view, repo, refName, localDelegate, proposed)
		qres, err := resolveVotes(ctx, p.collab, anc, match, votes)
		if err != nil {
			return PushDecision{}, fmt.Errorf("planner: resolving %q: %w", refName, err)
		}

		if qres.Outcome != quorum.OutcomeConverged {
			if qres.Outcome == quorum.OutcomeDiverged {
				d := divergedDiagnostic(refName, qres.Div)
				decision.Warnings = append(decision.Warnings, d)
			} else {
				d := noQuorumDiagnostic(refName, qres.NoQ)
				decision.Warnings = append(decision.Warnings, d)
			}
		}
	}

	if len(decision.Warnings) > 0 {
		decision.Outcome = PushAcceptWithWarning
	}
	return decision, nil
}

func (p *Planner) otherDelegateAtOrAheadOfCanonical(ctx context.Context, view identity.View, repo identity.RepoID, refName string, localDelegate identity.Delegate, canonical oid.OID) bool {
	for _, d := range view.Delegates() {
		if d == localDelegate {
			continue
		}
		voted, ok := p.store.Get(d, repo, refName)
		if !ok {
			continue
		}
		if voted == canonical {
			return true
		}
		ahead, err := p.collab.IsAncestor(ctx, canonical, voted)
		if err == nil && ahead {
			return true
		}
	}
	return false
}

func noQuorumDiagnostic(refName string, nq quorum.NoQuorum) Diagnostic {
	return Diagnostic{
		Kind:     DiagnosticNoQuorum,
		RefName:  refName,
		NoQuorum: nq,
		Text: fmt.Sprintf(
			"could not determine target for canonical reference `%s`, no object with at least `%d` vote(s) found (threshold not met)",
			refName, nq.Threshold,
		),
	}
}

func divergedDiagnostic(refName string, div quorum.Diverged) Diagnostic {
	candidates := append([]oid.OID(nil), div.Candidates...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	var a, b string
	if len(candidates) > 0 {
		a = candidates[0].String()
	}
	if len(candidates) > 1 {
		b = candidates[1].String()
	}
	base := "unknown"
	if div.HasBase {
		base = div.Base.String()
	}
	return Diagnostic{
		Kind:     DiagnosticDiverged,
		RefName:  refName,
		Diverged: div,
		Text: fmt.Sprintf(
			"could not determine target commit for canonical reference `%s`, found diverging commits `%s` and `%s`, with base commit `%s` and threshold `%d`",
			refName, a, b, base, div.Threshold,
		),
	}
}

func convergedDiagnosticText(refName string, u CanonicalUpdate) string {
	if u.Kind == storage.KindAnnotatedTag {
		return fmt.Sprintf("Canonical reference `%s` updated to target tag `%s`", refName, u.New)
	}
	return fmt.Sprintf("Canonical reference `%s` updated to target commit `%s`", refName, u.New)
}
