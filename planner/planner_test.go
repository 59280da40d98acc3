package planner

import (
	"context"
	"testing"

	"github.com/forgehub/cre/identity"
	"github.com/forgehub/cre/oid"
	"github.com/forgehub/cre/refstore"
	"github.com/forgehub/cre/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oidN(b byte) oid.OID {
	var o oid.OID
	o[0] = b
	return o
}

func testRepo() identity.RepoID {
	return identity.RepoID(uuid.MustParse("11111111-1111-1111-1111-111111111111"))
}

func viewWith(delegates []identity.Delegate, globalThreshold int, rules map[string]identity.Rule) identity.View {
	doc := identity.Document{
		Revision:  1,
		Delegates: delegates,
		Threshold: globalThreshold,
		CanonicalRefs: identity.RulesPayload{
			Rules: rules,
		},
	}
	return identity.NewView(doc)
}

func publish(t *testing.T, store *refstore.MemStore, view identity.View, repo identity.RepoID, delegate identity.Delegate, seq uint64, refs map[string]oid.OID) {
	t.Helper()
	err := store.Update(view, refstore.SignedRefSet{
		Delegate: delegate,
		RepoID:   repo,
		Sequence: seq,
		Refs:     refs,
	}, nil)
	require.NoError(t, err)
}

// S1: Threshold-1 heads, delegate pushes ahead.
func TestS1ThresholdOneHeadsPushesAhead(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A"}, 1, map[string]identity.Rule{
		"refs/heads/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c1 := oidN(1)
	c2 := oidN(2)
	g.AddCommit(c1)
	g.AddCommit(c2, c1)

	p := New(repo, view, store, g)

	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/heads/main": c1})
	res, err := p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, c1, res.Updates[0].New)
	assert.False(t, res.Updates[0].OldSet)

	publish(t, store, view, repo, "A", 2, map[string]oid.OID{"refs/heads/main": c2})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, c1, res.Updates[0].Old)
	assert.Equal(t, c2, res.Updates[0].New)
}

// S2: Threshold-1 heads, second delegate diverges, then rebases, then
// force-reverts.
func TestS2ThresholdOneHeadsDivergeRebaseRevert(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A", "B"}, 1, map[string]identity.Rule{
		"refs/heads/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	base := oidN(0xF2)
	b1 := oidN(0x31) // 319a7dc analog
	a1 := oidN(0x2E) // 2e8758f analog, sibling of b1
	rebased := oidN(0xF6)
	g.AddCommit(base)
	g.AddCommit(b1, base)
	g.AddCommit(a1, base)
	g.AddCommit(rebased, b1)

	p := New(repo, view, store, g)

	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/heads/main": base})
	publish(t, store, view, repo, "B", 1, map[string]oid.OID{"refs/heads/main": base})
	res, err := p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, base, res.Updates[0].New)

	// B publishes a child of base; canonical advances.
	publish(t, store, view, repo, "B", 2, map[string]oid.OID{"refs/heads/main": b1})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, b1, res.Updates[0].New)

	// A publishes a sibling commit: diverges.
	publish(t, store, view, repo, "A", 2, map[string]oid.OID{"refs/heads/main": a1})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, DiagnosticDiverged, res.Warnings[0].Kind)
	canon, stillSet := p.Canonical("refs/heads/main")
	require.True(t, stillSet)
	assert.Equal(t, b1, canon, "previous canonical remains in force during divergence")

	// A rebases onto b1, producing rebased; converges.
	publish(t, store, view, repo, "A", 3, map[string]oid.OID{"refs/heads/main": rebased})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, rebased, res.Updates[0].New)

	// A force-pushes a reset back to b1: still at/ahead of every other
	// delegate's vote (B is still at b1), so this is accepted.
	publish(t, store, view, repo, "A", 4, map[string]oid.OID{"refs/heads/main": b1})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, b1, res.Updates[0].New)
}

// S3: Annotated tag, T=1.
func TestS3AnnotatedTagThresholdOne(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A"}, 1, map[string]identity.Rule{
		"refs/tags/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c1 := oidN(0xC1)
	t1 := oidN(0x71)
	g.AddCommit(c1)
	g.AddAnnotatedTag(t1, c1)

	p := New(repo, view, store, g)
	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/tags/v1.0-hotfix": t1})

	res, err := p.PlanUpdates(context.Background(), []string{"refs/tags/v1.0-hotfix"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, t1, res.Updates[0].New)
	assert.Equal(t, storage.KindAnnotatedTag, res.Updates[0].Kind)
	assert.Equal(t, "Canonical reference `refs/tags/v1.0-hotfix` updated to target tag `"+t1.String()+"`", res.Updates[0].Diagnostic.Text)
}

// S4/S5: Annotated tag, T=2: single vote -> NoQuorum, then second
// delegate's independently-created tag peeling to the same commit
// converges on the commit.
func TestS4S5AnnotatedTagThresholdTwo(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A", "B"}, 2, map[string]identity.Rule{
		"refs/tags/*": {Threshold: 2, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c := oidN(0xC2)
	t2 := oidN(0x72)
	t2prime := oidN(0x73)
	g.AddCommit(c)
	g.AddAnnotatedTag(t2, c)
	g.AddAnnotatedTag(t2prime, c)

	p := New(repo, view, store, g)
	publish(t, store, view, repo, "B", 1, map[string]oid.OID{"refs/tags/v2.0": t2})

	res, err := p.PlanUpdates(context.Background(), []string{"refs/tags/v2.0"})
	require.NoError(t, err)
	assert.Empty(t, res.Updates)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, DiagnosticNoQuorum, res.Warnings[0].Kind)
	assert.Equal(t, 2, res.Warnings[0].NoQuorum.Threshold)
	assert.Equal(t, 1, res.Warnings[0].NoQuorum.Best)
	_, set := p.Canonical("refs/tags/v2.0")
	assert.False(t, set)

	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/tags/v2.0": t2prime})
	res, err = p.PlanUpdates(context.Background(), []string{"refs/tags/v2.0"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, c, res.Updates[0].New)
	assert.Equal(t, storage.KindCommit, res.Updates[0].Kind)
}

// S6: Sub-rule override.
func TestS6SubRuleOverride(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A", "B"}, 2, map[string]identity.Rule{
		"refs/tags/*":    {Threshold: 2, Allow: identity.AllowDelegates},
		"refs/tags/qa/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c := oidN(0xC3)
	g.AddCommit(c)

	p := New(repo, view, store, g)
	publish(t, store, view, repo, "B", 1, map[string]oid.OID{"refs/tags/qa/v2.1": c})

	res, err := p.PlanUpdates(context.Background(), []string{"refs/tags/qa/v2.1"})
	require.NoError(t, err)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, c, res.Updates[0].New)
}

func TestPlanUpdatesIsIdempotentAfterApplying(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A"}, 1, map[string]identity.Rule{
		"refs/heads/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c1 := oidN(0x90)
	g.AddCommit(c1)

	p := New(repo, view, store, g)
	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/heads/main": c1})

	first, err := p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	require.Len(t, first.Updates, 1)

	second, err := p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)
	assert.Empty(t, second.Updates)
}

func TestValidatePushRejectsStrandingAnotherDelegate(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A", "B"}, 1, map[string]identity.Rule{
		"refs/heads/*": {Threshold: 1, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	base := oidN(0xA0)
	ahead := oidN(0xA1)
	unrelated := oidN(0xA2)
	g.AddCommit(base)
	g.AddCommit(ahead, base)
	g.AddCommit(unrelated)

	p := New(repo, view, store, g)
	publish(t, store, view, repo, "A", 1, map[string]oid.OID{"refs/heads/main": base})
	_, err := p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)

	publish(t, store, view, repo, "B", 1, map[string]oid.OID{"refs/heads/main": ahead})
	_, err = p.PlanUpdates(context.Background(), []string{"refs/heads/main"})
	require.NoError(t, err)

	decision, err := p.ValidatePush(context.Background(), "A", map[string]oid.OID{"refs/heads/main": unrelated})
	require.NoError(t, err)
	assert.Equal(t, PushReject, decision.Outcome)
	assert.Equal(t, "refs/heads/main", decision.RejectedRef)
}

func TestValidatePushAcceptsFirstTagPushUnderThresholdWithWarning(t *testing.T) {
	repo := testRepo()
	view := viewWith([]identity.Delegate{"A", "B"}, 2, map[string]identity.Rule{
		"refs/tags/*": {Threshold: 2, Allow: identity.AllowDelegates},
	})
	store := refstore.NewMemStore(nil)
	g := storage.NewGraph()
	c := oidN(0xB0)
	tag := oidN(0xB1)
	g.AddCommit(c)
	g.AddAnnotatedTag(tag, c)

	p := New(repo, view, store, g)
	decision, err := p.ValidatePush(context.Background(), "A", map[string]oid.OID{"refs/tags/v2.0": tag})
	require.NoError(t, err)
	assert.Equal(t, PushAcceptWithWarning, decision.Outcome)
	assert.True(t, decision.Accepted())
	require.Len(t, decision.Warnings, 1)
}
