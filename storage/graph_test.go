package storage

import (
	"context"
	"testing"

	"github.com/forgehub/cre/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphAncestry(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	c1 := oid.OID{0x01}
	c2 := oid.OID{0x02}
	c3 := oid.OID{0x03}
	g.AddCommit(c1)
	g.AddCommit(c2, c1)
	g.AddCommit(c3, c2)

	ok, err := g.IsAncestor(ctx, c1, c3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAncestor(ctx, c3, c1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.IsAncestor(ctx, c2, c2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGraphMergeBase(t *testing.T) {
	ctx := context.Background()
	g := NewGraph()

	base := oid.OID{0x10}
	left := oid.OID{0x11}
	right := oid.OID{0x12}
	g.AddCommit(base)
	g.AddCommit(left, base)
	g.AddCommit(right, base)

	mb, ok, err := g.MergeBase(ctx, left, right)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, mb)
}

func TestGraphObjectKindMissing(t *testing.T) {
	g := NewGraph()
	class, err := g.ObjectKind(context.Background(), oid.OID{0xAA})
	require.NoError(t, err)
	assert.Equal(t, KindMissing, class.Kind)
}

func TestGraphAnnotatedTag(t *testing.T) {
	g := NewGraph()
	tag := oid.OID{0x20}
	commit := oid.OID{0x21}
	g.AddCommit(commit)
	g.AddAnnotatedTag(tag, commit)

	class, err := g.ObjectKind(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, KindAnnotatedTag, class.Kind)
	assert.Equal(t, commit, class.PeelsTo)
}
