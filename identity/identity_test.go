package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Document {
	return Document{
		Revision:  1,
		Delegates: []Delegate{"A", "B"},
		Threshold: 2,
		CanonicalRefs: RulesPayload{
			Rules: map[string]Rule{
				"refs/tags/*":    {Threshold: 2, Allow: AllowDelegates},
				"refs/tags/qa/*": {Threshold: 1, Allow: AllowDelegates},
			},
		},
	}
}

func TestDocumentValidate(t *testing.T) {
	require.NoError(t, sampleDoc().Validate())

	bad := sampleDoc()
	bad.CanonicalRefs.Rules["refs/tags/*"] = Rule{Threshold: 0, Allow: AllowDelegates}
	assert.ErrorIs(t, bad.Validate(), ErrThresholdOutOfRange)

	bad2 := sampleDoc()
	bad2.CanonicalRefs.Rules["refs/tags/*"] = Rule{Threshold: 1, Allow: "role:maintainers"}
	assert.ErrorIs(t, bad2.Validate(), ErrUnsupportedAllow)
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	doc := sampleDoc()
	a, err := CanonicalJSON(doc)
	require.NoError(t, err)
	b, err := CanonicalJSON(doc)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, string(a), "\n")
	assert.NotContains(t, string(a), "  ")
}

func TestViewRulesSpecificityOrder(t *testing.T) {
	v := NewView(sampleDoc())
	rules := v.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "refs/tags/qa/*", rules[0].Pattern)
	assert.Equal(t, "refs/tags/*", rules[1].Pattern)
}

func TestViewDelegatesAndThreshold(t *testing.T) {
	v := NewView(sampleDoc())
	assert.True(t, v.HasDelegate("A"))
	assert.False(t, v.HasDelegate("Z"))
	assert.Equal(t, 2, v.GlobalThreshold())
	assert.ElementsMatch(t, []Delegate{"A", "B"}, v.Delegates())
}

func TestIsAccepted(t *testing.T) {
	v := NewView(sampleDoc())
	assert.True(t, v.IsAccepted(1))
	assert.False(t, v.IsAccepted(2))
}
