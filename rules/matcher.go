// Package rules resolves a reference name to the most specific matching
// canonical-reference rule.
package rules

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/forgehub/cre/identity"
)

// ErrNoRule is returned when no rule matches ref_name and it does not
// fall under the implicit refs/heads/* default — the reference is not
// subject to canonicalization at all.
var ErrNoRule = errors.New("rules: no canonicalization rule applies to this reference")

const headsPrefix = "refs/heads/"

// Match is the result of resolving a reference name: the pattern that
// matched (which may be the synthetic implicit pattern) and its rule.
type Match struct {
	Pattern string
	Rule    identity.Rule
}

// Matcher resolves reference names against an ordered, specificity-
// sorted set of rules taken from an identity.View snapshot.
type Matcher struct {
	ordered         []identity.PatternRule
	globalThreshold int
}

// NewMatcher builds a Matcher from a frozen identity.View. The rules
// are copied out in the View's specificity-descending order at
// construction time, so a Matcher is itself a stable snapshot — it
// does not re-consult the View on every Match call.
func NewMatcher(view identity.View) Matcher {
	return Matcher{
		ordered:         view.Rules(),
		globalThreshold: view.GlobalThreshold(),
	}
}

// Match resolves refName to the most specific matching rule:
//  1. Iterate rules in specificity-descending order; return the first
//     whose pattern matches.
//  2. If none match and refName starts with refs/heads/, return the
//     implicit (refs/heads/*, {threshold: global_threshold, allow:
//     delegates}) rule.
//  3. Otherwise return ErrNoRule.
func (m Matcher) Match(refName string) (Match, error) {
	for _, pr := range m.ordered {
		ok, err := patternMatches(pr.Pattern, refName)
		if err != nil {
			return Match{}, err
		}
		if ok {
			return Match{Pattern: pr.Pattern, Rule: pr.Rule}, nil
		}
	}
	if strings.HasPrefix(refName, headsPrefix) {
		return Match{
			Pattern: headsPrefix + "*",
			Rule:    identity.Rule{Threshold: m.globalThreshold, Allow: identity.AllowDelegates},
		}, nil
	}
	return Match{}, ErrNoRule
}

// patternMatches reports whether pattern (a `*`-as-path-segment glob)
// matches name. doublestar.Match treats a single `*` as matching any
// run of non-separator characters, exactly the path-segment wildcard
// semantics this engine's pattern language specifies. `**` is not part
// of that language; doublestar would let it match across separators,
// so only patterns built from single `*` segments, like
// refs/tags/qa/*, keep the one-segment behaviour.
func patternMatches(pattern, name string) (bool, error) {
	return doublestar.Match(pattern, name)
}
