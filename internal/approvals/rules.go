package approvals

import (
	"fmt"
	"regexp"
	"sort"
)

// Matches reports whether an ApprovalRule's arg_constraints match the given
// tool call args. An empty constraint map
// matches any invocation.
func (r *ApprovalRule) Matches(args map[string]any) bool {
	for key, c := range r.ArgConstraints {
		if c.Kind == ConstraintAny {
			continue
		}
		val, present := args[key]
		if !present {
			return false
		}
		str := fmt.Sprintf("%v", val)
		switch c.Kind {
		case ConstraintExact:
			if str != c.Value {
				return false
			}
		case ConstraintPattern:
			re, err := regexp.Compile(c.Value)
			if err != nil || !re.MatchString(str) {
				return false
			}
		}
	}
	return true
}

// specificity sums the per-constraint match-strength score).
func (r *ApprovalRule) specificity() int {
	total := 0
	for _, c := range r.ArgConstraints {
		total += c.specificity()
	}
	return total
}

// bounded reports whether the rule has a scope limiter (expiry or use cap),
// used for precedence step 5(ii): bounded-scope rules beat unbounded ones.
func (r *ApprovalRule) bounded() bool {
	return r.ExpiresAt != nil || r.MaxUses != nil
}

// SelectWinner filters candidates to those whose constraints match args, then
// sorts by deterministic precedence and returns the
// winner, or nil if no candidate matches.
//
// Precedence: (i) specificity descending, (ii) bounded before unbounded,
// (iii) newer created_at before older, (iv) lexically smaller rule_id as
// final tiebreak.
func SelectWinner(candidates []*ApprovalRule, args map[string]any) *ApprovalRule {
	var matching []*ApprovalRule
	for _, r := range candidates {
		if r.Matches(args) {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	sort.SliceStable(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if sa, sb := a.specificity(), b.specificity(); sa != sb {
			return sa > sb
		}
		if ba, bb := a.bounded(), b.bounded(); ba != bb {
			return ba // bounded (true) sorts first
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.RuleID < b.RuleID
	})

	return matching[0]
}

// ValidateRiskInvariant enforces the ApprovalRule invariant: rules tagged
// high or critical risk must carry at least one exact/pattern constraint AND
// at least one of expires_at/max_uses.
func ValidateRiskInvariant(r *ApprovalRule) error {
	if r.RiskTier != RiskHigh && r.RiskTier != RiskCritical {
		return nil
	}
	hasSpecific := false
	for _, c := range r.ArgConstraints {
		if c.Kind == ConstraintExact || c.Kind == ConstraintPattern {
			hasSpecific = true
			break
		}
	}
	if !hasSpecific {
		return fmt.Errorf("%w: %s-risk rule must have at least one exact or pattern constraint", ErrConfiguration, r.RiskTier)
	}
	if !r.bounded() {
		return fmt.Errorf("%w: %s-risk rule must set expires_at or max_uses", ErrConfiguration, r.RiskTier)
	}
	return nil
}
