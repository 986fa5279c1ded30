package policy

import "regexp"

// Rule is one pattern in the constitution's enforcement tables. Name labels
// the violation or warning it produces; Principle groups rules for
// per-principle alignment scoring.
type Rule struct {
	Principle string
	Name      string
	Pattern   *regexp.Regexp
}

// RuleSet holds the ordered harmful and unethical rule tables. Harmful
// matches are violations and block; unethical matches are warnings and do
// not. Order is significant: violations and warnings are reported in table
// order, making results deterministic for identical input.
type RuleSet struct {
	Harmful   []Rule
	Unethical []Rule
}

// weight is the per-match score penalty unit: 1/(|harmful|+|unethical|).
// A violation costs twice a warning.
func (rs RuleSet) weight() float64 {
	n := len(rs.Harmful) + len(rs.Unethical)
	if n == 0 {
		return 0
	}
	return 1 / float64(n)
}

// Principles returns the distinct principle names covered by the rule set,
// in table order.
func (rs RuleSet) Principles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range append(append([]Rule{}, rs.Harmful...), rs.Unethical...) {
		if !seen[r.Principle] {
			seen[r.Principle] = true
			out = append(out, r.Principle)
		}
	}
	return out
}

// DefaultRuleSet returns the built-in constitution enforcement tables.
// Patterns are case-insensitive and deliberately narrow: they flag
// instructive or directed phrasing, not mere topic mentions.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Harmful: []Rule{
			{"harmlessness", "violence", regexp.MustCompile(`(?i)\b(?:kill|murder|assault|torture|maim)\b`)},
			{"harmlessness", "weapons", regexp.MustCompile(`(?i)\b(?:build|make|construct)\b.{0,24}\b(?:bomb|explosive|weapon)\b`)},
			{"harmlessness", "self-harm", regexp.MustCompile(`(?i)\bself[- ]harm\b|\bsuicide\b|\bhurt (?:myself|yourself)\b`)},
			{"honesty", "deception", regexp.MustCompile(`(?i)\b(?:lie to|deceive|defraud|mislead)\b`)},
			{"privacy", "unauthorized-access", regexp.MustCompile(`(?i)\bhack into\b|\bsteal (?:credentials|passwords|identit(?:y|ies))\b|\bbypass (?:security|authentication)\b`)},
		},
		Unethical: []Rule{
			{"honesty", "dishonesty", regexp.MustCompile(`(?i)\b(?:cheat|plagiari[sz]e|cover up)\b`)},
			{"privacy", "surveillance", regexp.MustCompile(`(?i)\b(?:spy on|snoop on|wiretap)\b`)},
			{"fairness", "discrimination", regexp.MustCompile(`(?i)\b(?:discriminate against|stereotype)\b`)},
			{"respect", "coercion", regexp.MustCompile(`(?i)\b(?:threaten|blackmail|coerce)\b`)},
		},
	}
}
