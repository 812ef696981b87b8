package reconcile

import "github.com/plexsphere/fwpanel/internal/ruleset"

// numberRules assigns the dense positions 1..N in list order.
func numberRules(rules []ruleset.Rule) []ruleset.Rule {
	for i := range rules {
		rules[i].Position = i + 1
	}
	return rules
}

// restoreSelection picks the row to select after a list of n rules replaced
// the previous one: the last row whose position is <= prev. Zero means no
// selection.
func restoreSelection(prev, n int) int {
	if prev <= 0 || n == 0 {
		return 0
	}
	return min(prev, n)
}
