package connectivity

import (
	"fmt"
	"sort"
)

// Drift compares the rules found on the stack's security groups with the
// intended policy. Each returned line is one missing rule, one rule the
// policy does not allow, or one component whose egress is still open.
func Drift(want, got *Policy, unrestricted []string) []string {
	intended := make(map[string]bool, want.Len())
	for _, r := range want.Edges() {
		intended[r.Key()] = true
	}
	present := make(map[string]bool, got.Len())
	for _, r := range got.Edges() {
		present[r.Key()] = true
	}

	var out []string
	for _, r := range want.Edges() {
		if !present[r.Key()] {
			out = append(out, fmt.Sprintf("missing %s", r))
		}
	}
	for _, r := range got.Edges() {
		if !intended[r.Key()] {
			out = append(out, fmt.Sprintf("unexpected %s", r))
		}
	}
	open := append([]string(nil), unrestricted...)
	sort.Strings(open)
	for _, c := range open {
		out = append(out, fmt.Sprintf("%s allows all egress", c))
	}
	return out
}
