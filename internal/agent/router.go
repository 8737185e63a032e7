// ABOUTME: Eligibility rules deciding whether an agent can run a job plan.
// ABOUTME: Jobs need every listed resource and, if set, the agent's membership in their environment.

package agent

import (
	"strings"

	"github.com/2389/gantry/internal/work"
)

// CanRun reports whether the agent satisfies the plan's resource and
// environment requirements. Resource names compare case-insensitively.
func (a Agent) CanRun(plan work.JobPlan) bool {
	if !containsAll(a.Info.Resources, plan.Resources) {
		return false
	}
	if plan.Environment == "" {
		return true
	}
	for _, env := range a.Info.Environments {
		if strings.EqualFold(env, plan.Environment) {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(strings.TrimSpace(w))]; !ok {
			return false
		}
	}
	return true
}
