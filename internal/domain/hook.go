package domain

import (
	"fmt"
	"time"
)

// HookState is the lifecycle of a one-shot initialization hook.
//
//	Pending -> TaskDeployed -> Invoked -> Complete
//	              |              |
//	              +--> Failed <--+
//
// Failed -> TaskDeployed is allowed so a fixed deployment can be re-run.
// Records are kept per token, so Complete is terminal for its token.
type HookState string

const (
	HookPending      HookState = "PENDING"
	HookTaskDeployed HookState = "TASK_DEPLOYED"
	HookInvoked      HookState = "INVOKED"
	HookComplete     HookState = "COMPLETE"
	HookFailed       HookState = "FAILED"
)

var hookTransitions = map[HookState][]HookState{
	HookPending:      {HookTaskDeployed},
	HookTaskDeployed: {HookInvoked, HookFailed},
	HookInvoked:      {HookComplete, HookFailed},
	HookFailed:       {HookTaskDeployed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to HookState) bool {
	for _, next := range hookTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for an illegal move.
func TransitionError(hook string, from, to HookState) error {
	return fmt.Errorf("%w: hook %s cannot move from %s to %s", ErrInvalidTransition, hook, from, to)
}

// HookRecord is the persisted trigger record for one hook.
type HookRecord struct {
	Hook      string    `json:"hook"`
	Token     string    `json:"token"`
	State     HookState `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
