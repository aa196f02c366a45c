// Package initializer deploys the database initialization function and runs
// it at most once per idempotency token.
package initializer

import (
	"context"
	"fmt"
	"time"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// Hook is a one-shot post-deployment action. Changing Token is how an
// operator deliberately forces a re-run.
type Hook struct {
	Name      string
	Token     string
	DependsOn []string
}

// Validate checks that the hook can be recorded.
func (h Hook) Validate() error {
	cfgErr := &domain.ConfigError{}
	if h.Name == "" {
		cfgErr.Add("hook", "name is required")
	}
	if h.Token == "" {
		cfgErr.Add("initToken", "is required")
	}
	return cfgErr.OrNil()
}

// Machine moves one hook token through its states, persisting every move in
// the ledger.
type Machine struct {
	ledger Ledger
	hook   Hook
	now    func() time.Time
}

// NewMachine binds hook to ledger.
func NewMachine(ledger Ledger, hook Hook) *Machine {
	return &Machine{ledger: ledger, hook: hook, now: time.Now}
}

// Record returns the current record. A token that was never seen is Pending.
func (m *Machine) Record(ctx context.Context) (domain.HookRecord, error) {
	rec, err := m.ledger.Get(ctx, m.hook.Name, m.hook.Token)
	if err != nil {
		return domain.HookRecord{}, err
	}
	if rec == nil {
		return domain.HookRecord{Hook: m.hook.Name, Token: m.hook.Token, State: domain.HookPending}, nil
	}
	return *rec, nil
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (domain.HookState, error) {
	rec, err := m.Record(ctx)
	return rec.State, err
}

// Move transitions to to. reason is kept with Failed records.
func (m *Machine) Move(ctx context.Context, to domain.HookState, reason string) error {
	from, err := m.State(ctx)
	if err != nil {
		return err
	}
	if !domain.CanTransition(from, to) {
		return domain.TransitionError(m.hook.Name, from, to)
	}

	rec := domain.HookRecord{
		Hook:      m.hook.Name,
		Token:     m.hook.Token,
		State:     to,
		Error:     reason,
		UpdatedAt: m.now().UTC(),
	}
	if err := m.ledger.Put(ctx, rec, from); err != nil {
		return err
	}
	logging.LogInfo("Hook state changed", map[string]interface{}{
		"hook":  m.hook.Name,
		"token": m.hook.Token,
		"from":  string(from),
		"to":    string(to),
	})
	return nil
}

// Deployed records that the task code is in place. An interrupted
// invocation is marked Failed first; a completed token stays Complete.
func (m *Machine) Deployed(ctx context.Context) error {
	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	switch state {
	case domain.HookTaskDeployed, domain.HookComplete:
		return nil
	case domain.HookInvoked:
		if err := m.Move(ctx, domain.HookFailed, "invocation interrupted before completion"); err != nil {
			return err
		}
	}
	return m.Move(ctx, domain.HookTaskDeployed, "")
}

// Claim takes the token for invocation. It returns false when the token has
// already completed, which is the only case where nothing should run.
func (m *Machine) Claim(ctx context.Context) (bool, error) {
	state, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case domain.HookComplete:
		return false, nil
	case domain.HookTaskDeployed:
		if err := m.Move(ctx, domain.HookInvoked, ""); err != nil {
			return false, err
		}
		return true, nil
	case domain.HookInvoked:
		return false, fmt.Errorf("%w: hook %s token %s is already running", ErrStale, m.hook.Name, m.hook.Token)
	default:
		return false, fmt.Errorf("%w: hook %s is %s, its task must be deployed first", domain.ErrOrdering, m.hook.Name, state)
	}
}
