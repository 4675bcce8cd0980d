package engine

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/davidroman0O/tokenflow/internal/state"
)

type trigger string

const (
	triggerExecute  trigger = "execute"
	triggerAdvance  trigger = "advance"
	triggerReady    trigger = "ready"
	triggerWait     trigger = "wait"
	triggerResume   trigger = "resume"
	triggerFault    trigger = "fault"
	triggerComplete trigger = "complete"
	triggerConsume  trigger = "consume"
	triggerCancel   trigger = "cancel"

	triggerSuspend trigger = "suspend"
	triggerFail    trigger = "fail"
)

// Token lifecycle: Ready -> Executing -> {Advanced, Waiting, Faulted, Completed}.
// Advanced goes straight back to Ready on the next node.
func configureToken(sm *stateless.StateMachine) {
	sm.Configure(state.TokenReady).
		Permit(triggerExecute, state.TokenExecuting).
		Permit(triggerCancel, state.TokenCancelled)

	sm.Configure(state.TokenExecuting).
		Permit(triggerAdvance, state.TokenAdvanced).
		Permit(triggerWait, state.TokenWaiting).
		Permit(triggerFault, state.TokenFaulted).
		Permit(triggerComplete, state.TokenCompleted).
		Permit(triggerReady, state.TokenReady).
		Permit(triggerCancel, state.TokenCancelled)

	sm.Configure(state.TokenAdvanced).
		Permit(triggerReady, state.TokenReady).
		Permit(triggerCancel, state.TokenCancelled)

	sm.Configure(state.TokenWaiting).
		Permit(triggerResume, state.TokenExecuting).
		Permit(triggerReady, state.TokenReady).
		Permit(triggerFault, state.TokenFaulted).
		Permit(triggerConsume, state.TokenCompleted).
		Permit(triggerCancel, state.TokenCancelled)

	sm.Configure(state.TokenFaulted).
		Permit(triggerWait, state.TokenWaiting).
		Permit(triggerReady, state.TokenReady).
		Permit(triggerComplete, state.TokenCompleted).
		Permit(triggerCancel, state.TokenCancelled)
}

func fireToken(tok *state.Token, trig trigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return tok.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			tok.State = s.(state.TokenState)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureToken(sm)
	if err := sm.Fire(trig); err != nil {
		return fmt.Errorf("token %s at %s: %w", tok.ID, tok.NodeID, err)
	}
	return nil
}

// Instance lifecycle: Running <-> Suspended, both -> terminal. Terminal
// states permit nothing.
func configureInstance(sm *stateless.StateMachine) {
	sm.Configure(state.StatusRunning).
		Permit(triggerSuspend, state.StatusSuspended).
		Permit(triggerComplete, state.StatusCompleted).
		Permit(triggerFail, state.StatusFailed).
		Permit(triggerCancel, state.StatusCancelled)

	sm.Configure(state.StatusSuspended).
		Permit(triggerResume, state.StatusRunning).
		Permit(triggerFail, state.StatusFailed).
		Permit(triggerCancel, state.StatusCancelled)

	sm.Configure(state.StatusCompleted)
	sm.Configure(state.StatusFailed)
	sm.Configure(state.StatusCancelled)
}

func fireInstance(inst *state.Instance, trig trigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return inst.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			inst.Status = s.(state.Status)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureInstance(sm)
	if err := sm.Fire(trig); err != nil {
		return fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	return nil
}
