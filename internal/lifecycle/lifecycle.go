// Package lifecycle is the execution phase machine of a work item.
package lifecycle

import (
	"fmt"

	"flowboard/internal/domain"
)

// ErrInvalidPhase reports a phase change outside the allowed table.
type ErrInvalidPhase struct {
	From domain.Phase
	To   domain.Phase
}

func (e ErrInvalidPhase) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed without force.
func CanTransition(from, to domain.Phase) bool {
	switch from {
	case domain.PhaseIdle:
		return to == domain.PhaseQueued || to == domain.PhaseInProgress || to == domain.PhaseTransitioning
	case domain.PhaseQueued:
		return to == domain.PhaseInProgress || to == domain.PhaseIdle || to == domain.PhaseTransitioning
	case domain.PhaseInProgress:
		return to == domain.PhaseAwaitingResponse || to == domain.PhaseTransitioning
	case domain.PhaseAwaitingResponse:
		return to == domain.PhaseTransitioning
	case domain.PhaseTransitioning:
		return to == domain.PhaseQueued || to == domain.PhaseInProgress || to == domain.PhaseIdle || to == domain.PhaseAwaitingResponse
	}
	return false
}

// Transition validates a phase change. An explicit user move passes force and
// may interrupt any phase.
func Transition(from, to domain.Phase, force bool) error {
	if force || from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return ErrInvalidPhase{From: from, To: to}
	}
	return nil
}

// PhaseForStage is the phase an item settles in after entering stage.
func PhaseForStage(stage domain.Stage, eligible bool) domain.Phase {
	if stage.IsTerminal || !stage.HasAgent() {
		return domain.PhaseIdle
	}
	if eligible {
		return domain.PhaseInProgress
	}
	return domain.PhaseQueued
}

// Resolvable reports whether a decision may be applied in phase p.
func Resolvable(p domain.Phase) bool {
	switch p {
	case domain.PhaseInProgress, domain.PhaseAwaitingResponse, domain.PhaseIdle:
		return true
	}
	return false
}
