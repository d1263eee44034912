package lifecycle

import (
	"errors"
	"testing"

	"flowboard/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.Phase
		ok       bool
	}{
		{domain.PhaseIdle, domain.PhaseQueued, true},
		{domain.PhaseQueued, domain.PhaseInProgress, true},
		{domain.PhaseInProgress, domain.PhaseAwaitingResponse, true},
		{domain.PhaseAwaitingResponse, domain.PhaseTransitioning, true},
		{domain.PhaseTransitioning, domain.PhaseIdle, true},
		{domain.PhaseAwaitingResponse, domain.PhaseInProgress, false},
		{domain.PhaseInProgress, domain.PhaseQueued, false},
		{domain.PhaseQueued, domain.PhaseAwaitingResponse, false},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to, false)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			var invalid ErrInvalidPhase
			if !errors.As(err, &invalid) {
				t.Fatalf("%s -> %s: expected ErrInvalidPhase, got %v", tc.from, tc.to, err)
			}
		}
	}
	if err := Transition(domain.PhaseAwaitingResponse, domain.PhaseIdle, true); err != nil {
		t.Fatalf("forced move must pass: %v", err)
	}
}

func TestPhaseForStage(t *testing.T) {
	agent := "coder"
	work := domain.Stage{ID: "w", AgentID: &agent}
	if got := PhaseForStage(work, true); got != domain.PhaseInProgress {
		t.Fatalf("eligible agent stage: %s", got)
	}
	if got := PhaseForStage(work, false); got != domain.PhaseQueued {
		t.Fatalf("blocked agent stage: %s", got)
	}
	if got := PhaseForStage(domain.Stage{ID: "manual"}, true); got != domain.PhaseIdle {
		t.Fatalf("manual stage: %s", got)
	}
	done := domain.Stage{ID: "d", IsTerminal: true, AgentID: &agent}
	if got := PhaseForStage(done, true); got != domain.PhaseIdle {
		t.Fatalf("terminal stage: %s", got)
	}
}
