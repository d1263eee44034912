package resolver

import (
	"testing"

	"flowboard/internal/domain"
)

func str(s string) *string { return &s }
func num(n int) *int       { return &n }

var (
	review   = domain.Stage{ID: "review", Name: "Review", AnswerOptions: []string{"approve", "reject"}}
	archived = domain.Stage{ID: "archived", Name: "Archived", IsTerminal: true, IsFailure: true}
	build    = domain.Stage{ID: "build", Name: "Build"}

	approveRule = domain.Transition{ID: "t-approve", FromStageID: "review", ToStageID: "done", Condition: str("approve")}
	rejectRule  = domain.Transition{
		ID: "t-reject", FromStageID: "review", ToStageID: "rework", Condition: str("reject"),
		ElseStageID: str("rework"), EscalationStageID: str("archived"), MaxFailures: num(2),
	}
	elseOnly = domain.Transition{
		ID: "t-else", FromStageID: "review", ToStageID: "done", Condition: str("approve"),
		ElseStageID: str("rework"), EscalationStageID: str("archived"), MaxFailures: num(2),
	}
)

func TestEscalationSequence(t *testing.T) {
	counters := map[string]int{}
	reject := &domain.Decision{Answer: "reject", Feedback: "missing tests"}

	out := Resolve(Input{Stage: review, Candidates: []domain.Transition{elseOnly}, Decision: reject, Counters: counters})
	if out.Kind != Else || out.TargetStageID != "rework" || out.Counters["t-else"] != 1 {
		t.Fatalf("first reject: %+v", out)
	}
	counters["t-else"] = out.Counters["t-else"]

	out = Resolve(Input{Stage: review, Candidates: []domain.Transition{elseOnly}, Decision: reject, Counters: counters})
	if out.Kind != Escalate || out.TargetStageID != "archived" {
		t.Fatalf("second reject should escalate: %+v", out)
	}
	if out.Counters["t-else"] != 0 {
		t.Fatalf("escalation must reset counter, got %d", out.Counters["t-else"])
	}

	out = Resolve(Input{Stage: archived, Decision: reject, Counters: map[string]int{}})
	if out.Kind != Unmatched {
		t.Fatalf("third reject from archived should be unmatched: %+v", out)
	}
}

func TestMatchResetsCounters(t *testing.T) {
	out := Resolve(Input{
		Stage:      review,
		Candidates: []domain.Transition{elseOnly},
		Decision:   &domain.Decision{Answer: "approve"},
		Counters:   map[string]int{"t-else": 1},
	})
	if out.Kind != Advance || out.TargetStageID != "done" {
		t.Fatalf("approve: %+v", out)
	}
	if c, ok := out.Counters["t-else"]; !ok || c != 0 {
		t.Fatalf("expected counter reset, got %v", out.Counters)
	}
}

func TestConditionMatchPrefersFirstByPosition(t *testing.T) {
	out := Resolve(Input{
		Stage:      review,
		Candidates: []domain.Transition{approveRule, rejectRule},
		Decision:   &domain.Decision{Answer: "reject"},
		Counters:   map[string]int{"t-reject": 1},
	})
	if out.Kind != Advance || out.Transition.ID != "t-reject" || out.TargetStageID != "rework" {
		t.Fatalf("reject match: %+v", out)
	}
	if out.Counters["t-reject"] != 0 {
		t.Fatalf("matched rule counter must reset")
	}
}

func TestUnmatchedWithoutElse(t *testing.T) {
	out := Resolve(Input{Stage: review, Candidates: []domain.Transition{approveRule}, Decision: &domain.Decision{Answer: "maybe"}})
	if out.Kind != Unmatched || out.Moves() {
		t.Fatalf("expected unmatched: %+v", out)
	}
	out = Resolve(Input{Stage: review, Candidates: []domain.Transition{approveRule}})
	if out.Kind != Unmatched {
		t.Fatalf("question stage without decision should be unmatched: %+v", out)
	}
}

func TestUnconditionalStages(t *testing.T) {
	next := domain.Transition{ID: "t-next", FromStageID: "build", ToStageID: "review"}
	out := Resolve(Input{Stage: build, Candidates: []domain.Transition{next}})
	if out.Kind != Advance || out.TargetStageID != "review" {
		t.Fatalf("unconditional: %+v", out)
	}
	out = Resolve(Input{Stage: build})
	if out.Kind != Noop {
		t.Fatalf("dead end without decision is a noop: %+v", out)
	}
	out = Resolve(Input{Stage: build, Decision: &domain.Decision{Answer: "done"}})
	if out.Kind != Unmatched {
		t.Fatalf("dead end with an answer is unmatched: %+v", out)
	}
}

func TestRequiresConfirmation(t *testing.T) {
	gated := approveRule
	gated.RequiresConfirmation = true
	out := Resolve(Input{Stage: review, Candidates: []domain.Transition{gated}, Decision: &domain.Decision{Answer: "approve"}})
	if out.Kind != PendingConfirmation || out.Route != Advance || out.TargetStageID != "done" {
		t.Fatalf("expected pending confirmation: %+v", out)
	}
	if out.Moves() {
		t.Fatalf("pending confirmation must not move the item")
	}
}
