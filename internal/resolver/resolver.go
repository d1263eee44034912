// Package resolver decides where an item goes next from the candidate
// transitions of its current stage, a decision and its failure counters.
// It performs no I/O.
package resolver

import "flowboard/internal/domain"

type Kind string

const (
	// Advance follows the matched (or the single unconditional) transition.
	Advance Kind = "advance"
	// Else follows the else stage of the else-carrying transition.
	Else Kind = "else"
	// Escalate follows the escalation stage once the failure threshold is reached.
	Escalate Kind = "escalate"
	// Unmatched leaves the item where it is for manual routing.
	Unmatched Kind = "unmatched"
	// Noop means the stage has no way forward and nothing asked for one.
	Noop Kind = "noop"
	// PendingConfirmation stages the move until a human approves it.
	PendingConfirmation Kind = "pending_confirmation"
)

type Input struct {
	Stage domain.Stage
	// Candidates come from a single scope level, ordered by position.
	Candidates []domain.Transition
	// Decision is nil when the stage completed without an agent answer.
	Decision *domain.Decision
	// Counters holds consecutive-miss counts keyed by transition id.
	Counters map[string]int
}

type Outcome struct {
	Kind Kind
	// Route is the underlying routing kind when Kind is PendingConfirmation.
	Route         Kind
	Transition    *domain.Transition
	TargetStageID string
	// Counters lists the counter values to persist, keyed by transition id.
	Counters map[string]int
}

// Moves reports whether applying the outcome changes the item's stage now.
func (o Outcome) Moves() bool {
	switch o.Kind {
	case Advance, Else, Escalate:
		return true
	}
	return false
}

// Resolve computes the outcome for one decision.
func Resolve(in Input) Outcome {
	out := Outcome{Counters: map[string]int{}}
	if len(in.Stage.AnswerOptions) == 0 {
		return resolveUnconditional(in, out)
	}
	if in.Decision == nil {
		out.Kind = Unmatched
		return out
	}

	elseRule := elseCarrier(in.Candidates)
	for i := range in.Candidates {
		t := in.Candidates[i]
		if t.Condition == nil || *t.Condition != in.Decision.Answer {
			continue
		}
		out.Counters[t.ID] = 0
		if elseRule != nil {
			out.Counters[elseRule.ID] = 0
		}
		return route(out, Advance, &t, t.ToStageID)
	}

	if elseRule == nil {
		out.Kind = Unmatched
		return out
	}
	count := in.Counters[elseRule.ID] + 1
	if elseRule.MaxFailures != nil && elseRule.EscalationStageID != nil && count >= *elseRule.MaxFailures {
		out.Counters[elseRule.ID] = 0
		return route(out, Escalate, elseRule, *elseRule.EscalationStageID)
	}
	out.Counters[elseRule.ID] = count
	return route(out, Else, elseRule, *elseRule.ElseStageID)
}

func resolveUnconditional(in Input, out Outcome) Outcome {
	for i := range in.Candidates {
		t := in.Candidates[i]
		if t.Condition == nil {
			return route(out, Advance, &t, t.ToStageID)
		}
	}
	if in.Decision != nil && in.Decision.Answer != "" {
		out.Kind = Unmatched
		return out
	}
	out.Kind = Noop
	return out
}

func route(out Outcome, kind Kind, t *domain.Transition, target string) Outcome {
	out.Transition = t
	out.TargetStageID = target
	out.Route = kind
	out.Kind = kind
	if t.RequiresConfirmation {
		out.Kind = PendingConfirmation
	}
	return out
}

func elseCarrier(ts []domain.Transition) *domain.Transition {
	for i := range ts {
		if ts[i].ElseStageID != nil {
			return &ts[i]
		}
	}
	return nil
}
