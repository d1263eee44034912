// Package board holds the static workflow graph: stage invariants, transition
// invariants and the most-specific-scope transition lookup.
package board

import (
	"context"
	"errors"
	"fmt"

	"flowboard/internal/domain"
)

var (
	ErrSecondInitial       = errors.New("board already has an initial stage")
	ErrSecondWorkflowStart = errors.New("board already has a workflow start stage")
	ErrDuplicateTransition = errors.New("duplicate transition")
	ErrForeignStage        = errors.New("stage belongs to another board")
	ErrInvalidStage        = errors.New("invalid stage")
)

// InvariantError names the board and the rule a write would break.
type InvariantError struct {
	BoardID string
	Err     error
	Detail  string
}

func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("board %s: %v", e.BoardID, e.Err)
	}
	return fmt.Sprintf("board %s: %v: %s", e.BoardID, e.Err, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Stages is the stage list of one board.
type Stages []domain.Stage

// ByID returns the stage with id.
func (s Stages) ByID(id string) (domain.Stage, bool) {
	for _, st := range s {
		if st.ID == id {
			return st, true
		}
	}
	return domain.Stage{}, false
}

// Initial returns the non-template initial stage.
func (s Stages) Initial() (domain.Stage, bool) {
	for _, st := range s {
		if st.IsInitial && !st.IsTemplate {
			return st, true
		}
	}
	return domain.Stage{}, false
}

// WorkflowStart returns the non-template stage that items enter when work begins.
func (s Stages) WorkflowStart() (domain.Stage, bool) {
	for _, st := range s {
		if st.StartsWorkflow && !st.IsTemplate {
			return st, true
		}
	}
	return domain.Stage{}, false
}

// ValidateStage checks a new or updated stage against the rest of its board.
func ValidateStage(existing Stages, candidate domain.Stage) error {
	if candidate.Name == "" {
		return &InvariantError{BoardID: candidate.BoardID, Err: ErrInvalidStage, Detail: "name is required"}
	}
	if candidate.IsFailure && !candidate.IsTerminal {
		return &InvariantError{BoardID: candidate.BoardID, Err: ErrInvalidStage, Detail: "failure stages must be terminal"}
	}
	seen := map[string]bool{}
	for _, opt := range candidate.AnswerOptions {
		if opt == "" || seen[opt] {
			return &InvariantError{BoardID: candidate.BoardID, Err: ErrInvalidStage, Detail: fmt.Sprintf("answer option %q empty or repeated", opt)}
		}
		seen[opt] = true
	}
	if candidate.IsTemplate {
		return nil
	}
	for _, st := range existing {
		if st.ID == candidate.ID || st.IsTemplate || st.BoardID != candidate.BoardID {
			continue
		}
		if candidate.IsInitial && st.IsInitial {
			return &InvariantError{BoardID: candidate.BoardID, Err: ErrSecondInitial, Detail: st.Name}
		}
		if candidate.StartsWorkflow && st.StartsWorkflow {
			return &InvariantError{BoardID: candidate.BoardID, Err: ErrSecondWorkflowStart, Detail: st.Name}
		}
	}
	return nil
}

// ValidateTransition checks that every stage the transition names is on its
// board and that its scope level has no identical rule.
func ValidateTransition(stages Stages, existing []domain.Transition, candidate domain.Transition) error {
	switch candidate.Scope {
	case domain.ScopeBoard, domain.ScopeProject, domain.ScopeItem:
	default:
		return fmt.Errorf("invalid transition scope %q", candidate.Scope)
	}
	if candidate.ScopeID == "" {
		return fmt.Errorf("transition scope id is required")
	}
	refs := []string{candidate.FromStageID, candidate.ToStageID}
	if candidate.ElseStageID != nil {
		refs = append(refs, *candidate.ElseStageID)
	}
	if candidate.EscalationStageID != nil {
		refs = append(refs, *candidate.EscalationStageID)
	}
	for _, id := range refs {
		st, ok := stages.ByID(id)
		if !ok || st.BoardID != candidate.BoardID {
			return &InvariantError{BoardID: candidate.BoardID, Err: ErrForeignStage, Detail: id}
		}
	}
	if candidate.MaxFailures != nil && *candidate.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1")
	}
	if candidate.EscalationStageID != nil && candidate.ElseStageID == nil {
		return fmt.Errorf("escalation requires an else stage")
	}
	for _, t := range existing {
		if t.ID == candidate.ID {
			continue
		}
		if t.Scope == candidate.Scope && t.ScopeID == candidate.ScopeID &&
			t.FromStageID == candidate.FromStageID && t.ToStageID == candidate.ToStageID &&
			deref(t.Condition) == deref(candidate.Condition) {
			return &InvariantError{BoardID: candidate.BoardID, Err: ErrDuplicateTransition,
				Detail: fmt.Sprintf("%s scope %s condition %q", t.Scope, t.ScopeID, deref(t.Condition))}
		}
	}
	return nil
}

// Source reads the transitions of one scope level leaving a stage, ordered by position.
type Source interface {
	ListTransitions(ctx context.Context, scope domain.Scope, scopeID, fromStageID string) ([]domain.Transition, error)
}

// Lookup selects the candidate transitions for an item.
type Lookup struct {
	Source Source
}

// TransitionsFor returns the rules of the most specific scope that defines any
// rule for fromStage (item, then project, then board). Levels are never merged.
func (l Lookup) TransitionsFor(ctx context.Context, item domain.Item, fromStageID string) ([]domain.Transition, domain.Scope, error) {
	levels := []struct {
		scope domain.Scope
		id    string
	}{
		{domain.ScopeItem, item.ID},
		{domain.ScopeProject, item.ProjectID},
		{domain.ScopeBoard, item.BoardID},
	}
	for _, lvl := range levels {
		ts, err := l.Source.ListTransitions(ctx, lvl.scope, lvl.id, fromStageID)
		if err != nil {
			return nil, "", fmt.Errorf("list %s transitions: %w", lvl.scope, err)
		}
		if len(ts) > 0 {
			return ts, lvl.scope, nil
		}
	}
	return nil, "", nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
