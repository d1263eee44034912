package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowboard/internal/board"
	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/lifecycle"
	"flowboard/internal/repo"
	"flowboard/internal/resolver"
)

type ResolveRequest struct {
	ItemID string
	// Decision is nil when the work completed without an answer.
	Decision *domain.Decision
	// Cycle pins the decision to the cycle it was produced in. It is part of
	// the dedupe key and must be set.
	Cycle   int
	ActorID string
}

// Outcome is what applying one decision did to an item.
type Outcome struct {
	ItemID        string        `json:"item_id"`
	Kind          resolver.Kind `json:"kind"`
	Route         resolver.Kind `json:"route,omitempty"`
	FromStageID   string        `json:"from_stage_id"`
	TargetStageID string        `json:"target_stage_id,omitempty"`
	TransitionID  string        `json:"transition_id,omitempty"`
	Scope         domain.Scope  `json:"scope,omitempty"`
	Cycle         int           `json:"cycle"`
	Duplicate     bool          `json:"duplicate"`
	Item          domain.Item   `json:"item"`
}

// DedupeKey identifies one delivery of a decision within an item cycle.
func DedupeKey(cycle int, d *domain.Decision) string {
	payload := []byte("null")
	if d != nil {
		payload, _ = json.Marshal(d)
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%d:%s", cycle, hex.EncodeToString(sum[:]))
}

// ResolveAndApply resolves a decision against the item's current stage and
// applies the outcome atomically. Redelivering a decision already applied in
// the same cycle returns the recorded outcome and changes nothing.
func (e Engine) ResolveAndApply(ctx context.Context, req ResolveRequest) (Outcome, error) {
	if req.Cycle <= 0 {
		return Outcome{}, fmt.Errorf("%w: item %s", ErrCycleRequired, req.ItemID)
	}
	var (
		out    Outcome
		target domain.Stage
	)
	err := e.retry(ctx, "resolve", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			var err error
			out, target, err = e.resolveTx(ctx, tx, r, req)
			return err
		})
	})
	if err != nil {
		return Outcome{}, err
	}
	if !out.Duplicate && out.Kind != resolver.PendingConfirmation && out.TargetStageID != "" {
		e.afterEnter(ctx, out.Item, target)
	}
	return out, nil
}

func (e Engine) resolveTx(ctx context.Context, tx *sql.Tx, r repo.Repo, req ResolveRequest) (Outcome, domain.Stage, error) {
	it, err := r.GetItem(ctx, req.ItemID)
	if err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	cycle := req.Cycle
	key := DedupeKey(cycle, req.Decision)
	rec, err := r.FindDecision(ctx, it.ID, key)
	switch {
	case err == nil:
		out := Outcome{
			ItemID:      it.ID,
			Kind:        resolver.Kind(rec.Outcome),
			FromStageID: rec.StageID,
			Cycle:       rec.Cycle,
			Duplicate:   true,
			Item:        it,
		}
		if rec.TargetStageID != nil {
			out.TargetStageID = *rec.TargetStageID
		}
		return out, domain.Stage{}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return Outcome{}, domain.Stage{}, err
	}
	if cycle != it.Cycle {
		return Outcome{}, domain.Stage{}, fmt.Errorf("%w: cycle %d, item %s is in cycle %d", ErrStaleDecision, cycle, it.ID, it.Cycle)
	}
	if it.PendingTransitionID != nil {
		return Outcome{}, domain.Stage{}, fmt.Errorf("%w: item %s", ErrConfirmationPending, it.ID)
	}
	if !lifecycle.Resolvable(it.Phase) {
		return Outcome{}, domain.Stage{}, fmt.Errorf("%w: item %s is %s", ErrNotResolvable, it.ID, it.Phase)
	}

	stage, err := r.GetStage(ctx, it.StageID)
	if err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	candidates, scope, err := board.Lookup{Source: r}.TransitionsFor(ctx, it, stage.ID)
	if err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	counters, err := r.GetCounters(ctx, it.ID)
	if err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	res := resolver.Resolve(resolver.Input{Stage: stage, Candidates: candidates, Decision: req.Decision, Counters: counters})
	if err := r.SetCounters(ctx, it.ID, res.Counters); err != nil {
		return Outcome{}, domain.Stage{}, err
	}

	out := Outcome{
		ItemID:        it.ID,
		Kind:          res.Kind,
		Route:         res.Route,
		FromStageID:   stage.ID,
		TargetStageID: res.TargetStageID,
		Scope:         scope,
		Cycle:         cycle,
	}
	if res.Transition != nil {
		out.TransitionID = res.Transition.ID
	}

	var target domain.Stage
	switch {
	case res.Moves():
		if target, err = r.GetStage(ctx, res.TargetStageID); err != nil {
			return Outcome{}, domain.Stage{}, fmt.Errorf("target stage %s: %w", res.TargetStageID, err)
		}
		if it, err = e.enterStage(ctx, r, it, target, false); err != nil {
			return Outcome{}, domain.Stage{}, err
		}
	case res.Kind == resolver.PendingConfirmation:
		it.PendingTransitionID = &out.TransitionID
		it.PendingStageID = &out.TargetStageID
		flag(&it, domain.AttentionConfirmation, fmt.Sprintf("move to stage %s waits for approval", res.TargetStageID))
		e.park(&it)
		it.UpdatedAt = e.stamp()
		if it, err = r.UpdateItem(ctx, it); err != nil {
			return Outcome{}, domain.Stage{}, err
		}
	default:
		if res.Kind == resolver.Unmatched {
			flag(&it, domain.AttentionUnmatched, unmatchedDetail(stage, req.Decision))
		}
		e.park(&it)
		it.UpdatedAt = e.stamp()
		if it, err = r.UpdateItem(ctx, it); err != nil {
			return Outcome{}, domain.Stage{}, err
		}
	}
	out.Item = it

	decision := domain.DecisionRecord{
		ItemID:        it.ID,
		Cycle:         cycle,
		StageID:       stage.ID,
		DedupeKey:     key,
		Outcome:       string(res.Kind),
		TargetStageID: optionalString(res.TargetStageID),
		CreatedAt:     e.stamp(),
	}
	if req.Decision != nil {
		decision.Answer = req.Decision.Answer
		decision.Feedback = req.Decision.Feedback
	}
	if _, err := r.InsertDecision(ctx, decision); err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	if err := e.append(ctx, tx, "item.resolved", it.ProjectID, "item", it.ID, req.ActorID, events.Payload{
		"kind":   res.Kind,
		"route":  res.Route,
		"from":   stage.ID,
		"to":     res.TargetStageID,
		"scope":  scope,
		"answer": decision.Answer,
		"cycle":  cycle,
	}); err != nil {
		return Outcome{}, domain.Stage{}, err
	}
	return out, target, nil
}

func unmatchedDetail(stage domain.Stage, d *domain.Decision) string {
	if d == nil || d.Answer == "" {
		return fmt.Sprintf("stage %q needs an answer", stage.Name)
	}
	return fmt.Sprintf("answer %q matched no transition from stage %q", d.Answer, stage.Name)
}

// ApproveTransition applies the move an item is holding for confirmation.
func (e Engine) ApproveTransition(ctx context.Context, itemID, actorID string) (domain.Item, error) {
	var (
		moved  domain.Item
		target domain.Stage
	)
	err := e.retry(ctx, "approve", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			it, err := r.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			if it.PendingStageID == nil {
				return fmt.Errorf("%w: item %s", ErrNoPendingTransition, it.ID)
			}
			transitionID := ""
			if it.PendingTransitionID != nil {
				transitionID = *it.PendingTransitionID
			}
			if target, err = r.GetStage(ctx, *it.PendingStageID); err != nil {
				return err
			}
			from := it.StageID
			if moved, err = e.enterStage(ctx, r, it, target, false); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.transition_approved", it.ProjectID, "item", it.ID, actorID, events.Payload{
				"from": from, "to": target.ID, "transition_id": transitionID,
			})
		})
	})
	if err != nil {
		return domain.Item{}, err
	}
	e.afterEnter(ctx, moved, target)
	return moved, nil
}

// RejectTransition drops the held move and leaves the item for manual routing.
// feedback is handed to the next agent run on the item.
func (e Engine) RejectTransition(ctx context.Context, itemID, feedback, actorID string) (domain.Item, error) {
	var res domain.Item
	err := e.retry(ctx, "reject", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			it, err := r.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			if it.PendingStageID == nil {
				return fmt.Errorf("%w: item %s", ErrNoPendingTransition, it.ID)
			}
			rejected := *it.PendingStageID
			it.PendingTransitionID = nil
			it.PendingStageID = nil
			flag(&it, domain.AttentionUnmatched, fmt.Sprintf("move to stage %s was rejected", rejected))
			it.UpdatedAt = e.stamp()
			if res, err = r.UpdateItem(ctx, it); err != nil {
				return err
			}
			if _, err := r.InsertDecision(ctx, domain.DecisionRecord{
				ItemID:        it.ID,
				Cycle:         it.Cycle,
				StageID:       it.StageID,
				Feedback:      feedback,
				DedupeKey:     "reject:" + uuid.NewString(),
				Outcome:       "confirmation_rejected",
				TargetStageID: &rejected,
				CreatedAt:     e.stamp(),
			}); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.transition_rejected", it.ProjectID, "item", it.ID, actorID, events.Payload{
				"stage_id": rejected, "feedback": feedback,
			})
		})
	})
	return res, err
}
