package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"flowboard/internal/board"
	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/lifecycle"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

// Eligibility explains whether an item may start work.
type Eligibility struct {
	ItemID      string             `json:"item_id"`
	Eligible    bool               `json:"eligible"`
	BlockedBy   []string           `json:"blocked_by,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	GroupStatus domain.GroupStatus `json:"group_status,omitempty"`
}

func (el Eligibility) err() error {
	if el.Eligible {
		return nil
	}
	mp := &MissingPrerequisiteError{ItemID: el.ItemID, BlockedBy: el.BlockedBy}
	if len(el.BlockedBy) == 0 {
		mp.Group = el.GroupID
	}
	return mp
}

// CheckEligibility reports whether every dependency of the item is satisfied
// and, for grouped items, whether the group has started executing.
func (e Engine) CheckEligibility(ctx context.Context, itemID string) (Eligibility, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return Eligibility{}, err
	}
	return eligibility(ctx, e.Repo, it)
}

func eligibility(ctx context.Context, r repo.Repo, it domain.Item) (Eligibility, error) {
	el := Eligibility{ItemID: it.ID}
	deps, err := r.ListDependencies(ctx, it.ID)
	if err != nil {
		return el, err
	}
	for _, d := range deps {
		if d.SatisfiedAt == nil {
			el.BlockedBy = append(el.BlockedBy, d.DependsOnItemID)
		}
	}
	groupOpen := true
	if it.GroupID != nil {
		g, err := r.GetGroup(ctx, *it.GroupID)
		if err != nil {
			return el, fmt.Errorf("group %s: %w", *it.GroupID, err)
		}
		el.GroupID, el.GroupStatus = g.ID, g.Status
		switch g.Status {
		case domain.GroupDraft, domain.GroupAnalyzing, domain.GroupReady:
			groupOpen = false
		}
	}
	el.Eligible = groupOpen && len(el.BlockedBy) == 0
	return el, nil
}

// enterStage moves it into target, starting a new cycle, and drops any pending
// auto-start. The caller persists nothing else on the item afterwards.
func (e Engine) enterStage(ctx context.Context, r repo.Repo, it domain.Item, target domain.Stage, force bool) (domain.Item, error) {
	if err := lifecycle.Transition(it.Phase, domain.PhaseTransitioning, force); err != nil {
		return it, err
	}
	el, err := eligibility(ctx, r, it)
	if err != nil {
		return it, err
	}
	now := e.stamp()
	it.StageID = target.ID
	it.Cycle++
	it.Phase = lifecycle.PhaseForStage(target, el.Eligible)
	it.PhaseChangedAt = now
	it.UpdatedAt = now
	it.Attention = nil
	it.AttentionDetail = ""
	it.PendingTransitionID = nil
	it.PendingStageID = nil
	if err := r.ClearAutoStart(ctx, it.ID); err != nil {
		return it, err
	}
	return r.UpdateItem(ctx, it)
}

// park leaves an item waiting for a human once its agent is done.
func (e Engine) park(it *domain.Item) {
	if it.Phase != domain.PhaseInProgress {
		return
	}
	it.Phase = domain.PhaseAwaitingResponse
	it.PhaseChangedAt = e.stamp()
}

func flag(it *domain.Item, reason, detail string) {
	it.Attention = &reason
	it.AttentionDetail = detail
}

// afterEnter runs the effects of a committed stage entry.
func (e Engine) afterEnter(ctx context.Context, it domain.Item, stage domain.Stage) {
	if stage.IsTerminal {
		if err := e.PropagateCompletion(ctx, it.ID); err != nil {
			e.log().Error("propagate completion", logger.F("item", it.ID), logger.Err(err))
		}
	}
	e.launch(ctx, it, stage)
}

type MoveOptions struct {
	ItemID  string
	StageID string
	// Force skips the prerequisite check on the workflow start stage.
	Force   bool
	ActorID string
}

// MoveItem is an explicit user move. It interrupts whatever phase the item is in.
func (e Engine) MoveItem(ctx context.Context, opts MoveOptions) (domain.Item, error) {
	var moved domain.Item
	var target domain.Stage
	err := e.retry(ctx, "move", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			it, err := r.GetItem(ctx, opts.ItemID)
			if err != nil {
				return err
			}
			target, err = r.GetStage(ctx, opts.StageID)
			if err != nil {
				return fmt.Errorf("stage %s: %w", opts.StageID, err)
			}
			if target.BoardID != it.BoardID {
				return fmt.Errorf("%w: stage %s is not on board %s", ErrInvalidTransition, target.ID, it.BoardID)
			}
			if target.StartsWorkflow && !opts.Force {
				el, err := eligibility(ctx, r, it)
				if err != nil {
					return err
				}
				if err := el.err(); err != nil {
					return err
				}
			}
			from := it.StageID
			if moved, err = e.enterStage(ctx, r, it, target, true); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.moved", it.ProjectID, "item", it.ID, opts.ActorID, events.Payload{
				"from": from, "to": target.ID, "force": opts.Force, "cycle": moved.Cycle,
			})
		})
	})
	if err != nil {
		return domain.Item{}, err
	}
	e.afterEnter(ctx, moved, target)
	return moved, nil
}

// autoStart moves an item from its initial stage (or, with allowTerminal, from
// a terminal stage) into the board's workflow start stage. It reports whether
// the item moved.
func (e Engine) autoStart(ctx context.Context, itemID, reason string, allowTerminal bool) (bool, error) {
	var (
		started domain.Item
		stage   domain.Stage
		ok      bool
	)
	err := e.retry(ctx, "auto-start", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			var err error
			started, stage, ok, err = e.autoStartTx(ctx, tx, r, itemID, reason, allowTerminal)
			return err
		})
	})
	if err != nil || !ok {
		return false, err
	}
	e.afterEnter(ctx, started, stage)
	return true, nil
}

func (e Engine) autoStartTx(ctx context.Context, tx *sql.Tx, r repo.Repo, itemID, reason string, allowTerminal bool) (domain.Item, domain.Stage, bool, error) {
	it, err := r.GetItem(ctx, itemID)
	if err != nil {
		return it, domain.Stage{}, false, err
	}
	stages, err := r.ListStages(ctx, it.BoardID)
	if err != nil {
		return it, domain.Stage{}, false, err
	}
	cur, ok := board.Stages(stages).ByID(it.StageID)
	if !ok {
		return it, domain.Stage{}, false, fmt.Errorf("item %s sits on unknown stage %s", it.ID, it.StageID)
	}
	if !cur.IsInitial && !(allowTerminal && cur.IsTerminal) {
		return it, domain.Stage{}, false, nil
	}
	start, ok := board.Stages(stages).WorkflowStart()
	if !ok {
		return it, domain.Stage{}, false, fmt.Errorf("board %s has no workflow start stage", it.BoardID)
	}
	if start.ID == cur.ID {
		return it, domain.Stage{}, false, nil
	}
	el, err := eligibility(ctx, r, it)
	if err != nil {
		return it, domain.Stage{}, false, err
	}
	if err := el.err(); err != nil {
		return it, domain.Stage{}, false, err
	}
	moved, err := e.enterStage(ctx, r, it, start, false)
	if err != nil {
		return it, domain.Stage{}, false, err
	}
	if err := e.append(ctx, tx, "item.auto_started", it.ProjectID, "item", it.ID, "", events.Payload{
		"from": cur.ID, "to": start.ID, "reason": reason, "cycle": moved.Cycle,
	}); err != nil {
		return it, domain.Stage{}, false, err
	}
	return moved, start, true, nil
}

// dispatch moves a queued item that became eligible into work.
func (e Engine) dispatch(ctx context.Context, itemID string) (bool, error) {
	var (
		it    domain.Item
		stage domain.Stage
		ok    bool
	)
	err := e.retry(ctx, "dispatch", func() error {
		ok = false
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			var err error
			if it, err = r.GetItem(ctx, itemID); err != nil {
				return err
			}
			if it.Phase != domain.PhaseQueued {
				return nil
			}
			el, err := eligibility(ctx, r, it)
			if err != nil || !el.Eligible {
				return err
			}
			if stage, err = r.GetStage(ctx, it.StageID); err != nil {
				return err
			}
			next := lifecycle.PhaseForStage(stage, true)
			if err := lifecycle.Transition(it.Phase, next, false); err != nil {
				return err
			}
			it.Phase = next
			it.PhaseChangedAt = e.stamp()
			it.UpdatedAt = it.PhaseChangedAt
			if it, err = r.UpdateItem(ctx, it); err != nil {
				return err
			}
			ok = true
			return e.append(ctx, tx, "item.dispatched", it.ProjectID, "item", it.ID, "", events.Payload{"phase": next})
		})
	})
	if err != nil || !ok {
		return false, err
	}
	e.launch(ctx, it, stage)
	return true, nil
}

// advance starts or dispatches an item whose prerequisites may have cleared.
func (e Engine) advance(ctx context.Context, itemID, reason string) error {
	started, err := e.autoStart(ctx, itemID, reason, false)
	if err != nil {
		if errors.Is(err, ErrMissingPrerequisite) {
			return nil
		}
		return err
	}
	if started {
		return nil
	}
	_, err = e.dispatch(ctx, itemID)
	return err
}
