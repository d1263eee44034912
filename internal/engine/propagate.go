package engine

import (
	"context"
	"database/sql"
	"errors"

	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

// PropagateCompletion fans the arrival of an item in a terminal stage out to
// the dependency, trigger and group handlers. Every handler re-reads state and
// is safe to run again for the same completion.
func (e Engine) PropagateCompletion(ctx context.Context, itemID string) error {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	stage, err := e.Repo.GetStage(ctx, it.StageID)
	if err != nil {
		return err
	}
	if !stage.IsTerminal {
		return nil
	}
	sg := NewSafeGroup(e.log())
	if stage.SuccessfulTerminal() {
		sg.Go("dependencies", func() error { return e.propagateDependencies(ctx, it) })
		sg.Go("triggers", func() error { return e.propagateTriggers(ctx, it) })
	}
	if it.GroupID != nil {
		groupID := *it.GroupID
		sg.Go("groups", func() error { return e.completeGroup(ctx, groupID, 0) })
	}
	return sg.Wait()
}

func (e Engine) propagateDependencies(ctx context.Context, it domain.Item) error {
	var touched []string
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		if touched, err = r.SatisfyDependencies(ctx, it.ID, e.stamp()); err != nil || len(touched) == 0 {
			return err
		}
		return e.append(ctx, tx, "dependencies.satisfied", it.ProjectID, "item", it.ID, "", events.Payload{"dependents": touched})
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		if err := e.advance(ctx, id, "dependencies satisfied"); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) propagateTriggers(ctx context.Context, it domain.Item) error {
	triggers, err := e.Repo.ListTriggersBySource(ctx, it.ID)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := e.fireTrigger(ctx, t, it.Cycle); err != nil {
			return err
		}
	}
	return nil
}

// fireTrigger claims a firing and starts the target in one step. A target
// missing prerequisites is left unclaimed so a later pass can retry it.
func (e Engine) fireTrigger(ctx context.Context, t domain.Trigger, sourceCycle int) error {
	var (
		started domain.Item
		stage   domain.Stage
		ok      bool
	)
	err := e.retry(ctx, "trigger", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			var err error
			started, stage, ok, err = e.autoStartTx(ctx, tx, r, t.TargetItemID, "trigger "+t.ID, true)
			if err != nil {
				return err
			}
			if !ok {
				return &MissingPrerequisiteError{ItemID: t.TargetItemID, BlockedBy: []string{"workflow in progress"}}
			}
			claimed, err := r.MarkTriggerFired(ctx, t, sourceCycle, e.stamp())
			if err != nil {
				return err
			}
			if !claimed {
				ok = false
				return errAlreadyFired
			}
			return e.append(ctx, tx, "trigger.fired", started.ProjectID, "trigger", t.ID, "", events.Payload{
				"source": t.SourceItemID, "target": t.TargetItemID, "source_cycle": sourceCycle,
			})
		})
	})
	switch {
	case errors.Is(err, errAlreadyFired):
		return nil
	case errors.Is(err, ErrMissingPrerequisite):
		return e.deferTrigger(ctx, t, started.ProjectID, err)
	case err != nil:
		return err
	}
	e.afterEnter(ctx, started, stage)
	return nil
}

var errAlreadyFired = errors.New("trigger already fired")

// deferTrigger leaves the firing unclaimed for a later pass. Only the first
// deferral is logged as a warning and recorded.
func (e Engine) deferTrigger(ctx context.Context, t domain.Trigger, projectID string, cause error) error {
	first := false
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		if first, err = r.MarkTriggerDeferred(ctx, t.ID, e.stamp()); err != nil || !first {
			return err
		}
		return e.append(ctx, tx, "trigger.deferred", projectID, "trigger", t.ID, "", events.Payload{
			"source": t.SourceItemID, "target": t.TargetItemID, "reason": cause.Error(),
		})
	})
	if err != nil {
		return err
	}
	fields := []logger.Field{logger.F("trigger", t.ID), logger.F("target", t.TargetItemID), logger.Err(cause)}
	if first {
		e.log().Warn("Missing Prerequisite", fields...)
	} else {
		e.log().Debug("trigger still deferred", fields...)
	}
	return nil
}

// completeGroup closes an executing group once every member is terminal, then
// promotes the groups waiting on it.
func (e Engine) completeGroup(ctx context.Context, groupID string, depth int) error {
	var (
		closed     bool
		dependents []string
	)
	err := e.retry(ctx, "complete group", func() error {
		closed, dependents = false, nil
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if g.Status != domain.GroupExecuting {
				return nil
			}
			allTerminal, allSucceeded := true, true
			for _, id := range g.Members {
				it, err := r.GetItem(ctx, id)
				if err != nil {
					return err
				}
				st, err := r.GetStage(ctx, it.StageID)
				if err != nil {
					return err
				}
				if !st.IsTerminal {
					allTerminal = false
					break
				}
				if st.IsFailure {
					allSucceeded = false
				}
			}
			if !allTerminal {
				return nil
			}
			done := openExecuting(g).Complete(allSucceeded).Group()
			done.UpdatedAt = e.stamp()
			if _, err := r.UpdateGroup(ctx, done); err != nil {
				return err
			}
			closed = true
			if done.Status == domain.GroupDone {
				if dependents, err = r.SatisfyGroupDependencies(ctx, g.ID, e.stamp()); err != nil {
					return err
				}
			}
			return e.append(ctx, tx, "group.closed", g.ProjectID, "group", g.ID, "", events.Payload{
				"status": done.Status, "dependents": dependents,
			})
		})
	})
	if err != nil || !closed {
		return err
	}
	e.log().Info("group closed", logger.F("group", groupID), logger.F("dependents", len(dependents)))
	for _, id := range dependents {
		if err := e.cascade(ctx, id, depth+1); err != nil {
			return err
		}
	}
	return nil
}
