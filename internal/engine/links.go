package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/repo"
)

// AddDependency makes itemID wait for dependsOn. An edge on an upstream that
// already completed is stored satisfied.
func (e Engine) AddDependency(ctx context.Context, itemID, dependsOn, actorID string) (domain.Dependency, error) {
	dep := domain.Dependency{ItemID: itemID, DependsOnItemID: dependsOn}
	if itemID == dependsOn {
		return dep, fmt.Errorf("%w: item %s cannot depend on itself", ErrCycle, itemID)
	}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		it, err := r.GetItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("item %s: %w", itemID, err)
		}
		up, err := r.GetItem(ctx, dependsOn)
		if err != nil {
			return fmt.Errorf("item %s: %w", dependsOn, err)
		}
		if it.ProjectID != up.ProjectID {
			return fmt.Errorf("items %s and %s belong to different projects", it.ID, up.ID)
		}
		graph, err := itemGraph(ctx, r, it.ProjectID)
		if err != nil {
			return err
		}
		if err := graph.CheckEdge(it.ID, up.ID); err != nil {
			return fmt.Errorf("dependency %s -> %s: %w", it.ID, up.ID, err)
		}
		if dep.SatisfiedAt, err = e.satisfiedIfDone(ctx, r, up.ID); err != nil {
			return err
		}
		if err := r.InsertDependency(ctx, dep); err != nil {
			return err
		}
		return e.append(ctx, tx, "dependency.added", it.ProjectID, "item", it.ID, actorID, events.Payload{
			"depends_on": up.ID, "satisfied": dep.SatisfiedAt != nil,
		})
	})
	return dep, err
}

// RemoveDependency deletes an edge and starts the item if that was its last blocker.
func (e Engine) RemoveDependency(ctx context.Context, itemID, dependsOn, actorID string) error {
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		it, err := r.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := r.DeleteDependency(ctx, itemID, dependsOn); err != nil {
			return fmt.Errorf("dependency %s -> %s: %w", itemID, dependsOn, err)
		}
		return e.append(ctx, tx, "dependency.removed", it.ProjectID, "item", it.ID, actorID, events.Payload{"depends_on": dependsOn})
	})
	if err != nil {
		return err
	}
	n, err := e.Repo.UnsatisfiedDependencies(ctx, itemID)
	if err != nil || n > 0 {
		return err
	}
	deps, err := e.Repo.ListDependencies(ctx, itemID)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		// An item with no dependencies left is started by hand, not by the engine.
		_, err = e.dispatch(ctx, itemID)
		return err
	}
	return e.advance(ctx, itemID, "dependency removed")
}

type TriggerOptions struct {
	SourceItemID string
	TargetItemID string
	Persistent   bool
	ActorID      string
}

// AddTrigger starts TargetItemID whenever SourceItemID completes; a
// non-persistent trigger fires once.
func (e Engine) AddTrigger(ctx context.Context, opts TriggerOptions) (domain.Trigger, error) {
	t := domain.Trigger{
		ID:           uuid.NewString(),
		SourceItemID: opts.SourceItemID,
		TargetItemID: opts.TargetItemID,
		IsPersistent: opts.Persistent,
		CreatedAt:    e.stamp(),
	}
	if t.SourceItemID == t.TargetItemID {
		return t, fmt.Errorf("%w: item %s cannot trigger itself", ErrCycle, t.SourceItemID)
	}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		src, err := r.GetItem(ctx, t.SourceItemID)
		if err != nil {
			return fmt.Errorf("item %s: %w", t.SourceItemID, err)
		}
		dst, err := r.GetItem(ctx, t.TargetItemID)
		if err != nil {
			return fmt.Errorf("item %s: %w", t.TargetItemID, err)
		}
		if src.ProjectID != dst.ProjectID {
			return fmt.Errorf("items %s and %s belong to different projects", src.ID, dst.ID)
		}
		if err := r.InsertTrigger(ctx, t); err != nil {
			return err
		}
		return e.append(ctx, tx, "trigger.added", src.ProjectID, "trigger", t.ID, opts.ActorID, events.Payload{
			"source": src.ID, "target": dst.ID, "persistent": t.IsPersistent,
		})
	})
	return t, err
}
