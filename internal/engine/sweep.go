package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

// SweepReport counts what one reconciliation pass changed.
type SweepReport struct {
	Upstreams  int `json:"upstreams"`
	Started    int `json:"started"`
	Triggers   int `json:"triggers"`
	Dispatched int `json:"dispatched"`
	Groups     int `json:"groups"`
	Stale      int `json:"stale"`
}

func (r SweepReport) Empty() bool {
	return r == SweepReport{}
}

// Sweep repairs whatever propagation left unfinished and, when configured,
// flags agents that have been silent too long.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		rep  SweepReport
		errs []error
	)
	keep := func(step string, err error) {
		if err != nil && !errors.Is(err, repo.ErrVersionConflict) {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	upstreams, err := e.Repo.PendingUpstreams(ctx)
	keep("pending upstreams", err)
	for _, id := range upstreams {
		it, err := e.Repo.GetItem(ctx, id)
		if err != nil {
			keep("upstream", err)
			continue
		}
		keep("dependencies", e.propagateDependencies(ctx, it))
		rep.Upstreams++
	}

	ready, err := e.Repo.ReadyToStart(ctx)
	keep("ready items", err)
	for _, id := range ready {
		started, err := e.autoStart(ctx, id, "sweep", false)
		if errors.Is(err, ErrMissingPrerequisite) {
			continue
		}
		keep("auto-start", err)
		if started {
			rep.Started++
		}
	}

	triggers, cycles, err := e.Repo.PendingTriggers(ctx)
	keep("pending triggers", err)
	for i, t := range triggers {
		keep("trigger", e.fireTrigger(ctx, t, cycles[i]))
		rep.Triggers++
	}

	queued, err := e.Repo.ListItems(ctx, repo.ItemFilter{Phase: domain.PhaseQueued})
	keep("queued items", err)
	for _, it := range queued {
		ok, err := e.dispatch(ctx, it.ID)
		keep("dispatch", err)
		if ok {
			rep.Dispatched++
		}
	}

	gs, err := e.Repo.ListGroups(ctx, repo.GroupFilter{})
	keep("groups", err)
	for _, g := range gs {
		switch g.Status {
		case domain.GroupExecuting:
			keep("complete group", e.completeGroup(ctx, g.ID, 0))
		case domain.GroupDraft, domain.GroupReady:
			keep("cascade group", e.cascade(ctx, g.ID, 0))
		default:
			continue
		}
		if cur, err := e.Repo.GetGroup(ctx, g.ID); err == nil && cur.Status != g.Status {
			rep.Groups++
		}
	}

	if timeout := e.cfg().Engine.AwaitingTimeout.Std(); timeout > 0 {
		n, err := e.flagStale(ctx, timeout)
		keep("stale agents", err)
		rep.Stale = n
	}

	if !rep.Empty() {
		e.log().Info("sweep finished",
			logger.F("upstreams", rep.Upstreams),
			logger.F("started", rep.Started),
			logger.F("dispatched", rep.Dispatched),
			logger.F("groups", rep.Groups),
			logger.F("stale", rep.Stale))
	}
	return rep, errors.Join(errs...)
}

// flagStale marks items parked in awaiting_response for longer than timeout.
// A row changed since it was read is skipped.
func (e Engine) flagStale(ctx context.Context, timeout time.Duration) (int, error) {
	items, err := e.Repo.ListItems(ctx, repo.ItemFilter{Phase: domain.PhaseAwaitingResponse})
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-timeout)
	n := 0
	for _, it := range items {
		if it.Attention != nil {
			continue
		}
		since, err := time.Parse(time.RFC3339, it.PhaseChangedAt)
		if err != nil || since.After(cutoff) {
			continue
		}
		err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			flag(&it, domain.AttentionStaleAgent, fmt.Sprintf("awaiting a response since %s", it.PhaseChangedAt))
			it.UpdatedAt = e.stamp()
			if _, err := r.UpdateItem(ctx, it); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.stale", it.ProjectID, "item", it.ID, "", events.Payload{"since": it.PhaseChangedAt})
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			e.log().Debug("stale flag skipped, item changed", logger.F("item", it.ID))
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
