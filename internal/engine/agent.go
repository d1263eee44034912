package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
	"flowboard/internal/resolver"
	"flowboard/internal/signal"
)

var ErrMalformedSignal = signal.ErrMalformed

// DecisionPath is where the agent working on it leaves its decision file.
func (e Engine) DecisionPath(it domain.Item) string {
	p := e.cfg().Decision.Path
	if p == "" || it.Workdir == nil || *it.Workdir == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(*it.Workdir, p)
}

// ProcessSignal applies the decision file of an item if one is present. It
// reports false when there is no file to read.
func (e Engine) ProcessSignal(ctx context.Context, itemID, actorID string) (Outcome, bool, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return Outcome{}, false, err
	}
	path := e.DecisionPath(it)
	if path == "" {
		return Outcome{}, false, nil
	}
	sig, err := signal.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Outcome{}, false, nil
	case errors.Is(err, signal.ErrMalformed):
		if ferr := e.flagMalformed(ctx, it.ID, err); ferr != nil {
			return Outcome{}, true, ferr
		}
		return Outcome{}, true, err
	case err != nil:
		return Outcome{}, false, err
	}
	out, err := e.applySignal(ctx, it, sig, actorID)
	if err != nil {
		return out, true, err
	}
	if err := signal.Archive(path, it.Cycle); err != nil {
		e.log().Warn("archive decision file", logger.F("item", it.ID), logger.F("path", path), logger.Err(err))
	}
	return out, true, nil
}

// Awaiting reports an agent run that ended without answering the stage question.
const Awaiting resolver.Kind = "awaiting_answer"

type AgentExit struct {
	ItemID string
	// Cycle is the cycle the agent was launched for.
	Cycle   int
	ActorID string
}

// AgentExited handles the end of an agent run. Without a decision file a stage
// that asks no question is complete; a stage with answer options parks the
// item until the answer arrives.
func (e Engine) AgentExited(ctx context.Context, req AgentExit) (Outcome, error) {
	if req.Cycle <= 0 {
		return Outcome{}, fmt.Errorf("%w: item %s", ErrCycleRequired, req.ItemID)
	}
	it, err := e.Repo.GetItem(ctx, req.ItemID)
	if err != nil {
		return Outcome{}, err
	}
	if req.Cycle != it.Cycle {
		return Outcome{}, fmt.Errorf("%w: agent ran in cycle %d, item %s is in cycle %d", ErrStaleDecision, req.Cycle, it.ID, it.Cycle)
	}
	out, found, err := e.ProcessSignal(ctx, it.ID, req.ActorID)
	if err != nil || found {
		return out, err
	}
	stage, err := e.Repo.GetStage(ctx, it.StageID)
	if err != nil {
		return Outcome{}, err
	}
	if len(stage.AnswerOptions) > 0 {
		return e.awaitAnswer(ctx, it.ID, req.Cycle, req.ActorID)
	}
	return e.ResolveAndApply(ctx, ResolveRequest{ItemID: it.ID, Cycle: req.Cycle, ActorID: req.ActorID})
}

func (e Engine) awaitAnswer(ctx context.Context, itemID string, cycle int, actorID string) (Outcome, error) {
	var out Outcome
	err := e.retry(ctx, "await answer", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			it, err := r.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			if it.Cycle != cycle {
				return fmt.Errorf("%w: agent ran in cycle %d, item %s is in cycle %d", ErrStaleDecision, cycle, it.ID, it.Cycle)
			}
			out = Outcome{ItemID: it.ID, Kind: Awaiting, FromStageID: it.StageID, Cycle: cycle, Item: it}
			if it.Phase != domain.PhaseInProgress {
				return nil
			}
			e.park(&it)
			it.UpdatedAt = e.stamp()
			if out.Item, err = r.UpdateItem(ctx, it); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.agent_exited", it.ProjectID, "item", it.ID, actorID, events.Payload{
				"cycle": cycle, "answered": false,
			})
		})
	})
	return out, err
}

func (e Engine) applySignal(ctx context.Context, it domain.Item, sig signal.Signal, actorID string) (Outcome, error) {
	if sig.HasArtifact() {
		scope, ref := sig.ArtifactScope()
		switch scope {
		case domain.ArtifactItem:
			ref = it.ID
		case domain.ArtifactGroup:
			if it.GroupID == nil {
				scope, ref = domain.ArtifactItem, it.ID
			} else {
				ref = *it.GroupID
			}
		}
		if _, err := e.AddArtifact(ctx, ArtifactOptions{
			ProjectID: it.ProjectID,
			Type:      sig.ArtifactType,
			Scope:     scope,
			ScopeRef:  ref,
			Title:     sig.Title,
			Content:   sig.Content,
			ActorID:   actorID,
		}); err != nil {
			return Outcome{}, fmt.Errorf("record artifact: %w", err)
		}
	}
	return e.ResolveAndApply(ctx, ResolveRequest{ItemID: it.ID, Decision: sig.Decision(), Cycle: it.Cycle, ActorID: actorID})
}

// flagMalformed parks the item and asks a human to look at its signal.
func (e Engine) flagMalformed(ctx context.Context, itemID string, cause error) error {
	return e.retry(ctx, "flag malformed", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			it, err := r.GetItem(ctx, itemID)
			if err != nil {
				return err
			}
			flag(&it, domain.AttentionMalformedSignal, cause.Error())
			e.park(&it)
			it.UpdatedAt = e.stamp()
			if _, err := r.UpdateItem(ctx, it); err != nil {
				return err
			}
			return e.append(ctx, tx, "item.signal_malformed", it.ProjectID, "item", it.ID, "", events.Payload{"error": cause.Error()})
		})
	})
}
