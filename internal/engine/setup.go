package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowboard/internal/board"
	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/repo"
)

var ErrInvalidTransition = errors.New("invalid transition")

func (e Engine) CreateBoard(ctx context.Context, name, actorID string) (domain.Board, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Board{}, fmt.Errorf("board name is required")
	}
	b := domain.Board{ID: uuid.NewString(), Name: name, CreatedAt: e.stamp()}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.InsertBoard(ctx, b); err != nil {
			return err
		}
		return e.append(ctx, tx, "board.created", "", "board", b.ID, actorID, events.Payload{"name": b.Name})
	})
	return b, err
}

func (e Engine) CreateProject(ctx context.Context, boardID, name, actorID string) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	p := domain.Project{ID: uuid.NewString(), BoardID: boardID, Name: name, CreatedAt: e.stamp()}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if _, err := r.GetBoard(ctx, boardID); err != nil {
			return fmt.Errorf("board %s: %w", boardID, err)
		}
		if err := r.InsertProject(ctx, p); err != nil {
			return err
		}
		return e.append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.Payload{"name": p.Name, "board_id": boardID})
	})
	return p, err
}

// AddStage validates s against the stages already on its board and stores it.
func (e Engine) AddStage(ctx context.Context, s domain.Stage, actorID string) (domain.Stage, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Name = strings.TrimSpace(s.Name)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if _, err := r.GetBoard(ctx, s.BoardID); err != nil {
			return fmt.Errorf("board %s: %w", s.BoardID, err)
		}
		existing, err := r.ListStages(ctx, s.BoardID)
		if err != nil {
			return err
		}
		if err := board.ValidateStage(existing, s); err != nil {
			return err
		}
		if err := r.InsertStage(ctx, s); err != nil {
			return err
		}
		return e.append(ctx, tx, "stage.created", "", "stage", s.ID, actorID, events.Payload{"board_id": s.BoardID, "name": s.Name})
	})
	return s, err
}

// AddTransition validates t against its scope level and stores it.
func (e Engine) AddTransition(ctx context.Context, t domain.Transition, actorID string) (domain.Transition, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Scope == "" {
		t.Scope = domain.ScopeBoard
	}
	if t.Scope == domain.ScopeBoard && t.ScopeID == "" {
		t.ScopeID = t.BoardID
	}
	t.CreatedAt = e.stamp()
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := e.checkScopeOwner(ctx, r, t); err != nil {
			return err
		}
		stages, err := r.ListStages(ctx, t.BoardID)
		if err != nil {
			return err
		}
		existing, err := r.ListTransitions(ctx, t.Scope, t.ScopeID, t.FromStageID)
		if err != nil {
			return err
		}
		if err := board.ValidateTransition(stages, existing, t); err != nil {
			return err
		}
		if t.Position == 0 {
			t.Position = len(existing) + 1
		}
		if err := r.InsertTransition(ctx, t); err != nil {
			return err
		}
		return e.append(ctx, tx, "transition.created", "", "transition", t.ID, actorID, events.Payload{
			"scope": t.Scope, "scope_id": t.ScopeID, "from": t.FromStageID, "to": t.ToStageID,
		})
	})
	return t, err
}

func (e Engine) checkScopeOwner(ctx context.Context, r repo.Repo, t domain.Transition) error {
	switch t.Scope {
	case domain.ScopeBoard:
		if t.ScopeID != t.BoardID {
			return fmt.Errorf("%w: board scope must name the board itself", ErrInvalidTransition)
		}
		_, err := r.GetBoard(ctx, t.BoardID)
		return err
	case domain.ScopeProject:
		p, err := r.GetProject(ctx, t.ScopeID)
		if err != nil {
			return fmt.Errorf("project %s: %w", t.ScopeID, err)
		}
		if p.BoardID != t.BoardID {
			return fmt.Errorf("%w: project %s is not on board %s", ErrInvalidTransition, p.ID, t.BoardID)
		}
	case domain.ScopeItem:
		it, err := r.GetItem(ctx, t.ScopeID)
		if err != nil {
			return fmt.Errorf("item %s: %w", t.ScopeID, err)
		}
		if it.BoardID != t.BoardID {
			return fmt.Errorf("%w: item %s is not on board %s", ErrInvalidTransition, it.ID, t.BoardID)
		}
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidTransition, t.Scope)
	}
	return nil
}

func (e Engine) StagesForBoard(ctx context.Context, boardID string) (board.Stages, error) {
	return e.Repo.ListStages(ctx, boardID)
}

// TransitionsFor returns the candidate transitions leaving the item's current stage.
func (e Engine) TransitionsFor(ctx context.Context, itemID string) ([]domain.Transition, domain.Scope, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, "", err
	}
	return board.Lookup{Source: e.Repo}.TransitionsFor(ctx, it, it.StageID)
}

type ItemOptions struct {
	ProjectID   string
	Title       string
	Description string
	Workdir     string
	Paths       []string
	ActorID     string
}

// CreateItem places a new item in the initial stage of its project's board.
func (e Engine) CreateItem(ctx context.Context, opts ItemOptions) (domain.Item, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Item{}, fmt.Errorf("item title is required")
	}
	var it domain.Item
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		p, err := r.GetProject(ctx, opts.ProjectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		stages, err := r.ListStages(ctx, p.BoardID)
		if err != nil {
			return err
		}
		initial, ok := board.Stages(stages).Initial()
		if !ok {
			return fmt.Errorf("board %s has no initial stage", p.BoardID)
		}
		now := e.stamp()
		it = domain.Item{
			ID:             uuid.NewString(),
			ProjectID:      p.ID,
			BoardID:        p.BoardID,
			Title:          title,
			Description:    opts.Description,
			StageID:        initial.ID,
			Phase:          domain.PhaseIdle,
			Cycle:          1,
			Version:        1,
			Workdir:        optionalString(opts.Workdir),
			Paths:          opts.Paths,
			PhaseChangedAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.InsertItem(ctx, it); err != nil {
			return err
		}
		return e.append(ctx, tx, "item.created", p.ID, "item", it.ID, opts.ActorID, events.Payload{"title": it.Title, "stage_id": it.StageID})
	})
	return it, err
}

func (e Engine) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return e.Repo.GetItem(ctx, id)
}

// ListAttention returns the items flagged for a human, optionally within one project.
func (e Engine) ListAttention(ctx context.Context, projectID string) ([]domain.Item, error) {
	return e.Repo.ListItems(ctx, repo.ItemFilter{ProjectID: projectID, NeedsAttention: true})
}
