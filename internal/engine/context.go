package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowboard/internal/contextpack"
	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/repo"
)

type ArtifactOptions struct {
	ProjectID     string
	Type          string
	Scope         domain.ArtifactScope
	ScopeRef      string
	Title         string
	Content       string
	TokenEstimate int
	ActorID       string
}

// AddArtifact records a new version of the chain identified by scope, ref and
// title. Recording content identical to the latest version is a no-op.
func (e Engine) AddArtifact(ctx context.Context, opts ArtifactOptions) (domain.Artifact, error) {
	a := domain.Artifact{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		Type:          strings.TrimSpace(opts.Type),
		Scope:         opts.Scope,
		ScopeRef:      opts.ScopeRef,
		Title:         strings.TrimSpace(opts.Title),
		Content:       opts.Content,
		TokenEstimate: opts.TokenEstimate,
		CreatedAt:     e.stamp(),
	}
	if a.Scope == "" {
		a.Scope = domain.ArtifactGlobal
	}
	switch a.Scope {
	case domain.ArtifactGlobal:
		a.ScopeRef = ""
	case domain.ArtifactItem, domain.ArtifactGroup, domain.ArtifactPath:
		if a.ScopeRef == "" {
			return a, fmt.Errorf("%s artifact needs a scope reference", a.Scope)
		}
	default:
		return a, fmt.Errorf("unknown artifact scope %q", a.Scope)
	}
	if a.Type == "" || a.Title == "" || a.Content == "" {
		return a, fmt.Errorf("artifact type, title and content are required")
	}
	if a.TokenEstimate <= 0 {
		a.TokenEstimate = contextpack.EstimateTokens(a.Content)
	}
	a.ChainID = contextpack.ChainID(a.Scope, a.ScopeRef, a.Title)

	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if _, err := r.GetProject(ctx, a.ProjectID); err != nil {
			return fmt.Errorf("project %s: %w", a.ProjectID, err)
		}
		latest, err := r.LatestArtifact(ctx, a.ChainID)
		switch {
		case err == nil:
			if latest.Content == a.Content && latest.Type == a.Type {
				a = latest
				return nil
			}
			a.Version = latest.Version + 1
		case errors.Is(err, repo.ErrNotFound):
			a.Version = 1
		default:
			return err
		}
		if err := r.InsertArtifact(ctx, a); err != nil {
			return err
		}
		return e.append(ctx, tx, "artifact.recorded", a.ProjectID, "artifact", a.ID, opts.ActorID, events.Payload{
			"chain_id": a.ChainID, "version": a.Version, "type": a.Type, "scope": a.Scope,
		})
	})
	return a, err
}

func (e Engine) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	return e.Repo.ListArtifacts(ctx, projectID)
}

// BuildContext assembles the knowledge payload for an item within budget
// tokens; a budget of zero uses the configured default.
func (e Engine) BuildContext(ctx context.Context, itemID string, budget int) (contextpack.Result, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return contextpack.Result{}, err
	}
	artifacts, err := e.Repo.ListArtifacts(ctx, it.ProjectID)
	if err != nil {
		return contextpack.Result{}, err
	}
	cfg := e.cfg().Context
	if budget <= 0 {
		budget = cfg.DefaultBudget
	}
	return contextpack.Build(contextpack.Request{
		Item:         it,
		Budget:       budget,
		Ratios:       contextpack.Ratios{Global: cfg.Ratios.Global, Item: cfg.Ratios.Item, Path: cfg.Ratios.Path},
		TypePriority: cfg.TypePriority,
	}, artifacts), nil
}
