package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"flowboard/internal/depgraph"
	"flowboard/internal/domain"
	"flowboard/internal/events"
	"flowboard/internal/groups"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

type GroupOptions struct {
	ProjectID string
	Name      string
	IsBacklog bool
	Members   []string
	ActorID   string
}

func (e Engine) CreateGroup(ctx context.Context, opts GroupOptions) (domain.Group, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Group{}, fmt.Errorf("group name is required")
	}
	now := e.stamp()
	g := domain.Group{
		ID:        uuid.NewString(),
		ProjectID: opts.ProjectID,
		Name:      name,
		Status:    domain.GroupDraft,
		IsBacklog: opts.IsBacklog,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if _, err := r.GetProject(ctx, opts.ProjectID); err != nil {
			return fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		if err := r.InsertGroup(ctx, g); err != nil {
			return err
		}
		d, err := groups.AsDraft(g)
		if err != nil {
			return err
		}
		for _, id := range opts.Members {
			if err := e.attach(ctx, r, d.Group(), id, d.Add); err != nil {
				return err
			}
		}
		if g, err = r.UpdateGroup(ctx, d.Group()); err != nil {
			return err
		}
		return e.append(ctx, tx, "group.created", g.ProjectID, "group", g.ID, opts.ActorID, events.Payload{
			"name": g.Name, "backlog": g.IsBacklog, "members": g.Members,
		})
	})
	return g, err
}

func (e Engine) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	return e.Repo.GetGroup(ctx, id)
}

func (e Engine) ListGroups(ctx context.Context, projectID string) ([]domain.Group, error) {
	return e.Repo.ListGroups(ctx, repo.GroupFilter{ProjectID: projectID})
}

// attach makes itemID a member of g through add and points the item at the group.
func (e Engine) attach(ctx context.Context, r repo.Repo, g domain.Group, itemID string, add func(string) (groups.EdgeDiff, error)) error {
	it, err := r.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("item %s: %w", itemID, err)
	}
	if it.ProjectID != g.ProjectID {
		return fmt.Errorf("item %s belongs to project %s, group %s to %s", it.ID, it.ProjectID, g.ID, g.ProjectID)
	}
	if it.GroupID != nil && *it.GroupID != g.ID {
		return fmt.Errorf("%w: item %s is in group %s", groups.ErrAlreadyMember, it.ID, *it.GroupID)
	}
	diff, err := add(it.ID)
	if err != nil {
		return err
	}
	if err := e.applyEdgeDiff(ctx, r, g.ProjectID, diff); err != nil {
		return err
	}
	groupID := g.ID
	it.GroupID = &groupID
	it.UpdatedAt = e.stamp()
	_, err = r.UpdateItem(ctx, it)
	return err
}

// editDraft runs one membership edit against a draft group.
func (e Engine) editDraft(ctx context.Context, groupID, evtType, actorID string, fn func(r repo.Repo, d *groups.Draft) (events.Payload, error)) (domain.Group, error) {
	var out domain.Group
	err := e.retry(ctx, evtType, func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			d, err := groups.AsDraft(g)
			if err != nil {
				return err
			}
			payload, err := fn(r, d)
			if err != nil {
				return err
			}
			next := d.Group()
			next.UpdatedAt = e.stamp()
			if out, err = r.UpdateGroup(ctx, next); err != nil {
				return err
			}
			payload["members"] = out.Members
			return e.append(ctx, tx, evtType, g.ProjectID, "group", g.ID, actorID, payload)
		})
	})
	return out, err
}

// AddGroupMember appends an item to the chain of a draft group.
func (e Engine) AddGroupMember(ctx context.Context, groupID, itemID, actorID string) (domain.Group, error) {
	return e.editDraft(ctx, groupID, "group.member_added", actorID, func(r repo.Repo, d *groups.Draft) (events.Payload, error) {
		return events.Payload{"item_id": itemID}, e.attach(ctx, r, d.Group(), itemID, d.Add)
	})
}

// RemoveGroupMember drops an item and links its neighbours together.
func (e Engine) RemoveGroupMember(ctx context.Context, groupID, itemID, actorID string) (domain.Group, error) {
	return e.editDraft(ctx, groupID, "group.member_removed", actorID, func(r repo.Repo, d *groups.Draft) (events.Payload, error) {
		diff, err := d.Remove(itemID)
		if err != nil {
			return nil, err
		}
		if err := e.applyEdgeDiff(ctx, r, d.Group().ProjectID, diff); err != nil {
			return nil, err
		}
		it, err := r.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		it.GroupID = nil
		it.UpdatedAt = e.stamp()
		if _, err := r.UpdateItem(ctx, it); err != nil {
			return nil, err
		}
		return events.Payload{"item_id": itemID}, nil
	})
}

// MoveGroupMember reorders the chain of a draft group.
func (e Engine) MoveGroupMember(ctx context.Context, groupID, itemID string, position int, actorID string) (domain.Group, error) {
	return e.editDraft(ctx, groupID, "group.member_moved", actorID, func(r repo.Repo, d *groups.Draft) (events.Payload, error) {
		diff, err := d.Move(itemID, position)
		if err != nil {
			return nil, err
		}
		return events.Payload{"item_id": itemID, "position": position}, e.applyEdgeDiff(ctx, r, d.Group().ProjectID, diff)
	})
}

// AppendAnalysisItem adds an item found during analysis to an analyzing group.
func (e Engine) AppendAnalysisItem(ctx context.Context, groupID, itemID, actorID string) (domain.Group, error) {
	var out domain.Group
	err := e.retry(ctx, "analysis append", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			a, ok := groups.Open(g).(*groups.Analyzing)
			if !ok {
				return fmt.Errorf("%w: group %s is %s", groups.ErrWrongStatus, g.ID, g.Status)
			}
			if err := e.attach(ctx, r, a.Group(), itemID, a.Append); err != nil {
				return err
			}
			next := a.Group()
			next.UpdatedAt = e.stamp()
			if out, err = r.UpdateGroup(ctx, next); err != nil {
				return err
			}
			return e.append(ctx, tx, "group.member_appended", g.ProjectID, "group", g.ID, actorID, events.Payload{"item_id": itemID})
		})
	})
	return out, err
}

// applyEdgeDiff writes the auto-generated dependency changes of a membership edit.
func (e Engine) applyEdgeDiff(ctx context.Context, r repo.Repo, projectID string, diff groups.EdgeDiff) error {
	for _, edge := range diff.Remove {
		if err := r.DeleteAutoDependency(ctx, edge.From, edge.To); err != nil {
			return err
		}
	}
	if len(diff.Add) == 0 {
		return nil
	}
	graph, err := itemGraph(ctx, r, projectID)
	if err != nil {
		return err
	}
	for _, edge := range diff.Add {
		if err := graph.CheckEdge(edge.From, edge.To); err != nil {
			return fmt.Errorf("auto dependency %s -> %s: %w", edge.From, edge.To, err)
		}
		graph.AddEdge(edge.From, edge.To)
		satisfied, err := e.satisfiedIfDone(ctx, r, edge.To)
		if err != nil {
			return err
		}
		if err := r.InsertDependency(ctx, domain.Dependency{
			ItemID:          edge.From,
			DependsOnItemID: edge.To,
			AutoGenerated:   true,
			SatisfiedAt:     satisfied,
		}); err != nil {
			return err
		}
	}
	return nil
}

func itemGraph(ctx context.Context, r repo.Repo, projectID string) (*depgraph.Graph, error) {
	deps, err := r.ListProjectDependencies(ctx, projectID)
	if err != nil {
		return nil, err
	}
	g := depgraph.New()
	for _, d := range deps {
		g.AddEdge(d.ItemID, d.DependsOnItemID)
	}
	return g, nil
}

// satisfiedIfDone returns a satisfaction stamp when upstream already completed.
func (e Engine) satisfiedIfDone(ctx context.Context, r repo.Repo, upstream string) (*string, error) {
	it, err := r.GetItem(ctx, upstream)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", upstream, err)
	}
	st, err := r.GetStage(ctx, it.StageID)
	if err != nil {
		return nil, err
	}
	if !st.SuccessfulTerminal() {
		return nil, nil
	}
	now := e.stamp()
	return &now, nil
}

// AddGroupDependency makes groupID wait for dependsOn to finish.
func (e Engine) AddGroupDependency(ctx context.Context, groupID, dependsOn, actorID string) error {
	if groupID == dependsOn {
		return fmt.Errorf("%w: group %s cannot depend on itself", ErrCycle, groupID)
	}
	return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		g, err := r.GetGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("group %s: %w", groupID, err)
		}
		up, err := r.GetGroup(ctx, dependsOn)
		if err != nil {
			return fmt.Errorf("group %s: %w", dependsOn, err)
		}
		if g.ProjectID != up.ProjectID {
			return fmt.Errorf("groups %s and %s belong to different projects", g.ID, up.ID)
		}
		deps, err := r.ListProjectGroupDependencies(ctx, g.ProjectID)
		if err != nil {
			return err
		}
		graph := depgraph.New()
		for _, d := range deps {
			graph.AddEdge(d.GroupID, d.DependsOnGroupID)
		}
		if err := graph.CheckEdge(g.ID, up.ID); err != nil {
			return fmt.Errorf("group dependency %s -> %s: %w", g.ID, up.ID, err)
		}
		var satisfied *string
		if up.Status == domain.GroupDone {
			now := e.stamp()
			satisfied = &now
		}
		if err := r.InsertGroupDependency(ctx, domain.GroupDependency{GroupID: g.ID, DependsOnGroupID: up.ID, SatisfiedAt: satisfied}); err != nil {
			return err
		}
		return e.append(ctx, tx, "group.dependency_added", g.ProjectID, "group", g.ID, actorID, events.Payload{"depends_on": up.ID})
	})
}

// PromoteGroup freezes a draft group and moves it towards execution as far
// as configuration allows. Groups past draft are advanced where possible.
func (e Engine) PromoteGroup(ctx context.Context, groupID, actorID string) (domain.Group, error) {
	if err := e.promote(ctx, groupID, actorID); err != nil {
		return domain.Group{}, err
	}
	if err := e.settle(ctx, groupID, 0); err != nil {
		return domain.Group{}, err
	}
	return e.Repo.GetGroup(ctx, groupID)
}

func (e Engine) promote(ctx context.Context, groupID, actorID string) error {
	return e.retry(ctx, "promote group", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			switch g.Status {
			case domain.GroupDone, domain.GroupFailed:
				return fmt.Errorf("%w: group %s is %s", groups.ErrWrongStatus, g.ID, g.Status)
			case domain.GroupDraft:
			default:
				return nil
			}
			d, err := groups.AsDraft(g)
			if err != nil {
				return err
			}
			next := d.Promote(e.stamp()).Group()
			next.UpdatedAt = e.stamp()
			if _, err := r.UpdateGroup(ctx, next); err != nil {
				return err
			}
			return e.append(ctx, tx, "group.promoted", g.ProjectID, "group", g.ID, actorID, events.Payload{"members": g.Members})
		})
	})
}

// settle carries a group through the steps that need no human: default
// analysis, start and member dispatch, and closing when nothing is left.
func (e Engine) settle(ctx context.Context, groupID string, depth int) error {
	cfg := e.cfg().Groups
	g, err := e.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status == domain.GroupAnalyzing {
		if !cfg.AutoStart || cfg.AnalysisAgent != "" {
			e.log().Info("group waiting for analysis", logger.F("group", g.ID), logger.F("agent", cfg.AnalysisAgent))
			return nil
		}
		if err := e.finishAnalysis(ctx, groupID, nil, ""); err != nil {
			return err
		}
		g.Status = domain.GroupReady
	}
	if g.Status == domain.GroupReady {
		if !cfg.AutoStart {
			return nil
		}
		n, err := e.Repo.UnsatisfiedGroupDependencies(ctx, g.ID)
		if err != nil || n > 0 {
			return err
		}
		if err := e.startGroup(ctx, groupID, ""); err != nil {
			return err
		}
		g.Status = domain.GroupExecuting
	}
	if g.Status != domain.GroupExecuting {
		return nil
	}
	for _, id := range g.Members {
		if err := e.advance(ctx, id, "group started"); err != nil {
			return err
		}
	}
	return e.completeGroup(ctx, g.ID, depth)
}

// cascade continues promotion into a group whose dependencies just cleared.
func (e Engine) cascade(ctx context.Context, groupID string, depth int) error {
	if depth > e.cfg().Groups.CascadeDepth {
		e.log().Info("cascade depth reached, leaving group for the sweep", logger.F("group", groupID), logger.F("depth", depth))
		return nil
	}
	g, err := e.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	n, err := e.Repo.UnsatisfiedGroupDependencies(ctx, g.ID)
	if err != nil || n > 0 {
		return err
	}
	switch g.Status {
	case domain.GroupDraft:
		if !g.IsBacklog {
			return nil
		}
		if err := e.promote(ctx, g.ID, ""); err != nil {
			return err
		}
	case domain.GroupReady:
	default:
		return nil
	}
	return e.settle(ctx, g.ID, depth)
}

// FinishAnalysis stores the execution plan of an analyzing group and rewrites
// its auto-generated dependencies to follow it. A nil plan is derived from the
// dependencies among the members.
func (e Engine) FinishAnalysis(ctx context.Context, groupID string, plan [][]string, actorID string) (domain.Group, error) {
	if err := e.finishAnalysis(ctx, groupID, plan, actorID); err != nil {
		return domain.Group{}, err
	}
	if err := e.settle(ctx, groupID, 0); err != nil {
		return domain.Group{}, err
	}
	return e.Repo.GetGroup(ctx, groupID)
}

func (e Engine) finishAnalysis(ctx context.Context, groupID string, plan [][]string, actorID string) error {
	return e.retry(ctx, "finish analysis", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			a, ok := groups.Open(g).(*groups.Analyzing)
			if !ok {
				return fmt.Errorf("%w: group %s is %s", groups.ErrWrongStatus, g.ID, g.Status)
			}
			inGroup := make(map[string]bool, len(g.Members))
			for _, m := range g.Members {
				inGroup[m] = true
			}
			var auto, all []groups.Edge
			for _, m := range g.Members {
				deps, err := r.ListDependencies(ctx, m)
				if err != nil {
					return err
				}
				for _, d := range deps {
					if !inGroup[d.DependsOnItemID] {
						continue
					}
					edge := groups.Edge{From: m, To: d.DependsOnItemID}
					all = append(all, edge)
					if d.AutoGenerated {
						auto = append(auto, edge)
					}
				}
			}
			if plan == nil {
				if plan, err = groups.DefaultPlan(g.Members, all); err != nil {
					return err
				}
			}
			ready, diff, err := a.Finish(plan, auto)
			if err != nil {
				return err
			}
			if err := e.applyEdgeDiff(ctx, r, g.ProjectID, diff); err != nil {
				return err
			}
			next := ready.Group()
			next.UpdatedAt = e.stamp()
			if _, err := r.UpdateGroup(ctx, next); err != nil {
				return err
			}
			return e.append(ctx, tx, "group.analysis_finished", g.ProjectID, "group", g.ID, actorID, events.Payload{
				"plan": plan, "added": len(diff.Add), "removed": len(diff.Remove),
			})
		})
	})
}

// StartGroup moves a ready group to executing and starts every member whose
// dependencies are satisfied.
func (e Engine) StartGroup(ctx context.Context, groupID, actorID string) (domain.Group, error) {
	if err := e.startGroup(ctx, groupID, actorID); err != nil {
		return domain.Group{}, err
	}
	if err := e.settle(ctx, groupID, 0); err != nil {
		return domain.Group{}, err
	}
	return e.Repo.GetGroup(ctx, groupID)
}

func (e Engine) startGroup(ctx context.Context, groupID, actorID string) error {
	return e.retry(ctx, "start group", func() error {
		return e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
			g, err := r.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if g.Status == domain.GroupExecuting {
				return nil
			}
			ready, ok := groups.Open(g).(*groups.Ready)
			if !ok {
				return fmt.Errorf("%w: group %s is %s", groups.ErrWrongStatus, g.ID, g.Status)
			}
			n, err := r.UnsatisfiedGroupDependencies(ctx, g.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: group %s waits on %d groups", ErrMissingPrerequisite, g.ID, n)
			}
			next := ready.Start().Group()
			next.UpdatedAt = e.stamp()
			if _, err := r.UpdateGroup(ctx, next); err != nil {
				return err
			}
			return e.append(ctx, tx, "group.started", g.ProjectID, "group", g.ID, actorID, events.Payload{"members": g.Members})
		})
	})
}

func openExecuting(g domain.Group) *groups.Executing {
	x, _ := groups.Open(g).(*groups.Executing)
	return x
}
