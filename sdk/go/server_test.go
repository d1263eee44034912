package flowboardsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/server"
)

func TestClientAgainstServer(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	e := engine.New(conn, config.Default(), nil)
	b, err := e.CreateBoard(ctx, "delivery", "tester")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	agent := "coder"
	stages := map[string]domain.Stage{}
	for i, s := range []domain.Stage{
		{Name: "Backlog", IsInitial: true},
		{Name: "Todo", StartsWorkflow: true, AgentID: &agent},
		{Name: "Review"},
	} {
		s.BoardID = b.ID
		s.Position = i
		out, err := e.AddStage(ctx, s, "tester")
		if err != nil {
			t.Fatalf("add stage %s: %v", s.Name, err)
		}
		stages[s.Name] = out
	}
	todo, review := stages["Todo"], stages["Review"]
	if _, err := e.AddTransition(ctx, domain.Transition{BoardID: b.ID, FromStageID: todo.ID, ToStageID: review.ID}, "tester"); err != nil {
		t.Fatalf("add transition: %v", err)
	}
	p, err := e.CreateProject(ctx, b.ID, "api", "tester")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	it, err := e.CreateItem(ctx, engine.ItemOptions{ProjectID: p.ID, Title: "ship"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()
	c := New(srv.URL, "agent")

	el, err := c.Eligibility(ctx, it.ID)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !el.Eligible || el.ItemID != it.ID {
		t.Fatalf("unexpected eligibility %+v", el)
	}

	moved, err := c.Move(ctx, it.ID, todo.ID, false)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.StageID != todo.ID || moved.Phase != string(domain.PhaseInProgress) || moved.Cycle == 0 {
		t.Fatalf("unexpected moved item %+v", moved)
	}

	if _, err := c.Decide(ctx, it.ID, "", "", 0); !errors.Is(err, ErrCycleRequired) {
		t.Fatalf("expected ErrCycleRequired, got %v", err)
	}

	out, err := c.Decide(ctx, it.ID, "", "", moved.Cycle)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Kind != "advance" || out.TargetStageID != review.ID || out.Duplicate {
		t.Fatalf("unexpected outcome %+v", out)
	}
	again, err := c.Decide(ctx, it.ID, "", "", moved.Cycle)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if !again.Duplicate || again.Item.StageID != review.ID || again.Item.Cycle != out.Item.Cycle {
		t.Fatalf("redelivery should not move the item: %+v", again)
	}

	got, err := c.Item(ctx, it.ID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if got.StageID != review.ID {
		t.Fatalf("item stage = %s, want %s", got.StageID, review.ID)
	}

	events, err := c.Events(ctx, it.ID, 5)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || events[0].EntityID != it.ID {
		t.Fatalf("unexpected events %+v", events)
	}

	_, err = c.Reject(ctx, it.ID, "no")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "no_pending_transition" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
