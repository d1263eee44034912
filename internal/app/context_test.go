package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/repo"
)

func openRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestResolveProject(t *testing.T) {
	rt := openRuntime(t)
	ctx := context.Background()
	r := rt.Engine.Repo
	if _, err := ResolveProject(ctx, r, ""); err == nil {
		t.Fatalf("expected an error for an empty workspace")
	}
	b, err := rt.Engine.CreateBoard(ctx, "main", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Engine.AddStage(ctx, domain.Stage{BoardID: b.ID, Name: "Backlog", IsInitial: true}, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err := rt.Engine.CreateProject(ctx, b.ID, "api", "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := ResolveProject(ctx, r, "")
	if err != nil || got.ID != p.ID {
		t.Fatalf("single project: %+v %v", got, err)
	}
	if _, err := ResolveProject(ctx, r, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := rt.Engine.CreateProject(ctx, b.ID, "web", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveProject(ctx, r, ""); err == nil {
		t.Fatalf("expected ambiguity error with two projects")
	}
	if got, err := ResolveProject(ctx, r, p.ID); err != nil || got.ID != p.ID {
		t.Fatalf("override: %+v %v", got, err)
	}
}

func TestSignalBridgeAppliesDecisionFile(t *testing.T) {
	rt := openRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := &rt.Engine
	bridge := NewSignalBridge(e, 20*time.Millisecond, nil)

	b, err := e.CreateBoard(ctx, "main", "tester")
	if err != nil {
		t.Fatal(err)
	}
	agent := "coder"
	stage := func(s domain.Stage) domain.Stage {
		t.Helper()
		s.BoardID = b.ID
		out, err := e.AddStage(ctx, s, "tester")
		if err != nil {
			t.Fatalf("add stage %s: %v", s.Name, err)
		}
		return out
	}
	stage(domain.Stage{Name: "Backlog", Position: 0, IsInitial: true})
	todo := stage(domain.Stage{Name: "Todo", Position: 1, StartsWorkflow: true, AgentID: &agent})
	review := stage(domain.Stage{Name: "Review", Position: 2})
	if _, err := e.AddTransition(ctx, domain.Transition{BoardID: b.ID, FromStageID: todo.ID, ToStageID: review.ID}, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err := e.CreateProject(ctx, b.ID, "api", "tester")
	if err != nil {
		t.Fatal(err)
	}
	workdir := t.TempDir()
	it, err := e.CreateItem(ctx, engine.ItemOptions{ProjectID: p.ID, Title: "ship", Workdir: workdir})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- bridge.Watcher.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if _, err := e.MoveItem(ctx, engine.MoveOptions{ItemID: it.ID, StageID: todo.ID}); err != nil {
		t.Fatalf("move: %v", err)
	}
	path := e.DecisionPath(it)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"answer": "done"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := e.GetItem(ctx, it.ID)
		if err != nil {
			t.Fatal(err)
		}
		_, statErr := os.Stat(path)
		if got.StageID == review.ID && errors.Is(statErr, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("decision file was not applied and archived; item in stage %s phase %s", got.StageID, got.Phase)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
