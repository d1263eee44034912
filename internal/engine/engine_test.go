package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/groups"
	"flowboard/internal/migrate"
	"flowboard/internal/resolver"
)

type recordingLauncher struct {
	mu   sync.Mutex
	reqs []engine.LaunchRequest
}

func (l *recordingLauncher) Launch(_ context.Context, req engine.LaunchRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	return nil
}

func (l *recordingLauncher) launched(itemID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reqs {
		if r.Item.ID == itemID {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Launcher *recordingLauncher
	Clock    *time.Time

	Board    domain.Board
	Project  domain.Project
	Backlog  domain.Stage
	Todo     domain.Stage
	Review   domain.Stage
	Done     domain.Stage
	Failed   domain.Stage
	Archived domain.Stage
	Spike    domain.Stage
	Gate     domain.Transition
}

func ptr[T any](v T) *T { return &v }

func newTestEnv(t *testing.T, tune ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tune {
		fn(cfg)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), Launcher: &recordingLauncher{}, Clock: &clock}
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return *env.Clock }
	eng.Launcher = env.Launcher
	env.Engine = eng

	ctx := env.Ctx
	if env.Board, err = eng.CreateBoard(ctx, "delivery", "tester"); err != nil {
		t.Fatalf("create board: %v", err)
	}
	stage := func(s domain.Stage) domain.Stage {
		t.Helper()
		s.BoardID = env.Board.ID
		out, err := eng.AddStage(ctx, s, "tester")
		if err != nil {
			t.Fatalf("add stage %s: %v", s.Name, err)
		}
		return out
	}
	env.Backlog = stage(domain.Stage{Name: "Backlog", Position: 0, IsInitial: true})
	env.Todo = stage(domain.Stage{Name: "Todo", Position: 1, StartsWorkflow: true, AgentID: ptr("coder")})
	env.Review = stage(domain.Stage{Name: "Review", Position: 2, AgentID: ptr("reviewer"),
		Question: ptr("Ship it?"), AnswerOptions: []string{"approve", "reject"}})
	env.Done = stage(domain.Stage{Name: "Done", Position: 3, IsTerminal: true})
	env.Failed = stage(domain.Stage{Name: "Failed", Position: 4, IsTerminal: true, IsFailure: true})
	env.Archived = stage(domain.Stage{Name: "Archived", Position: 5, AnswerOptions: []string{"approve", "reject"}})
	env.Spike = stage(domain.Stage{Name: "Spike", Position: 6, AgentID: ptr("researcher")})

	if env.Project, err = eng.CreateProject(ctx, env.Board.ID, "api", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := eng.AddTransition(ctx, domain.Transition{
		BoardID: env.Board.ID, FromStageID: env.Todo.ID, ToStageID: env.Review.ID,
	}, "tester"); err != nil {
		t.Fatalf("todo -> review: %v", err)
	}
	env.Gate, err = eng.AddTransition(ctx, domain.Transition{
		BoardID:           env.Board.ID,
		FromStageID:       env.Review.ID,
		ToStageID:         env.Done.ID,
		Condition:         ptr("approve"),
		ElseStageID:       ptr(env.Todo.ID),
		EscalationStageID: ptr(env.Archived.ID),
		MaxFailures:       ptr(2),
	}, "tester")
	if err != nil {
		t.Fatalf("review gate: %v", err)
	}
	return env
}

func (env *testEnv) item(t *testing.T, title string) domain.Item {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemOptions{ProjectID: env.Project.ID, Title: title, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create item %s: %v", title, err)
	}
	return it
}

func (env *testEnv) move(t *testing.T, itemID string, stage domain.Stage) domain.Item {
	t.Helper()
	it, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ItemID: itemID, StageID: stage.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("move %s to %s: %v", itemID, stage.Name, err)
	}
	return it
}

func (env *testEnv) reload(t *testing.T, itemID string) domain.Item {
	t.Helper()
	it, err := env.Engine.GetItem(env.Ctx, itemID)
	if err != nil {
		t.Fatalf("get item %s: %v", itemID, err)
	}
	return it
}

// decide delivers d for the item's current cycle, the way an agent launched
// for that cycle would.
func (env *testEnv) decide(t *testing.T, itemID string, d *domain.Decision) engine.Outcome {
	t.Helper()
	cur := env.reload(t, itemID)
	out, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: itemID, Decision: d, Cycle: cur.Cycle, ActorID: "tester"})
	if err != nil {
		t.Fatalf("resolve %s: %v", itemID, err)
	}
	return out
}

func TestCreateItemStartsInInitialStage(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "first")
	if it.StageID != env.Backlog.ID || it.Phase != domain.PhaseIdle || it.Cycle != 1 {
		t.Fatalf("unexpected new item: %+v", it)
	}
}

func TestSecondInitialStageRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddStage(env.Ctx, domain.Stage{BoardID: env.Board.ID, Name: "Inbox", IsInitial: true}, "tester")
	if err == nil {
		t.Fatalf("expected second initial stage to be rejected")
	}
	if _, err := env.Engine.AddStage(env.Ctx, domain.Stage{BoardID: env.Board.ID, Name: "Inbox template", IsInitial: true, IsTemplate: true}, "tester"); err != nil {
		t.Fatalf("template stage should be exempt: %v", err)
	}
}

func TestEscalationSequence(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "escalate me")
	it = env.move(t, it.ID, env.Todo)
	if it.Phase != domain.PhaseInProgress {
		t.Fatalf("expected in_progress in Todo, got %s", it.Phase)
	}
	if env.Launcher.launched(it.ID) != 1 {
		t.Fatalf("expected one launch, got %d", env.Launcher.launched(it.ID))
	}
	if out := env.decide(t, it.ID, nil); out.Kind != resolver.Advance || out.TargetStageID != env.Review.ID {
		t.Fatalf("todo completion: %+v", out)
	}

	reject := &domain.Decision{Answer: "reject", Feedback: "tests missing"}
	out := env.decide(t, it.ID, reject)
	if out.Kind != resolver.Else || out.Item.StageID != env.Todo.ID {
		t.Fatalf("first reject: %+v", out)
	}
	counters, err := env.Engine.Repo.GetCounters(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counters[env.Gate.ID] != 1 {
		t.Fatalf("expected counter 1, got %d", counters[env.Gate.ID])
	}
	feedback, err := env.Engine.Repo.LatestFeedback(env.Ctx, it.ID)
	if err != nil || feedback != "tests missing" {
		t.Fatalf("feedback %q: %v", feedback, err)
	}

	env.decide(t, it.ID, nil)
	out = env.decide(t, it.ID, reject)
	if out.Kind != resolver.Escalate || out.Item.StageID != env.Archived.ID {
		t.Fatalf("second reject: %+v", out)
	}
	counters, _ = env.Engine.Repo.GetCounters(env.Ctx, it.ID)
	if counters[env.Gate.ID] != 0 {
		t.Fatalf("expected counter reset, got %d", counters[env.Gate.ID])
	}

	out = env.decide(t, it.ID, reject)
	if out.Kind != resolver.Unmatched || out.Item.StageID != env.Archived.ID {
		t.Fatalf("reject from archive: %+v", out)
	}
	if out.Item.Attention == nil || *out.Item.Attention != domain.AttentionUnmatched {
		t.Fatalf("expected unmatched attention, got %v", out.Item.Attention)
	}
	flagged, err := env.Engine.ListAttention(env.Ctx, env.Project.ID)
	if err != nil || len(flagged) != 1 || flagged[0].ID != it.ID {
		t.Fatalf("attention list %v: %v", flagged, err)
	}
}

func TestApproveResetsCounter(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "approve")
	env.move(t, it.ID, env.Todo)
	env.decide(t, it.ID, nil)
	env.decide(t, it.ID, &domain.Decision{Answer: "reject"})
	env.decide(t, it.ID, nil)
	out := env.decide(t, it.ID, &domain.Decision{Answer: "approve"})
	if out.Kind != resolver.Advance || out.Item.StageID != env.Done.ID || out.Item.Phase != domain.PhaseIdle {
		t.Fatalf("approve: %+v", out)
	}
	counters, _ := env.Engine.Repo.GetCounters(env.Ctx, it.ID)
	if counters[env.Gate.ID] != 0 {
		t.Fatalf("expected counter reset on match, got %d", counters[env.Gate.ID])
	}
}

func TestScopeResolutionPrefersMostSpecific(t *testing.T) {
	env := newTestEnv(t)
	scoped := env.item(t, "item scoped")
	plain := env.item(t, "project scoped")
	if _, err := env.Engine.AddTransition(env.Ctx, domain.Transition{
		BoardID: env.Board.ID, Scope: domain.ScopeProject, ScopeID: env.Project.ID,
		FromStageID: env.Todo.ID, ToStageID: env.Done.ID,
	}, "tester"); err != nil {
		t.Fatalf("project transition: %v", err)
	}
	if _, err := env.Engine.AddTransition(env.Ctx, domain.Transition{
		BoardID: env.Board.ID, Scope: domain.ScopeItem, ScopeID: scoped.ID,
		FromStageID: env.Todo.ID, ToStageID: env.Spike.ID,
	}, "tester"); err != nil {
		t.Fatalf("item transition: %v", err)
	}

	env.move(t, scoped.ID, env.Todo)
	out := env.decide(t, scoped.ID, nil)
	if out.Scope != domain.ScopeItem || out.Item.StageID != env.Spike.ID {
		t.Fatalf("item scope: %+v", out)
	}

	env.move(t, plain.ID, env.Todo)
	out = env.decide(t, plain.ID, nil)
	if out.Scope != domain.ScopeProject || out.Item.StageID != env.Done.ID {
		t.Fatalf("project scope: %+v", out)
	}
}

func TestDuplicateDecisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "dup")
	env.move(t, it.ID, env.Todo)
	env.decide(t, it.ID, nil)
	review := env.reload(t, it.ID)

	approve := &domain.Decision{Answer: "approve"}
	first, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: approve, Cycle: review.Cycle})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: approve, Cycle: review.Cycle})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("duplicate flags: first=%v second=%v", first.Duplicate, second.Duplicate)
	}
	if second.Kind != first.Kind || second.TargetStageID != env.Done.ID {
		t.Fatalf("duplicate outcome differs: %+v", second)
	}
	after := env.reload(t, it.ID)
	if after.Cycle != first.Item.Cycle || after.StageID != env.Done.ID {
		t.Fatalf("item moved twice: %+v", after)
	}

	_, err = env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: &domain.Decision{Answer: "reject"}, Cycle: review.Cycle})
	if !errors.Is(err, engine.ErrStaleDecision) {
		t.Fatalf("expected stale decision, got %v", err)
	}
}

func TestUnpinnedDecisionRejected(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "unpinned")
	env.move(t, it.ID, env.Todo)
	env.decide(t, it.ID, nil)
	review := env.reload(t, it.ID)

	reject := &domain.Decision{Answer: "reject"}
	if _, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: reject}); !errors.Is(err, engine.ErrCycleRequired) {
		t.Fatalf("expected cycle required, got %v", err)
	}
	if got := env.reload(t, it.ID); got.StageID != env.Review.ID || got.Cycle != review.Cycle {
		t.Fatalf("unpinned decision changed the item: %+v", got)
	}

	first, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: reject, Cycle: review.Cycle})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Kind != resolver.Else || first.Item.StageID != env.Todo.ID {
		t.Fatalf("expected else route to todo: %+v", first)
	}
	second, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: it.ID, Decision: reject, Cycle: review.Cycle})
	if err != nil {
		t.Fatalf("redelivery after move: %v", err)
	}
	if !second.Duplicate || second.Kind != resolver.Else {
		t.Fatalf("redelivery should replay the first outcome: %+v", second)
	}
	after := env.reload(t, it.ID)
	if after.StageID != env.Todo.ID || after.Cycle != first.Item.Cycle {
		t.Fatalf("redelivery moved the item again: %+v", after)
	}
}

func TestConcurrentDeliveryMovesOnce(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "race")
	env.move(t, it.ID, env.Todo)
	env.decide(t, it.ID, nil)
	review := env.reload(t, it.ID)

	var wg sync.WaitGroup
	results := make([]engine.Outcome, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{
				ItemID: it.ID, Decision: &domain.Decision{Answer: "approve"}, Cycle: review.Cycle,
			})
		}(i)
	}
	wg.Wait()
	applied := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("delivery %d: %v", i, errs[i])
		}
		if !results[i].Duplicate {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	decisions, err := env.Engine.Repo.ListDecisions(env.Ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("expected 2 recorded decisions, got %d", len(decisions))
	}
}

func TestPendingConfirmation(t *testing.T) {
	env := newTestEnv(t)
	held := env.item(t, "held")
	dropped := env.item(t, "dropped")
	for _, it := range []domain.Item{held, dropped} {
		if _, err := env.Engine.AddTransition(env.Ctx, domain.Transition{
			BoardID: env.Board.ID, Scope: domain.ScopeItem, ScopeID: it.ID,
			FromStageID: env.Todo.ID, ToStageID: env.Done.ID, RequiresConfirmation: true,
		}, "tester"); err != nil {
			t.Fatalf("confirm transition: %v", err)
		}
		env.move(t, it.ID, env.Todo)
	}

	out := env.decide(t, held.ID, nil)
	if out.Kind != resolver.PendingConfirmation || out.Route != resolver.Advance {
		t.Fatalf("expected pending confirmation: %+v", out)
	}
	if out.Item.StageID != env.Todo.ID || out.Item.Phase != domain.PhaseAwaitingResponse {
		t.Fatalf("item should wait in Todo: %+v", out.Item)
	}
	if _, err := env.Engine.ResolveAndApply(env.Ctx, engine.ResolveRequest{ItemID: held.ID, Decision: &domain.Decision{Answer: "again"}, Cycle: out.Item.Cycle}); !errors.Is(err, engine.ErrConfirmationPending) {
		t.Fatalf("expected confirmation pending error, got %v", err)
	}
	approved, err := env.Engine.ApproveTransition(env.Ctx, held.ID, "lead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.StageID != env.Done.ID || approved.Attention != nil || approved.PendingStageID != nil {
		t.Fatalf("approved item: %+v", approved)
	}

	env.decide(t, dropped.ID, nil)
	rejected, err := env.Engine.RejectTransition(env.Ctx, dropped.ID, "not yet", "lead")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.StageID != env.Todo.ID || rejected.Attention == nil || *rejected.Attention != domain.AttentionUnmatched {
		t.Fatalf("rejected item: %+v", rejected)
	}
	if _, err := env.Engine.ApproveTransition(env.Ctx, dropped.ID, "lead"); !errors.Is(err, engine.ErrNoPendingTransition) {
		t.Fatalf("expected no pending transition, got %v", err)
	}
}

func TestDependencyGatingAutoStarts(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.item(t, "schema")
	p2 := env.item(t, "auth")
	x := env.item(t, "endpoint")
	for _, up := range []string{p1.ID, p2.ID} {
		if _, err := env.Engine.AddDependency(env.Ctx, x.ID, up, "tester"); err != nil {
			t.Fatalf("add dependency: %v", err)
		}
	}

	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ItemID: x.ID, StageID: env.Todo.ID})
	if !errors.Is(err, engine.ErrMissingPrerequisite) {
		t.Fatalf("expected missing prerequisite, got %v", err)
	}

	env.move(t, p1.ID, env.Done)
	el, err := env.Engine.CheckEligibility(env.Ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if el.Eligible || len(el.BlockedBy) != 1 || el.BlockedBy[0] != p2.ID {
		t.Fatalf("eligibility after p1: %+v", el)
	}
	if got := env.reload(t, x.ID); got.StageID != env.Backlog.ID {
		t.Fatalf("x started early: %+v", got)
	}

	env.move(t, p2.ID, env.Done)
	got := env.reload(t, x.ID)
	if got.StageID != env.Todo.ID || got.Phase != domain.PhaseInProgress {
		t.Fatalf("x should have auto-started: %+v", got)
	}
	deps, err := env.Engine.Repo.ListDependencies(env.Ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range deps {
		if d.SatisfiedAt == nil {
			t.Fatalf("dependency on %s not satisfied", d.DependsOnItemID)
		}
	}
	if env.Launcher.launched(x.ID) != 1 {
		t.Fatalf("expected x launched once, got %d", env.Launcher.launched(x.ID))
	}
}

func TestSweepDoesNotUndoManualMove(t *testing.T) {
	env := newTestEnv(t)
	p := env.item(t, "upstream")
	x := env.item(t, "downstream")
	if _, err := env.Engine.AddDependency(env.Ctx, x.ID, p.ID, "tester"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	env.move(t, p.ID, env.Done)
	if got := env.reload(t, x.ID); got.StageID != env.Todo.ID {
		t.Fatalf("x should have auto-started: %+v", got)
	}
	env.move(t, x.ID, env.Backlog)

	rep, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Started != 0 {
		t.Fatalf("sweep restarted a parked item: %+v", rep)
	}
	if got := env.reload(t, x.ID); got.StageID != env.Backlog.ID {
		t.Fatalf("x should stay where it was put: %+v", got)
	}
}

func TestSweepFinishesInterruptedAutoStart(t *testing.T) {
	env := newTestEnv(t)
	p := env.item(t, "upstream")
	x := env.item(t, "downstream")
	if _, err := env.Engine.AddDependency(env.Ctx, x.ID, p.ID, "tester"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	// Dependencies recorded as satisfied without the auto-start that follows.
	if _, err := env.Engine.Repo.SatisfyDependencies(env.Ctx, p.ID, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Started != 1 {
		t.Fatalf("expected one start, got %+v", rep)
	}
	if got := env.reload(t, x.ID); got.StageID != env.Todo.ID {
		t.Fatalf("x should be started by the sweep: %+v", got)
	}
	if rep, _ := env.Engine.Sweep(env.Ctx); rep.Started != 0 {
		t.Fatalf("second sweep started again: %+v", rep)
	}
}

func TestFailedUpstreamDoesNotSatisfy(t *testing.T) {
	env := newTestEnv(t)
	up := env.item(t, "up")
	down := env.item(t, "down")
	if _, err := env.Engine.AddDependency(env.Ctx, down.ID, up.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.move(t, up.ID, env.Failed)
	el, _ := env.Engine.CheckEligibility(env.Ctx, down.ID)
	if el.Eligible {
		t.Fatalf("failed upstream must not release dependents")
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.item(t, "a")
	b := env.item(t, "b")
	c := env.item(t, "c")
	if _, err := env.Engine.AddDependency(env.Ctx, b.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, c.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, c.ID, "tester"); !errors.Is(err, engine.ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, a.ID, "tester"); !errors.Is(err, engine.ErrCycle) {
		t.Fatalf("expected self-dependency error, got %v", err)
	}
}

func TestDependencyOnFinishedItemIsSatisfied(t *testing.T) {
	env := newTestEnv(t)
	up := env.item(t, "up")
	down := env.item(t, "down")
	env.move(t, up.ID, env.Done)
	dep, err := env.Engine.AddDependency(env.Ctx, down.ID, up.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if dep.SatisfiedAt == nil {
		t.Fatalf("expected dependency on finished item to be satisfied")
	}
}

func TestTriggerFiresOncePerRule(t *testing.T) {
	env := newTestEnv(t)
	src := env.item(t, "source")
	once := env.item(t, "once")
	every := env.item(t, "every")
	if _, err := env.Engine.AddTrigger(env.Ctx, engine.TriggerOptions{SourceItemID: src.ID, TargetItemID: once.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddTrigger(env.Ctx, engine.TriggerOptions{SourceItemID: src.ID, TargetItemID: every.ID, Persistent: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddTrigger(env.Ctx, engine.TriggerOptions{SourceItemID: src.ID, TargetItemID: src.ID}); err == nil {
		t.Fatalf("expected self trigger to be rejected")
	}

	env.move(t, src.ID, env.Done)
	for _, id := range []string{once.ID, every.ID} {
		if got := env.reload(t, id); got.StageID != env.Todo.ID {
			t.Fatalf("trigger target %s not started: %+v", id, got)
		}
	}

	env.move(t, once.ID, env.Done)
	env.move(t, every.ID, env.Done)
	env.move(t, src.ID, env.Backlog)
	env.move(t, src.ID, env.Done)
	if got := env.reload(t, once.ID); got.StageID != env.Done.ID {
		t.Fatalf("one-shot trigger fired twice: %+v", got)
	}
	if got := env.reload(t, every.ID); got.StageID != env.Todo.ID {
		t.Fatalf("persistent trigger should restart its target: %+v", got)
	}
}

func TestTriggerWaitsForBusyTarget(t *testing.T) {
	env := newTestEnv(t)
	src := env.item(t, "source")
	target := env.item(t, "busy")
	trig, err := env.Engine.AddTrigger(env.Ctx, engine.TriggerOptions{SourceItemID: src.ID, TargetItemID: target.ID})
	if err != nil {
		t.Fatal(err)
	}
	busy := env.move(t, target.ID, env.Todo)

	env.move(t, src.ID, env.Done)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Sweep(env.Ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if got := env.reload(t, target.ID); got.StageID != env.Todo.ID || got.Cycle != busy.Cycle {
		t.Fatalf("busy target should be left alone: %+v", got)
	}
	count := func(evtType string) int {
		evts, err := env.Engine.Events.List(env.Ctx, "trigger", trig.ID, 50)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, e := range evts {
			if e.Type == evtType {
				n++
			}
		}
		return n
	}
	if n := count("trigger.deferred"); n != 1 {
		t.Fatalf("expected one deferral record, got %d", n)
	}

	env.move(t, target.ID, env.Done)
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := env.reload(t, target.ID)
	if got.StageID != env.Todo.ID || got.Cycle <= busy.Cycle+1 {
		t.Fatalf("deferred trigger should restart the finished target: %+v", got)
	}
	if count("trigger.fired") != 1 {
		t.Fatalf("trigger should have fired once")
	}
	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if count("trigger.fired") != 1 || env.reload(t, target.ID).Cycle != got.Cycle {
		t.Fatalf("one-shot trigger fired again")
	}
}

func TestGroupRemovalRelinksChain(t *testing.T) {
	env := newTestEnv(t)
	a, b, c := env.item(t, "a"), env.item(t, "b"), env.item(t, "c")
	g, err := env.Engine.CreateGroup(env.Ctx, engine.GroupOptions{ProjectID: env.Project.ID, Name: "release", Members: []string{a.ID, b.ID, c.ID}})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if len(g.Members) != 3 {
		t.Fatalf("members: %v", g.Members)
	}
	if _, err := env.Engine.RemoveGroupMember(env.Ctx, g.ID, b.ID, "tester"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	deps, err := env.Engine.Repo.ListProjectDependencies(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected one dependency, got %+v", deps)
	}
	d := deps[0]
	if d.ItemID != c.ID || d.DependsOnItemID != a.ID || !d.AutoGenerated {
		t.Fatalf("expected c -> a, got %+v", d)
	}
	if got := env.reload(t, b.ID); got.GroupID != nil {
		t.Fatalf("removed member still grouped: %+v", got)
	}
}

func TestGroupFrozenAfterPromotion(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Groups.AutoStart = false })
	a, b := env.item(t, "a"), env.item(t, "b")
	g, err := env.Engine.CreateGroup(env.Ctx, engine.GroupOptions{ProjectID: env.Project.ID, Name: "frozen", Members: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	g, err = env.Engine.PromoteGroup(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if g.Status != domain.GroupAnalyzing || g.FrozenAt == nil {
		t.Fatalf("expected analyzing group: %+v", g)
	}
	if _, err := env.Engine.AddGroupMember(env.Ctx, g.ID, b.ID, "tester"); !errors.Is(err, engine.ErrGroupFrozen) {
		t.Fatalf("expected frozen error, got %v", err)
	}
	if _, err := env.Engine.AppendAnalysisItem(env.Ctx, g.ID, b.ID, "analyst"); err != nil {
		t.Fatalf("analysis append: %v", err)
	}
	g, err = env.Engine.FinishAnalysis(env.Ctx, g.ID, [][]string{{a.ID, b.ID}}, "analyst")
	if err != nil {
		t.Fatalf("finish analysis: %v", err)
	}
	if g.Status != domain.GroupReady || len(g.Plan) != 1 {
		t.Fatalf("expected ready group with one parallel set: %+v", g)
	}
	deps, _ := env.Engine.Repo.ListDependencies(env.Ctx, b.ID)
	if len(deps) != 0 {
		t.Fatalf("parallel plan should drop chain edges, got %+v", deps)
	}
	if _, err := env.Engine.FinishAnalysis(env.Ctx, g.ID, nil, "analyst"); !errors.Is(err, groups.ErrWrongStatus) {
		t.Fatalf("expected wrong status, got %v", err)
	}
}

func TestGroupExecutesChainAndCloses(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.item(t, "a"), env.item(t, "b")
	g, err := env.Engine.CreateGroup(env.Ctx, engine.GroupOptions{ProjectID: env.Project.ID, Name: "chain", Members: []string{a.ID, b.ID}})
	if err != nil {
		t.Fatal(err)
	}
	el, _ := env.Engine.CheckEligibility(env.Ctx, a.ID)
	if el.Eligible {
		t.Fatalf("members of a draft group are not eligible")
	}
	g, err = env.Engine.PromoteGroup(env.Ctx, g.ID, "tester")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if g.Status != domain.GroupExecuting || len(g.Plan) != 2 {
		t.Fatalf("expected executing group with chain plan: %+v", g)
	}
	if got := env.reload(t, a.ID); got.StageID != env.Todo.ID {
		t.Fatalf("first member not started: %+v", got)
	}
	if got := env.reload(t, b.ID); got.StageID != env.Backlog.ID {
		t.Fatalf("second member started early: %+v", got)
	}

	env.move(t, a.ID, env.Done)
	if got := env.reload(t, b.ID); got.StageID != env.Todo.ID {
		t.Fatalf("second member not started after first: %+v", got)
	}
	env.move(t, b.ID, env.Done)
	g, _ = env.Engine.GetGroup(env.Ctx, g.ID)
	if g.Status != domain.GroupDone {
		t.Fatalf("expected done group, got %s", g.Status)
	}
}

func TestCascadeStopsAtDepthAndSweepContinues(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Groups.CascadeDepth = 1 })
	a := env.item(t, "a")
	head, err := env.Engine.CreateGroup(env.Ctx, engine.GroupOptions{ProjectID: env.Project.ID, Name: "head", Members: []string{a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	prev := head.ID
	var chain []string
	for _, name := range []string{"g2", "g3", "g4"} {
		g, err := env.Engine.CreateGroup(env.Ctx, engine.GroupOptions{ProjectID: env.Project.ID, Name: name, IsBacklog: true})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.AddGroupDependency(env.Ctx, g.ID, prev, "tester"); err != nil {
			t.Fatalf("group dependency: %v", err)
		}
		chain = append(chain, g.ID)
		prev = g.ID
	}
	if err := env.Engine.AddGroupDependency(env.Ctx, head.ID, chain[2], "tester"); !errors.Is(err, engine.ErrCycle) {
		t.Fatalf("expected group cycle error, got %v", err)
	}

	if _, err := env.Engine.PromoteGroup(env.Ctx, head.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.move(t, a.ID, env.Done)

	status := func(id string) domain.GroupStatus {
		g, err := env.Engine.GetGroup(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		return g.Status
	}
	if s := status(chain[0]); s != domain.GroupDone {
		t.Fatalf("g2 should cascade to done, got %s", s)
	}
	if s := status(chain[1]); s != domain.GroupDraft {
		t.Fatalf("g3 should wait for the sweep, got %s", s)
	}

	if _, err := env.Engine.Sweep(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, id := range chain[1:] {
		if s := status(id); s != domain.GroupDone {
			t.Fatalf("group %s not finished by sweep: %s", id, s)
		}
	}
}

func TestMalformedSignalFlagsItem(t *testing.T) {
	env := newTestEnv(t)
	workdir := t.TempDir()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemOptions{ProjectID: env.Project.ID, Title: "signal", Workdir: workdir})
	if err != nil {
		t.Fatal(err)
	}
	it = env.move(t, it.ID, env.Todo)
	path := env.Engine.DecisionPath(it)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("answer: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, found, err := env.Engine.ProcessSignal(env.Ctx, it.ID, "agent")
	if !found || !errors.Is(err, engine.ErrMalformedSignal) {
		t.Fatalf("expected malformed signal, found=%v err=%v", found, err)
	}
	got := env.reload(t, it.ID)
	if got.Attention == nil || *got.Attention != domain.AttentionMalformedSignal || got.Phase != domain.PhaseAwaitingResponse {
		t.Fatalf("item not flagged: %+v", got)
	}

	doc := `{"artifact_type": "decision", "title": "Storage", "content": "Use SQLite in WAL mode.", "scope": "global"}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	out, found, err := env.Engine.ProcessSignal(env.Ctx, it.ID, "agent")
	if err != nil || !found {
		t.Fatalf("process signal: found=%v err=%v", found, err)
	}
	if out.Item.StageID != env.Review.ID || out.Item.Attention != nil {
		t.Fatalf("expected move to review: %+v", out.Item)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("decision file should be archived, stat err=%v", err)
	}
	arts, err := env.Engine.ListArtifacts(env.Ctx, env.Project.ID)
	if err != nil || len(arts) != 1 || arts[0].Scope != domain.ArtifactGlobal {
		t.Fatalf("artifact from signal: %+v %v", arts, err)
	}
}

func TestAgentExitedWithoutSignal(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "exit")
	it = env.move(t, it.ID, env.Todo)
	if _, err := env.Engine.AgentExited(env.Ctx, engine.AgentExit{ItemID: it.ID}); !errors.Is(err, engine.ErrCycleRequired) {
		t.Fatalf("expected cycle required, got %v", err)
	}
	if _, err := env.Engine.AgentExited(env.Ctx, engine.AgentExit{ItemID: it.ID, Cycle: it.Cycle - 1}); !errors.Is(err, engine.ErrStaleDecision) {
		t.Fatalf("expected stale exit, got %v", err)
	}
	out, err := env.Engine.AgentExited(env.Ctx, engine.AgentExit{ItemID: it.ID, Cycle: it.Cycle})
	if err != nil {
		t.Fatalf("agent exited: %v", err)
	}
	if out.Kind != resolver.Advance || out.Item.StageID != env.Review.ID {
		t.Fatalf("exit should complete the stage: %+v", out)
	}
	if _, err := env.Engine.AgentExited(env.Ctx, engine.AgentExit{ItemID: it.ID, Cycle: it.Cycle}); !errors.Is(err, engine.ErrStaleDecision) {
		t.Fatalf("repeated exit report should be stale, got %v", err)
	}
}

func TestAgentExitedOnQuestionStageWaitsForAnswer(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "quiet reviewer")
	env.move(t, it.ID, env.Todo)
	env.decide(t, it.ID, nil)
	review := env.reload(t, it.ID)
	if review.StageID != env.Review.ID || review.Phase != domain.PhaseInProgress {
		t.Fatalf("expected running review: %+v", review)
	}

	for i := 0; i < 2; i++ {
		out, err := env.Engine.AgentExited(env.Ctx, engine.AgentExit{ItemID: it.ID, Cycle: review.Cycle})
		if err != nil {
			t.Fatalf("exit %d: %v", i, err)
		}
		if out.Kind != engine.Awaiting {
			t.Fatalf("exit %d: expected awaiting answer, got %+v", i, out)
		}
		got := env.reload(t, it.ID)
		if got.StageID != env.Review.ID || got.Phase != domain.PhaseAwaitingResponse || got.Attention != nil {
			t.Fatalf("exit %d: item should wait quietly in review: %+v", i, got)
		}
	}

	out := env.decide(t, it.ID, &domain.Decision{Answer: "approve"})
	if out.Kind != resolver.Advance || out.Item.StageID != env.Done.ID {
		t.Fatalf("late answer should still route: %+v", out)
	}
}

func TestContextKeepsLatestVersion(t *testing.T) {
	env := newTestEnv(t)
	it := env.item(t, "ctx")
	for _, content := range []string{"first draft of the rule", "second draft of the rule"} {
		if _, err := env.Engine.AddArtifact(env.Ctx, engine.ArtifactOptions{
			ProjectID: env.Project.ID, Type: "constraint", Scope: domain.ArtifactGlobal, Title: "Rule", Content: content,
		}); err != nil {
			t.Fatal(err)
		}
	}
	again, err := env.Engine.AddArtifact(env.Ctx, engine.ArtifactOptions{
		ProjectID: env.Project.ID, Type: "constraint", Scope: domain.ArtifactGlobal, Title: "rule ", Content: "second draft of the rule",
	})
	if err != nil || again.Version != 2 {
		t.Fatalf("identical content should not add a version: %+v %v", again, err)
	}

	first, err := env.Engine.BuildContext(env.Ctx, it.ID, 1000)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := env.Engine.BuildContext(env.Ctx, it.ID, 1000)
	if first.Text != second.Text {
		t.Fatalf("context not deterministic")
	}
	if first.Included != 1 || !strings.Contains(first.Text, "second draft") || strings.Contains(first.Text, "first draft") {
		t.Fatalf("expected only the latest version:\n%s", first.Text)
	}
}

func TestSweepFlagsStaleAgents(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Engine.AwaitingTimeout = config.Duration(time.Minute) })
	it := env.item(t, "quiet")
	env.move(t, it.ID, env.Spike)
	out := env.decide(t, it.ID, nil)
	if out.Kind != resolver.Noop || out.Item.Phase != domain.PhaseAwaitingResponse {
		t.Fatalf("expected parked item: %+v", out)
	}
	rep, err := env.Engine.Sweep(env.Ctx)
	if err != nil || rep.Stale != 0 {
		t.Fatalf("fresh item flagged: %+v %v", rep, err)
	}
	*env.Clock = env.Clock.Add(2 * time.Minute)
	rep, err = env.Engine.Sweep(env.Ctx)
	if err != nil || rep.Stale != 1 {
		t.Fatalf("expected one stale item: %+v %v", rep, err)
	}
	got := env.reload(t, it.ID)
	if got.Attention == nil || *got.Attention != domain.AttentionStaleAgent {
		t.Fatalf("item not flagged stale: %+v", got)
	}
}
