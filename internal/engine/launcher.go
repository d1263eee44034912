package engine

import (
	"context"

	"flowboard/internal/contextpack"
	"flowboard/internal/domain"
	"flowboard/internal/logger"
)

// LaunchRequest is everything an agent needs to begin a new cycle on an item.
type LaunchRequest struct {
	Item     domain.Item
	Stage    domain.Stage
	Context  contextpack.Result
	Feedback string
}

// Launcher starts agent executions. It must not block on the agent.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req LaunchRequest) error

func (f LauncherFunc) Launch(ctx context.Context, req LaunchRequest) error { return f(ctx, req) }

// LogLauncher only records that an agent would start.
type LogLauncher struct {
	Log logger.Logger
}

func (l LogLauncher) Launch(_ context.Context, req LaunchRequest) error {
	if l.Log == nil {
		return nil
	}
	agent := ""
	if req.Stage.AgentID != nil {
		agent = *req.Stage.AgentID
	}
	l.Log.Info("agent launch requested",
		logger.F("item", req.Item.ID),
		logger.F("stage", req.Stage.Name),
		logger.F("agent", agent),
		logger.F("cycle", req.Item.Cycle),
		logger.F("context_tokens", req.Context.TokensUsed))
	return nil
}

// launch hands an item that just entered in_progress to the launcher.
func (e Engine) launch(ctx context.Context, item domain.Item, stage domain.Stage) {
	if e.Launcher == nil || item.Phase != domain.PhaseInProgress {
		return
	}
	feedback, err := e.Repo.LatestFeedback(ctx, item.ID)
	if err != nil {
		e.log().Warn("read feedback", logger.F("item", item.ID), logger.Err(err))
	}
	bundle, err := e.BuildContext(ctx, item.ID, 0)
	if err != nil {
		e.log().Warn("build context", logger.F("item", item.ID), logger.Err(err))
	}
	if err := e.Launcher.Launch(ctx, LaunchRequest{Item: item, Stage: stage, Context: bundle, Feedback: feedback}); err != nil {
		e.log().Error("launch agent", logger.F("item", item.ID), logger.F("stage", stage.Name), logger.Err(err))
	}
}
