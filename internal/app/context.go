package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"flowboard/internal/config"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/logger"
	"flowboard/internal/migrate"
	"flowboard/internal/repo"
	"flowboard/internal/signal"
)

// Runtime is an opened workspace: migrated database, loaded config and an
// engine wired to both.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Log       logger.Logger
	Engine    engine.Engine
}

// Open loads flowboard.yml (defaults when absent), opens and migrates the
// workspace database and builds the engine.
func Open(workspace string) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logFile := cfg.Log.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workspace, logFile)
	}
	log := logger.CreateLogger(logFile, cfg.Log.Level)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Log:       log,
		Engine:    engine.New(conn, cfg, log),
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// ResolveProject picks the project a command acts on: the override when set,
// otherwise the only project of the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (domain.Project, error) {
	if override != "" {
		p, err := r.GetProject(ctx, override)
		if err != nil {
			return domain.Project{}, fmt.Errorf("project %s: %w", override, err)
		}
		return p, nil
	}
	p, err := r.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("no project in workspace; create one with fb project create")
	}
	return p, err
}

// SignalBridge connects agent launches to the decision file watcher.
type SignalBridge struct {
	Engine  *engine.Engine
	Watcher *signal.Watcher
	log     logger.Logger
}

// NewSignalBridge installs itself as e's launcher, in front of the launcher
// already configured.
func NewSignalBridge(e *engine.Engine, poll time.Duration, log logger.Logger) *SignalBridge {
	if log == nil {
		log = logger.Nop()
	}
	b := &SignalBridge{Engine: e, log: log.WithComponent("agents")}
	b.Watcher = signal.NewWatcher(b.handle, poll, log)
	next := e.Launcher
	e.Launcher = engine.LauncherFunc(func(ctx context.Context, req engine.LaunchRequest) error {
		if path := e.DecisionPath(req.Item); path != "" {
			b.Watcher.Watch(req.Item.ID, path)
		}
		if next == nil {
			return nil
		}
		return next.Launch(ctx, req)
	})
	return b
}

func (b *SignalBridge) handle(ctx context.Context, itemID string) {
	out, found, err := b.Engine.ProcessSignal(ctx, itemID, "")
	if err != nil {
		b.log.Warn("process decision file", logger.F("item", itemID), logger.Err(err))
		return
	}
	if !found {
		return
	}
	b.log.Info("decision applied",
		logger.F("item", itemID),
		logger.F("kind", out.Kind),
		logger.F("target", out.TargetStageID))
	if out.Item.Phase != domain.PhaseInProgress {
		b.Watcher.Unwatch(itemID)
	}
}
