package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowboard/internal/config"
	"flowboard/internal/depgraph"
	"flowboard/internal/events"
	"flowboard/internal/groups"
	"flowboard/internal/logger"
	"flowboard/internal/repo"
)

var (
	ErrMissingPrerequisite = errors.New("missing prerequisite")
	ErrNotResolvable       = errors.New("item is not waiting for a decision")
	ErrConfirmationPending = errors.New("item has a move waiting for confirmation")
	ErrNoPendingTransition = errors.New("item has no pending transition")
	ErrStaleDecision       = errors.New("decision belongs to an earlier cycle")
	ErrCycleRequired       = errors.New("decision does not name the cycle it belongs to")
	ErrGroupFrozen         = groups.ErrFrozen
	ErrCycle               = depgraph.ErrCycleDetected
)

// MissingPrerequisiteError lists what keeps an item from starting.
type MissingPrerequisiteError struct {
	ItemID    string
	BlockedBy []string
	Group     string
}

func (e *MissingPrerequisiteError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("missing prerequisite: item %s waits for group %s", e.ItemID, e.Group)
	}
	return fmt.Sprintf("missing prerequisite: item %s waits for %v", e.ItemID, e.BlockedBy)
}

func (e *MissingPrerequisiteError) Is(target error) bool { return target == ErrMissingPrerequisite }

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Log      logger.Logger
	Launcher Launcher
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log logger.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("engine")
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Log:      log,
		Launcher: LogLauncher{Log: log},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logger.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logger.Nop()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) actor(actorID string) string {
	if actorID != "" {
		return actorID
	}
	if id := e.cfg().Engine.ActorID; id != "" {
		return id
	}
	return "flowboard"
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, evtType, projectID, kind, id, actorID string, payload events.Payload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w.Append(ctx, tx, events.Entry{
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: kind,
		EntityID:   id,
		ActorID:    e.actor(actorID),
		Payload:    payload,
	})
}

// inTx runs fn inside one immediate transaction.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx, r repo.Repo) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx, e.Repo.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// retry repeats a read-compute-write step while it loses optimistic version checks.
func (e Engine) retry(ctx context.Context, op string, fn func() error) error {
	attempts := e.cfg().Engine.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
		e.log().Debug("version conflict, retrying", logger.F("op", op), logger.F("attempt", i+1))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
