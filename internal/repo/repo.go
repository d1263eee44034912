package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"flowboard/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

// WithTx returns a Repo whose reads and writes run inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: r.DB, tx: tx}
}

func (r Repo) q() Querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Boards

func (r Repo) InsertBoard(ctx context.Context, b domain.Board) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO boards(id,name,created_at) VALUES (?,?,?)`, b.ID, b.Name, b.CreatedAt)
	return err
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var b domain.Board
	err := r.q().QueryRowContext(ctx, `SELECT id,name,created_at FROM boards WHERE id=?`, id).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,name,created_at FROM boards ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Board
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Projects

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO projects(id,board_id,name,created_at) VALUES (?,?,?,?)`, p.ID, p.BoardID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.q().QueryRowContext(ctx, `SELECT id,board_id,name,created_at FROM projects WHERE id=?`, id).Scan(&p.ID, &p.BoardID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,board_id,name,created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.BoardID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project, failing when there are none or several.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// Stages

const stageColumns = `id,board_id,name,position,COALESCE(color,''),is_initial,is_terminal,is_failure,starts_workflow,is_template,agent_id,question,answer_options_json,deliverable`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStage(row rowScanner) (domain.Stage, error) {
	var s domain.Stage
	var agent, question, options, deliverable sql.NullString
	err := row.Scan(&s.ID, &s.BoardID, &s.Name, &s.Position, &s.Color, &s.IsInitial, &s.IsTerminal, &s.IsFailure,
		&s.StartsWorkflow, &s.IsTemplate, &agent, &question, &options, &deliverable)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.AgentID = nullString(agent)
	s.Question = nullString(question)
	s.Deliverable = nullString(deliverable)
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &s.AnswerOptions); err != nil {
			return s, fmt.Errorf("stage %s answer options: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) error {
	options, err := marshalList(s.AnswerOptions)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO stages(id,board_id,name,position,color,is_initial,is_terminal,is_failure,starts_workflow,is_template,agent_id,question,answer_options_json,deliverable)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.BoardID, s.Name, s.Position, nullable(s.Color), s.IsInitial, s.IsTerminal, s.IsFailure, s.StartsWorkflow, s.IsTemplate,
		s.AgentID, s.Question, options, s.Deliverable)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
}

func (r Repo) ListStages(ctx context.Context, boardID string) ([]domain.Stage, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE board_id=? ORDER BY position, id`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Transitions

const transitionColumns = `id,board_id,scope,scope_id,from_stage_id,to_stage_id,else_stage_id,escalation_stage_id,condition,max_failures,requires_confirmation,position,created_at`

func scanTransition(row rowScanner) (domain.Transition, error) {
	var t domain.Transition
	var elseStage, escalation, condition sql.NullString
	var maxFailures sql.NullInt64
	err := row.Scan(&t.ID, &t.BoardID, &t.Scope, &t.ScopeID, &t.FromStageID, &t.ToStageID, &elseStage, &escalation,
		&condition, &maxFailures, &t.RequiresConfirmation, &t.Position, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ElseStageID = nullString(elseStage)
	t.EscalationStageID = nullString(escalation)
	t.Condition = nullString(condition)
	if maxFailures.Valid {
		v := int(maxFailures.Int64)
		t.MaxFailures = &v
	}
	return t, nil
}

func (r Repo) InsertTransition(ctx context.Context, t domain.Transition) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO transitions(`+transitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.BoardID, t.Scope, t.ScopeID, t.FromStageID, t.ToStageID, t.ElseStageID, t.EscalationStageID,
		t.Condition, t.MaxFailures, t.RequiresConfirmation, t.Position, t.CreatedAt)
	return err
}

func (r Repo) GetTransition(ctx context.Context, id string) (domain.Transition, error) {
	return scanTransition(r.q().QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id=?`, id))
}

// ListTransitions returns one scope level's rules leaving fromStageID.
func (r Repo) ListTransitions(ctx context.Context, scope domain.Scope, scopeID, fromStageID string) ([]domain.Transition, error) {
	return r.queryTransitions(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE scope=? AND scope_id=? AND from_stage_id=? ORDER BY position, created_at, id`,
		scope, scopeID, fromStageID)
}

// ListBoardTransitions returns every rule of every scope on the board.
func (r Repo) ListBoardTransitions(ctx context.Context, boardID string) ([]domain.Transition, error) {
	return r.queryTransitions(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE board_id=? ORDER BY scope, scope_id, from_stage_id, position, id`, boardID)
}

func (r Repo) queryTransitions(ctx context.Context, query string, args ...any) ([]domain.Transition, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalList(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalList(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
