package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowboard/internal/domain"
)

const itemColumns = `id,project_id,board_id,group_id,title,COALESCE(description,''),stage_id,phase,cycle,version,workdir,paths_json,attention,COALESCE(attention_detail,''),pending_transition_id,pending_stage_id,phase_changed_at,created_at,updated_at`

func scanItem(row rowScanner) (domain.Item, error) {
	var it domain.Item
	var group, workdir, paths, attention, pendingTransition, pendingStage sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.BoardID, &group, &it.Title, &it.Description, &it.StageID, &it.Phase,
		&it.Cycle, &it.Version, &workdir, &paths, &attention, &it.AttentionDetail, &pendingTransition, &pendingStage,
		&it.PhaseChangedAt, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.GroupID = nullString(group)
	it.Workdir = nullString(workdir)
	it.Attention = nullString(attention)
	it.PendingTransitionID = nullString(pendingTransition)
	it.PendingStageID = nullString(pendingStage)
	if it.Paths, err = unmarshalList(paths); err != nil {
		return it, fmt.Errorf("item %s paths: %w", it.ID, err)
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, it domain.Item) error {
	paths, err := marshalList(it.Paths)
	if err != nil {
		return err
	}
	if it.Version == 0 {
		it.Version = 1
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO items(`+itemColumnsPlain+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.BoardID, it.GroupID, it.Title, nullable(it.Description), it.StageID, it.Phase, it.Cycle, it.Version,
		it.Workdir, paths, it.Attention, nullable(it.AttentionDetail), it.PendingTransitionID, it.PendingStageID,
		it.PhaseChangedAt, it.CreatedAt, it.UpdatedAt)
	return err
}

const itemColumnsPlain = `id,project_id,board_id,group_id,title,description,stage_id,phase,cycle,version,workdir,paths_json,attention,attention_detail,pending_transition_id,pending_stage_id,phase_changed_at,created_at,updated_at`

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return scanItem(r.q().QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

// UpdateItem writes it if the stored version still equals it.Version and
// returns the item carrying its new version.
func (r Repo) UpdateItem(ctx context.Context, it domain.Item) (domain.Item, error) {
	paths, err := marshalList(it.Paths)
	if err != nil {
		return it, err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE items SET group_id=?,title=?,description=?,stage_id=?,phase=?,cycle=?,version=version+1,workdir=?,paths_json=?,
attention=?,attention_detail=?,pending_transition_id=?,pending_stage_id=?,phase_changed_at=?,updated_at=? WHERE id=? AND version=?`,
		it.GroupID, it.Title, nullable(it.Description), it.StageID, it.Phase, it.Cycle, it.Workdir, paths,
		it.Attention, nullable(it.AttentionDetail), it.PendingTransitionID, it.PendingStageID, it.PhaseChangedAt, it.UpdatedAt,
		it.ID, it.Version)
	if err != nil {
		return it, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetItem(ctx, it.ID); err != nil {
			return it, err
		}
		return it, fmt.Errorf("item %s: %w", it.ID, ErrVersionConflict)
	}
	it.Version++
	return it, nil
}

// ItemFilter narrows ListItems; zero fields are ignored.
type ItemFilter struct {
	ProjectID      string
	GroupID        string
	StageID        string
	Phase          domain.Phase
	NeedsAttention bool
	Limit          int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.NeedsAttention {
		clauses = append(clauses, "attention IS NOT NULL")
	}
	query := `SELECT ` + itemColumns + ` FROM items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// Failure counters

func (r Repo) GetCounters(ctx context.Context, itemID string) (map[string]int, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT transition_id,count FROM item_failure_counters WHERE item_id=?`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}

func (r Repo) SetCounters(ctx context.Context, itemID string, counters map[string]int) error {
	for transitionID, n := range counters {
		if _, err := r.q().ExecContext(ctx, `INSERT INTO item_failure_counters(item_id,transition_id,count) VALUES (?,?,?)
ON CONFLICT(item_id,transition_id) DO UPDATE SET count=excluded.count`, itemID, transitionID, n); err != nil {
			return fmt.Errorf("set counter %s: %w", transitionID, err)
		}
	}
	return nil
}

// Decisions

const decisionColumns = `id,item_id,cycle,stage_id,COALESCE(answer,''),COALESCE(feedback,''),dedupe_key,outcome,target_stage_id,created_at`

func scanDecision(row rowScanner) (domain.DecisionRecord, error) {
	var d domain.DecisionRecord
	var target sql.NullString
	err := row.Scan(&d.ID, &d.ItemID, &d.Cycle, &d.StageID, &d.Answer, &d.Feedback, &d.DedupeKey, &d.Outcome, &target, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.TargetStageID = nullString(target)
	return d, err
}

func (r Repo) FindDecision(ctx context.Context, itemID, dedupeKey string) (domain.DecisionRecord, error) {
	return scanDecision(r.q().QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM item_decisions WHERE item_id=? AND dedupe_key=?`, itemID, dedupeKey))
}

func (r Repo) InsertDecision(ctx context.Context, d domain.DecisionRecord) (int64, error) {
	res, err := r.q().ExecContext(ctx, `INSERT INTO item_decisions(item_id,cycle,stage_id,answer,feedback,dedupe_key,outcome,target_stage_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ItemID, d.Cycle, d.StageID, nullable(d.Answer), nullable(d.Feedback), d.DedupeKey, d.Outcome, d.TargetStageID, d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDecisions returns the decision history of an item, oldest first.
func (r Repo) ListDecisions(ctx context.Context, itemID string) ([]domain.DecisionRecord, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+decisionColumns+` FROM item_decisions WHERE item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionRecord
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestFeedback returns the most recent non-empty feedback recorded for an item.
func (r Repo) LatestFeedback(ctx context.Context, itemID string) (string, error) {
	var fb string
	err := r.q().QueryRowContext(ctx, `SELECT feedback FROM item_decisions WHERE item_id=? AND feedback IS NOT NULL AND feedback<>'' ORDER BY id DESC LIMIT 1`, itemID).Scan(&fb)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fb, err
}
