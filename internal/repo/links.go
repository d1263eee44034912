package repo

import (
	"context"
	"database/sql"
	"fmt"

	"flowboard/internal/domain"
)

// Item dependencies

func scanDependency(row rowScanner) (domain.Dependency, error) {
	var d domain.Dependency
	var satisfied sql.NullString
	if err := row.Scan(&d.ItemID, &d.DependsOnItemID, &d.AutoGenerated, &satisfied); err != nil {
		return d, err
	}
	d.SatisfiedAt = nullString(satisfied)
	return d, nil
}

// InsertDependency adds the edge; an existing edge is left untouched.
func (r Repo) InsertDependency(ctx context.Context, d domain.Dependency) error {
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO item_dependencies(item_id,depends_on_item_id,auto_generated,satisfied_at) VALUES (?,?,?,?)`,
		d.ItemID, d.DependsOnItemID, d.AutoGenerated, d.SatisfiedAt)
	return err
}

func (r Repo) DeleteDependency(ctx context.Context, itemID, dependsOn string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM item_dependencies WHERE item_id=? AND depends_on_item_id=?`, itemID, dependsOn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAutoDependency removes an engine-generated edge, leaving manual edges alone.
func (r Repo) DeleteAutoDependency(ctx context.Context, itemID, dependsOn string) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM item_dependencies WHERE item_id=? AND depends_on_item_id=? AND auto_generated=1`, itemID, dependsOn)
	return err
}

// ListDependencies returns the upstream edges of itemID.
func (r Repo) ListDependencies(ctx context.Context, itemID string) ([]domain.Dependency, error) {
	return r.queryDependencies(ctx, `SELECT item_id,depends_on_item_id,auto_generated,satisfied_at FROM item_dependencies WHERE item_id=? ORDER BY depends_on_item_id`, itemID)
}

// ListDependents returns the edges naming itemID as their upstream.
func (r Repo) ListDependents(ctx context.Context, itemID string) ([]domain.Dependency, error) {
	return r.queryDependencies(ctx, `SELECT item_id,depends_on_item_id,auto_generated,satisfied_at FROM item_dependencies WHERE depends_on_item_id=? ORDER BY item_id`, itemID)
}

// ListProjectDependencies returns every item edge inside a project.
func (r Repo) ListProjectDependencies(ctx context.Context, projectID string) ([]domain.Dependency, error) {
	return r.queryDependencies(ctx, `SELECT d.item_id,d.depends_on_item_id,d.auto_generated,d.satisfied_at FROM item_dependencies d
JOIN items i ON i.id=d.item_id WHERE i.project_id=? ORDER BY d.item_id, d.depends_on_item_id`, projectID)
}

func (r Repo) queryDependencies(ctx context.Context, query string, args ...any) ([]domain.Dependency, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SatisfyDependencies marks every unsatisfied edge on upstream satisfied and
// returns the dependent item ids it touched. Touched items are marked as
// waiting for an auto-start.
func (r Repo) SatisfyDependencies(ctx context.Context, upstream, now string) ([]string, error) {
	deps, err := r.ListDependents(ctx, upstream)
	if err != nil {
		return nil, err
	}
	var touched []string
	for _, d := range deps {
		if d.SatisfiedAt != nil {
			continue
		}
		if _, err := r.q().ExecContext(ctx, `UPDATE item_dependencies SET satisfied_at=? WHERE item_id=? AND depends_on_item_id=? AND satisfied_at IS NULL`,
			now, d.ItemID, upstream); err != nil {
			return nil, fmt.Errorf("satisfy %s -> %s: %w", d.ItemID, upstream, err)
		}
		if _, err := r.q().ExecContext(ctx, `UPDATE items SET auto_start_pending=1 WHERE id=?`, d.ItemID); err != nil {
			return nil, fmt.Errorf("mark %s for auto-start: %w", d.ItemID, err)
		}
		touched = append(touched, d.ItemID)
	}
	return touched, nil
}

// ClearAutoStart drops the auto-start marker of itemID.
func (r Repo) ClearAutoStart(ctx context.Context, itemID string) error {
	_, err := r.q().ExecContext(ctx, `UPDATE items SET auto_start_pending=0 WHERE id=? AND auto_start_pending=1`, itemID)
	return err
}

// UnsatisfiedDependencies counts the open upstream edges of itemID.
func (r Repo) UnsatisfiedDependencies(ctx context.Context, itemID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM item_dependencies WHERE item_id=? AND satisfied_at IS NULL`, itemID).Scan(&n)
	return n, err
}

// Group dependencies

func (r Repo) InsertGroupDependency(ctx context.Context, d domain.GroupDependency) error {
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO group_dependencies(group_id,depends_on_group_id,satisfied_at) VALUES (?,?,?)`,
		d.GroupID, d.DependsOnGroupID, d.SatisfiedAt)
	return err
}

func (r Repo) ListGroupDependencies(ctx context.Context, groupID string) ([]domain.GroupDependency, error) {
	return r.queryGroupDependencies(ctx, `SELECT group_id,depends_on_group_id,satisfied_at FROM group_dependencies WHERE group_id=? ORDER BY depends_on_group_id`, groupID)
}

func (r Repo) ListProjectGroupDependencies(ctx context.Context, projectID string) ([]domain.GroupDependency, error) {
	return r.queryGroupDependencies(ctx, `SELECT d.group_id,d.depends_on_group_id,d.satisfied_at FROM group_dependencies d
JOIN item_groups g ON g.id=d.group_id WHERE g.project_id=? ORDER BY d.group_id, d.depends_on_group_id`, projectID)
}

func (r Repo) queryGroupDependencies(ctx context.Context, query string, args ...any) ([]domain.GroupDependency, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GroupDependency
	for rows.Next() {
		var d domain.GroupDependency
		var satisfied sql.NullString
		if err := rows.Scan(&d.GroupID, &d.DependsOnGroupID, &satisfied); err != nil {
			return nil, err
		}
		d.SatisfiedAt = nullString(satisfied)
		res = append(res, d)
	}
	return res, rows.Err()
}

// SatisfyGroupDependencies marks edges on a finished upstream group satisfied
// and returns the dependent group ids.
func (r Repo) SatisfyGroupDependencies(ctx context.Context, upstream, now string) ([]string, error) {
	deps, err := r.queryGroupDependencies(ctx, `SELECT group_id,depends_on_group_id,satisfied_at FROM group_dependencies WHERE depends_on_group_id=? AND satisfied_at IS NULL ORDER BY group_id`, upstream)
	if err != nil {
		return nil, err
	}
	if _, err := r.q().ExecContext(ctx, `UPDATE group_dependencies SET satisfied_at=? WHERE depends_on_group_id=? AND satisfied_at IS NULL`, now, upstream); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.GroupID)
	}
	return ids, nil
}

func (r Repo) UnsatisfiedGroupDependencies(ctx context.Context, groupID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM group_dependencies WHERE group_id=? AND satisfied_at IS NULL`, groupID).Scan(&n)
	return n, err
}

// Triggers

const triggerColumns = `id,source_item_id,target_item_id,is_persistent,fired_at,fired_cycle,created_at`

func (r Repo) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO triggers(`+triggerColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.SourceItemID, t.TargetItemID, t.IsPersistent, t.FiredAt, t.FiredCycle, t.CreatedAt)
	return err
}

func (r Repo) ListTriggersBySource(ctx context.Context, sourceItemID string) ([]domain.Trigger, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE source_item_id=? ORDER BY created_at, id`, sourceItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var fired sql.NullString
		var cycle sql.NullInt64
		if err := rows.Scan(&t.ID, &t.SourceItemID, &t.TargetItemID, &t.IsPersistent, &fired, &cycle, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FiredAt = nullString(fired)
		if cycle.Valid {
			c := int(cycle.Int64)
			t.FiredCycle = &c
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTriggerFired claims a firing. It reports false when the trigger already
// fired (one-shot) or already fired for sourceCycle (persistent).
func (r Repo) MarkTriggerFired(ctx context.Context, t domain.Trigger, sourceCycle int, now string) (bool, error) {
	var res sql.Result
	var err error
	if t.IsPersistent {
		res, err = r.q().ExecContext(ctx, `UPDATE triggers SET fired_at=?, fired_cycle=?, deferred_at=NULL WHERE id=? AND (fired_cycle IS NULL OR fired_cycle<>?)`,
			now, sourceCycle, t.ID, sourceCycle)
	} else {
		res, err = r.q().ExecContext(ctx, `UPDATE triggers SET fired_at=?, fired_cycle=?, deferred_at=NULL WHERE id=? AND fired_at IS NULL`, now, sourceCycle, t.ID)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkTriggerDeferred records that a firing had to wait for its target. It
// reports true only for the first deferral since the trigger last fired.
func (r Repo) MarkTriggerDeferred(ctx context.Context, triggerID, now string) (bool, error) {
	res, err := r.q().ExecContext(ctx, `UPDATE triggers SET deferred_at=? WHERE id=? AND deferred_at IS NULL`, now, triggerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reconciliation queries used by the sweep.

// PendingUpstreams lists successfully finished items that still have
// unsatisfied dependents.
func (r Repo) PendingUpstreams(ctx context.Context) ([]string, error) {
	return r.queryIDs(ctx, `SELECT DISTINCT d.depends_on_item_id FROM item_dependencies d
JOIN items i ON i.id=d.depends_on_item_id
JOIN stages s ON s.id=i.stage_id
WHERE d.satisfied_at IS NULL AND s.is_terminal=1 AND s.is_failure=0
ORDER BY d.depends_on_item_id`)
}

// ReadyToStart lists items still in an initial stage, marked for auto-start
// and with every dependency satisfied. An item that entered any stage since
// its dependencies were satisfied is not marked.
func (r Repo) ReadyToStart(ctx context.Context) ([]string, error) {
	return r.queryIDs(ctx, `SELECT i.id FROM items i JOIN stages s ON s.id=i.stage_id
WHERE s.is_initial=1 AND i.auto_start_pending=1
AND EXISTS (SELECT 1 FROM item_dependencies d WHERE d.item_id=i.id)
AND NOT EXISTS (SELECT 1 FROM item_dependencies d WHERE d.item_id=i.id AND d.satisfied_at IS NULL)
ORDER BY i.created_at, i.id`)
}

// PendingTriggers lists triggers whose source finished successfully and that
// have not fired for the source's current cycle.
func (r Repo) PendingTriggers(ctx context.Context) ([]domain.Trigger, []int, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT t.id,t.source_item_id,t.target_item_id,t.is_persistent,t.fired_at,t.fired_cycle,t.created_at,i.cycle
FROM triggers t
JOIN items i ON i.id=t.source_item_id
JOIN stages s ON s.id=i.stage_id
WHERE s.is_terminal=1 AND s.is_failure=0
AND ((t.is_persistent=0 AND t.fired_at IS NULL) OR (t.is_persistent=1 AND (t.fired_cycle IS NULL OR t.fired_cycle<>i.cycle)))
ORDER BY t.created_at, t.id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		res    []domain.Trigger
		cycles []int
	)
	for rows.Next() {
		var t domain.Trigger
		var fired sql.NullString
		var firedCycle sql.NullInt64
		var cycle int
		if err := rows.Scan(&t.ID, &t.SourceItemID, &t.TargetItemID, &t.IsPersistent, &fired, &firedCycle, &t.CreatedAt, &cycle); err != nil {
			return nil, nil, err
		}
		t.FiredAt = nullString(fired)
		if firedCycle.Valid {
			c := int(firedCycle.Int64)
			t.FiredCycle = &c
		}
		res = append(res, t)
		cycles = append(cycles, cycle)
	}
	return res, cycles, rows.Err()
}

func (r Repo) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
