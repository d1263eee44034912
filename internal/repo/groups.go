package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowboard/internal/domain"
)

const groupColumns = `id,project_id,name,status,is_backlog,plan_json,version,frozen_at,created_at,updated_at`

func scanGroup(row rowScanner) (domain.Group, error) {
	var g domain.Group
	var plan, frozen sql.NullString
	err := row.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Status, &g.IsBacklog, &plan, &g.Version, &frozen, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.FrozenAt = nullString(frozen)
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &g.Plan); err != nil {
			return g, fmt.Errorf("group %s plan: %w", g.ID, err)
		}
	}
	return g, nil
}

func (r Repo) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT item_id FROM group_members WHERE group_id=? ORDER BY position`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (r Repo) InsertGroup(ctx context.Context, g domain.Group) error {
	plan, err := marshalPlan(g.Plan)
	if err != nil {
		return err
	}
	if g.Version == 0 {
		g.Version = 1
	}
	if _, err := r.q().ExecContext(ctx, `INSERT INTO item_groups(`+groupColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Name, g.Status, g.IsBacklog, plan, g.Version, g.FrozenAt, g.CreatedAt, g.UpdatedAt); err != nil {
		return err
	}
	return r.writeMembers(ctx, g.ID, g.Members)
}

func (r Repo) GetGroup(ctx context.Context, id string) (domain.Group, error) {
	g, err := scanGroup(r.q().QueryRowContext(ctx, `SELECT `+groupColumns+` FROM item_groups WHERE id=?`, id))
	if err != nil {
		return g, err
	}
	g.Members, err = r.groupMembers(ctx, g.ID)
	return g, err
}

// GroupFilter narrows ListGroups; zero fields are ignored.
type GroupFilter struct {
	ProjectID string
	Status    domain.GroupStatus
	Backlog   *bool
}

func (r Repo) ListGroups(ctx context.Context, f GroupFilter) ([]domain.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM item_groups WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Backlog != nil {
		query += ` AND is_backlog=?`
		args = append(args, *f.Backlog)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Members, err = r.groupMembers(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateGroup writes g (members included) if the stored version still equals
// g.Version and returns g carrying its new version.
func (r Repo) UpdateGroup(ctx context.Context, g domain.Group) (domain.Group, error) {
	plan, err := marshalPlan(g.Plan)
	if err != nil {
		return g, err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE item_groups SET name=?,status=?,is_backlog=?,plan_json=?,version=version+1,frozen_at=?,updated_at=? WHERE id=? AND version=?`,
		g.Name, g.Status, g.IsBacklog, plan, g.FrozenAt, g.UpdatedAt, g.ID, g.Version)
	if err != nil {
		return g, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetGroup(ctx, g.ID); err != nil {
			return g, err
		}
		return g, fmt.Errorf("group %s: %w", g.ID, ErrVersionConflict)
	}
	if _, err := r.q().ExecContext(ctx, `DELETE FROM group_members WHERE group_id=?`, g.ID); err != nil {
		return g, err
	}
	if err := r.writeMembers(ctx, g.ID, g.Members); err != nil {
		return g, err
	}
	g.Version++
	return g, nil
}

func (r Repo) writeMembers(ctx context.Context, groupID string, members []string) error {
	for i, id := range members {
		if _, err := r.q().ExecContext(ctx, `INSERT INTO group_members(group_id,item_id,position) VALUES (?,?,?)`, groupID, id, i); err != nil {
			return fmt.Errorf("add member %s: %w", id, err)
		}
	}
	return nil
}

func marshalPlan(plan [][]string) (any, error) {
	if len(plan) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
