package repo

import (
	"context"
	"database/sql"

	"flowboard/internal/domain"
)

const artifactColumns = `id,project_id,type,scope,COALESCE(scope_ref,''),chain_id,version,title,content,token_estimate,created_at`

func (r Repo) InsertArtifact(ctx context.Context, a domain.Artifact) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO artifacts(id,project_id,type,scope,scope_ref,chain_id,version,title,content,token_estimate,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Type, a.Scope, nullable(a.ScopeRef), a.ChainID, a.Version, a.Title, a.Content, a.TokenEstimate, a.CreatedAt)
	return err
}

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.ProjectID, &a.Type, &a.Scope, &a.ScopeRef, &a.ChainID, &a.Version, &a.Title, &a.Content, &a.TokenEstimate, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// LatestArtifact returns the highest version recorded for chainID.
func (r Repo) LatestArtifact(ctx context.Context, chainID string) (domain.Artifact, error) {
	return scanArtifact(r.q().QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE chain_id=? ORDER BY version DESC LIMIT 1`, chainID))
}

// ListArtifacts returns every artifact version of a project.
func (r Repo) ListArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? ORDER BY chain_id, version`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
