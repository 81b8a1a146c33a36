package repo

import (
	"context"
	"database/sql"
	"time"

	"benchline/internal/domain"
)

const workbenchColumns = `id, COALESCE(name,''), state, operator_id, active_unit_id, updated_at`

func scanWorkbench(row *sql.Row) (domain.Workbench, error) {
	var w domain.Workbench
	err := row.Scan(&w.ID, &w.Name, &w.State, &w.OperatorID, &w.ActiveUnitID, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// EnsureWorkbench inserts the workbench row at process start if missing.
func (r Repo) EnsureWorkbench(ctx context.Context, id int64, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workbenches(id,name,state,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, id, nullable(name), domain.WorkbenchIdle, now)
	return err
}

func (r Repo) GetWorkbench(ctx context.Context, id int64) (domain.Workbench, error) {
	return r.GetWorkbenchTx(ctx, nil, id)
}

func (r Repo) GetWorkbenchTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Workbench, error) {
	return scanWorkbench(r.on(tx).QueryRowContext(ctx, `SELECT `+workbenchColumns+` FROM workbenches WHERE id=?`, id))
}

func (r Repo) UpdateWorkbench(ctx context.Context, tx *sql.Tx, w domain.Workbench) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE workbenches SET state=?, operator_id=?, active_unit_id=?, updated_at=? WHERE id=?`,
		w.State, w.OperatorID, w.ActiveUnitID, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListWorkbenches(ctx context.Context) ([]domain.Workbench, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workbenchColumns+` FROM workbenches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workbench
	for rows.Next() {
		var w domain.Workbench
		if err := rows.Scan(&w.ID, &w.Name, &w.State, &w.OperatorID, &w.ActiveUnitID, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
