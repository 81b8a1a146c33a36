package repo

import (
	"context"
	"database/sql"

	"benchline/internal/domain"
)

func (r Repo) InsertOperator(ctx context.Context, tx *sql.Tx, op domain.Operator) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO operators(id,name,position,created_at) VALUES (?,?,?,?)`,
		op.ID, op.Name, nullable(op.Position), op.CreatedAt)
	return err
}

func (r Repo) GetOperator(ctx context.Context, id string) (domain.Operator, error) {
	var op domain.Operator
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(position,''),created_at FROM operators WHERE id=?`, id).
		Scan(&op.ID, &op.Name, &op.Position, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	return op, err
}

func (r Repo) ListOperators(ctx context.Context) ([]domain.Operator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(position,''),created_at FROM operators ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operator
	for rows.Next() {
		var op domain.Operator
		if err := rows.Scan(&op.ID, &op.Name, &op.Position, &op.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

func (r Repo) InsertCredential(ctx context.Context, tx *sql.Tx, c domain.Credential) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO credentials(id,operator_id,created_at) VALUES (?,?,?)`,
		c.ID, c.OperatorID, c.CreatedAt)
	return err
}

// OperatorByCredential resolves a scanned credential to its operator.
func (r Repo) OperatorByCredential(ctx context.Context, credentialID string) (domain.Operator, error) {
	var op domain.Operator
	err := r.DB.QueryRowContext(ctx, `SELECT o.id,o.name,COALESCE(o.position,''),o.created_at
FROM credentials c JOIN operators o ON o.id=c.operator_id WHERE c.id=?`, credentialID).
		Scan(&op.ID, &op.Name, &op.Position, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	return op, err
}

// AllCredentials loads the full credential directory for the resolver cache.
func (r Repo) AllCredentials(ctx context.Context) (map[string]domain.Operator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.id,o.id,o.name,COALESCE(o.position,''),o.created_at
FROM credentials c JOIN operators o ON o.id=c.operator_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]domain.Operator)
	for rows.Next() {
		var credID string
		var op domain.Operator
		if err := rows.Scan(&credID, &op.ID, &op.Name, &op.Position, &op.CreatedAt); err != nil {
			return nil, err
		}
		res[credID] = op
	}
	return res, rows.Err()
}
