package repo

import (
	"context"
	"database/sql"

	"benchline/internal/domain"
)

const anchorColumns = `unit_id, digest, content_status, content_ref, ledger_status, ledger_tx, shortlink_status, short_link, attempts, last_attempt_at, next_attempt_at, created_at, updated_at`

func scanAnchor(row *sql.Row) (domain.AnchorRecord, error) {
	var a domain.AnchorRecord
	err := row.Scan(&a.UnitID, &a.Digest, &a.ContentStatus, &a.ContentRef, &a.LedgerStatus, &a.LedgerTx,
		&a.ShortlinkStatus, &a.ShortLink, &a.Attempts, &a.LastAttemptAt, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertAnchorRecord enqueues anchoring work for a unit. The insert is
// idempotent: a second enqueue for the same unit id is a no-op.
func (r Repo) InsertAnchorRecord(ctx context.Context, tx *sql.Tx, a domain.AnchorRecord) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO anchor_records(
unit_id,digest,content_status,ledger_status,shortlink_status,attempts,next_attempt_at,created_at,updated_at
) VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT(unit_id) DO NOTHING`,
		a.UnitID, a.Digest, a.ContentStatus, a.LedgerStatus, a.ShortlinkStatus, a.Attempts, a.NextAttemptAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAnchorRecord(ctx context.Context, unitID string) (domain.AnchorRecord, error) {
	return scanAnchor(r.DB.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchor_records WHERE unit_id=?`, unitID))
}

func (r Repo) UpdateAnchorRecord(ctx context.Context, tx *sql.Tx, a domain.AnchorRecord) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE anchor_records SET
content_status=?, content_ref=?, ledger_status=?, ledger_tx=?, shortlink_status=?, short_link=?,
attempts=?, last_attempt_at=?, next_attempt_at=?, updated_at=? WHERE unit_id=?`,
		a.ContentStatus, a.ContentRef, a.LedgerStatus, a.LedgerTx, a.ShortlinkStatus, a.ShortLink,
		a.Attempts, a.LastAttemptAt, a.NextAttemptAt, a.UpdatedAt, a.UnitID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAnchorRecords returns records newest first.
func (r Repo) ListAnchorRecords(ctx context.Context, limit int) ([]domain.AnchorRecord, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor_records ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryAnchors(ctx, query, args...)
}

// PendingAnchorRecords returns records with at least one pending sub-step
// whose next attempt is due at or before now.
func (r Repo) PendingAnchorRecords(ctx context.Context, now string, limit int) ([]domain.AnchorRecord, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchor_records
WHERE (content_status='pending' OR ledger_status='pending' OR shortlink_status='pending')
AND (next_attempt_at IS NULL OR next_attempt_at<=?)
ORDER BY created_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryAnchors(ctx, query, args...)
}

func (r Repo) queryAnchors(ctx context.Context, query string, args ...any) ([]domain.AnchorRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnchorRecord
	for rows.Next() {
		var a domain.AnchorRecord
		if err := rows.Scan(&a.UnitID, &a.Digest, &a.ContentStatus, &a.ContentRef, &a.LedgerStatus, &a.LedgerTx,
			&a.ShortlinkStatus, &a.ShortLink, &a.Attempts, &a.LastAttemptAt, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
