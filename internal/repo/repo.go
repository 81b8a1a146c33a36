package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"benchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer lets the same query helpers run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const unitColumns = `id, parent_id, status, COALESCE(model,''), serial_number, terminate_reason, created_by, created_at, completed_at`

func scanUnit(row *sql.Row) (domain.Unit, error) {
	var u domain.Unit
	err := row.Scan(&u.ID, &u.ParentID, &u.Status, &u.Model, &u.SerialNumber, &u.TerminateReason, &u.CreatedBy, &u.CreatedAt, &u.CompletedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUnit(ctx context.Context, tx *sql.Tx, u domain.Unit) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO units(id,parent_id,status,model,serial_number,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.ParentID, u.Status, nullable(u.Model), u.SerialNumber, u.CreatedBy, u.CreatedAt)
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	return r.GetUnitTx(ctx, nil, id)
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Unit, error) {
	return scanUnit(r.on(tx).QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id))
}

func (r Repo) UpdateUnitStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt, terminateReason *string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE units SET status=?, completed_at=?, terminate_reason=? WHERE id=?`,
		status, completedAt, terminateReason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetUnitParent(ctx context.Context, tx *sql.Tx, id string, parentID *string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE units SET parent_id=? WHERE id=?`, parentID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUnits(ctx context.Context, status string, limit int) ([]domain.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var u domain.Unit
		if err := rows.Scan(&u.ID, &u.ParentID, &u.Status, &u.Model, &u.SerialNumber, &u.TerminateReason, &u.CreatedBy, &u.CreatedAt, &u.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// ListChildren returns ids of units naming this unit as parent.
func (r Repo) ListChildren(ctx context.Context, tx *sql.Tx, unitID string) ([]domain.Unit, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE parent_id=? ORDER BY created_at, id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var u domain.Unit
		if err := rows.Scan(&u.ID, &u.ParentID, &u.Status, &u.Model, &u.SerialNumber, &u.TerminateReason, &u.CreatedBy, &u.CreatedAt, &u.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

const stageColumns = `id, unit_id, name, operator_id, started_at, ended_at, force_closed, media_json, metadata_json`

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO stages(unit_id,name,operator_id,started_at,metadata_json) VALUES (?,?,?,?,?)`,
		s.UnitID, s.Name, s.OperatorID, s.StartedAt, s.MetadataJSON)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// OpenStage returns the unit's stage without an end timestamp, if any.
func (r Repo) OpenStage(ctx context.Context, tx *sql.Tx, unitID string) (domain.Stage, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE unit_id=? AND ended_at IS NULL`, unitID)
	return scanStage(row)
}

func scanStage(row *sql.Row) (domain.Stage, error) {
	var s domain.Stage
	var forceClosed int
	err := row.Scan(&s.ID, &s.UnitID, &s.Name, &s.OperatorID, &s.StartedAt, &s.EndedAt, &forceClosed, &s.MediaJSON, &s.MetadataJSON)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.ForceClosed = forceClosed != 0
	return s, err
}

func (r Repo) CloseStage(ctx context.Context, tx *sql.Tx, stageID int64, endedAt string, forceClosed bool, mediaJSON, metadataJSON *string) error {
	fc := 0
	if forceClosed {
		fc = 1
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE stages SET ended_at=?, force_closed=?, media_json=COALESCE(?,media_json), metadata_json=COALESCE(?,metadata_json) WHERE id=? AND ended_at IS NULL`,
		endedAt, fc, mediaJSON, metadataJSON, stageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachStageMedia appends media references to an already closed stage.
func (r Repo) AttachStageMedia(ctx context.Context, tx *sql.Tx, stageID int64, mediaJSON string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE stages SET media_json=? WHERE id=?`, mediaJSON, stageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, stageID int64) (domain.Stage, error) {
	return scanStage(r.DB.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, stageID))
}

// ListStages returns a unit's stage history ordered by start time.
func (r Repo) ListStages(ctx context.Context, tx *sql.Tx, unitID string) ([]domain.Stage, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE unit_id=? ORDER BY started_at, id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var forceClosed int
		if err := rows.Scan(&s.ID, &s.UnitID, &s.Name, &s.OperatorID, &s.StartedAt, &s.EndedAt, &forceClosed, &s.MediaJSON, &s.MetadataJSON); err != nil {
			return nil, err
		}
		s.ForceClosed = forceClosed != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertUnitSession(ctx context.Context, tx *sql.Tx, s domain.UnitSession) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO unit_sessions(unit_id,workbench_id,operator_id,started_at) VALUES (?,?,?,?)`,
		s.UnitID, s.WorkbenchID, s.OperatorID, s.StartedAt)
	return err
}

func (r Repo) GetUnitSession(ctx context.Context, tx *sql.Tx, unitID string) (domain.UnitSession, error) {
	var s domain.UnitSession
	err := r.on(tx).QueryRowContext(ctx, `SELECT unit_id,workbench_id,operator_id,started_at FROM unit_sessions WHERE unit_id=?`, unitID).
		Scan(&s.UnitID, &s.WorkbenchID, &s.OperatorID, &s.StartedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) DeleteUnitSession(ctx context.Context, tx *sql.Tx, unitID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM unit_sessions WHERE unit_id=?`, unitID)
	return err
}

func (r Repo) InsertPassport(ctx context.Context, tx *sql.Tx, p domain.Passport) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO passports(unit_id,digest,body_yaml,canonical_json,created_at) VALUES (?,?,?,?,?)`,
		p.UnitID, p.Digest, p.BodyYAML, p.CanonicalJSON, p.CreatedAt)
	return err
}

func (r Repo) GetPassport(ctx context.Context, unitID string) (domain.Passport, error) {
	return r.GetPassportTx(ctx, nil, unitID)
}

func (r Repo) GetPassportTx(ctx context.Context, tx *sql.Tx, unitID string) (domain.Passport, error) {
	var p domain.Passport
	err := r.on(tx).QueryRowContext(ctx, `SELECT unit_id,digest,body_yaml,canonical_json,created_at FROM passports WHERE unit_id=?`, unitID).
		Scan(&p.UnitID, &p.Digest, &p.BodyYAML, &p.CanonicalJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var clauses []string
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
