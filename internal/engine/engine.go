// Package engine owns the workbench occupancy state machine and the unit
// passport lifecycle. Every operation runs inside one transaction, appends
// its event rows in that transaction and publishes an in-process signal for
// background observers after commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"benchline/internal/config"
	"benchline/internal/domain"
	"benchline/internal/events"
	"benchline/internal/identity"
	"benchline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Feed     *events.Feed
	Config   *config.Config
	Resolver *identity.Resolver
	Log      *slog.Logger
	Now      func() time.Time

	benchLocks *keyedMutex
	unitLocks  *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, resolver *identity.Resolver, feed *events.Feed, log *slog.Logger) Engine {
	if feed == nil {
		feed = events.NewFeed()
	}
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Feed:       feed,
		Config:     cfg,
		Resolver:   resolver,
		Log:        log,
		Now:        time.Now,
		benchLocks: newKeyedMutex(),
		unitLocks:  newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func benchKey(id int64) string { return strconv.FormatInt(id, 10) }

// Authenticate resolves a scanned credential and opens an operator session.
func (e Engine) Authenticate(ctx context.Context, workbenchID int64, credentialID string) (domain.Workbench, error) {
	unlock := e.benchLocks.lock(benchKey(workbenchID))
	defer unlock()

	bench, err := e.Repo.GetWorkbench(ctx, workbenchID)
	if err != nil {
		return domain.Workbench{}, err
	}
	if bench.State != domain.WorkbenchIdle {
		return bench, ErrAlreadyOccupied
	}
	op, err := e.Resolver.Resolve(ctx, credentialID)
	if err != nil {
		return bench, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return bench, err
	}
	defer tx.Rollback()

	bench.State = domain.WorkbenchOccupied
	bench.OperatorID = &op.ID
	bench.ActiveUnitID = nil
	bench.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkbench(ctx, tx, bench); err != nil {
		return bench, err
	}
	if err := e.Events.Append(ctx, tx, "session.opened", "workbench", benchKey(workbenchID), op.ID, events.EventPayload{
		"operator": op.Name,
	}); err != nil {
		return bench, err
	}
	if err := tx.Commit(); err != nil {
		return bench, err
	}
	e.Log.Info("operator session opened", "workbench", workbenchID, "operator", op.ID)
	e.Feed.Publish(events.Signal{Type: events.SignalSessionOpened, OperatorID: op.ID, CredentialID: credentialID})
	return bench, nil
}

// EndSession closes the operator session. An open stage on the active unit is
// force-closed with end = session end so incomplete work is recorded, never
// lost; the unit itself stays in progress.
func (e Engine) EndSession(ctx context.Context, workbenchID int64) (domain.Workbench, error) {
	unlock := e.benchLocks.lock(benchKey(workbenchID))
	defer unlock()

	bench, err := e.Repo.GetWorkbench(ctx, workbenchID)
	if err != nil {
		return domain.Workbench{}, err
	}
	if bench.State != domain.WorkbenchOccupied || bench.OperatorID == nil {
		return bench, ErrNoSession
	}
	operatorID := *bench.OperatorID

	var unlockUnit func()
	if bench.ActiveUnitID != nil {
		unlockUnit = e.unitLocks.lock(*bench.ActiveUnitID)
		defer unlockUnit()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return bench, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	var closedStage *domain.Stage
	if bench.ActiveUnitID != nil {
		unitID := *bench.ActiveUnitID
		stage, err := e.Repo.OpenStage(ctx, tx, unitID)
		switch {
		case err == nil:
			if err := e.Repo.CloseStage(ctx, tx, stage.ID, now, true, nil, nil); err != nil {
				return bench, err
			}
			stage.EndedAt = &now
			stage.ForceClosed = true
			closedStage = &stage
			if err := e.Events.Append(ctx, tx, "stage.force_closed", "unit", unitID, operatorID, events.EventPayload{
				"stage": stage.Name,
			}); err != nil {
				return bench, err
			}
		case errors.Is(err, repo.ErrNotFound):
		default:
			return bench, err
		}
		if err := e.Repo.DeleteUnitSession(ctx, tx, unitID); err != nil {
			return bench, err
		}
	}

	bench.State = domain.WorkbenchIdle
	bench.OperatorID = nil
	bench.ActiveUnitID = nil
	bench.UpdatedAt = now
	if err := e.Repo.UpdateWorkbench(ctx, tx, bench); err != nil {
		return bench, err
	}
	if err := e.Events.Append(ctx, tx, "session.closed", "workbench", benchKey(workbenchID), operatorID, nil); err != nil {
		return bench, err
	}
	if err := tx.Commit(); err != nil {
		return bench, err
	}
	e.Log.Info("operator session closed", "workbench", workbenchID, "operator", operatorID)
	if closedStage != nil {
		e.Feed.Publish(events.Signal{Type: events.SignalStageClosed, UnitID: closedStage.UnitID, StageID: closedStage.ID, StageName: closedStage.Name, OperatorID: operatorID})
	}
	e.Feed.Publish(events.Signal{Type: events.SignalSessionClosed, OperatorID: operatorID})
	return bench, nil
}

// Shutdown mirrors the operator walking away: any live session is ended so
// open work is recorded before the process exits.
func (e Engine) Shutdown(ctx context.Context, workbenchID int64) error {
	_, err := e.EndSession(ctx, workbenchID)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// Workbench returns the current occupancy snapshot.
func (e Engine) Workbench(ctx context.Context, workbenchID int64) (domain.Workbench, error) {
	return e.Repo.GetWorkbench(ctx, workbenchID)
}

// ensureNoCycle climbs the parent chain from parentID and fails if it ever
// reaches childID. Validated at assignment time so the defect surfaces
// immediately, not at the end of a long assembly.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return ErrUnitCycle
		}
		u, err := e.Repo.GetUnitTx(ctx, tx, cur)
		if err != nil {
			return fmt.Errorf("resolve parent chain: %w", err)
		}
		if u.ParentID == nil {
			return nil
		}
		cur = *u.ParentID
	}
	return nil
}
