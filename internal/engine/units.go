package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"benchline/internal/domain"
	"benchline/internal/events"
	"benchline/internal/passport"
	"benchline/internal/repo"
)

// StartUnitParams selects either a new unit (Model, optional SerialNumber) or
// resumption of an existing in-progress unit (UnitID). ParentID creates the
// unit as a component of an existing composite and only applies at creation.
type StartUnitParams struct {
	UnitID       string
	ParentID     string
	Model        string
	SerialNumber string
}

// StartUnit creates or resumes a unit and assigns it to the workbench. A unit
// may have at most one live session across all workbenches.
func (e Engine) StartUnit(ctx context.Context, workbenchID int64, p StartUnitParams) (domain.Unit, error) {
	unlockBench := e.benchLocks.lock(benchKey(workbenchID))
	defer unlockBench()

	bench, err := e.Repo.GetWorkbench(ctx, workbenchID)
	if err != nil {
		return domain.Unit{}, err
	}
	if bench.State != domain.WorkbenchOccupied || bench.OperatorID == nil {
		return domain.Unit{}, ErrNoSession
	}
	if bench.ActiveUnitID != nil {
		return domain.Unit{}, ErrUnitAlreadyAssigned
	}
	operatorID := *bench.OperatorID

	resuming := p.UnitID != ""
	unitID := p.UnitID
	if !resuming {
		unitID = uuid.NewString()
	}
	unlockUnit := e.unitLocks.lock(unitID)
	defer unlockUnit()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	var unit domain.Unit
	if resuming {
		unit, err = e.Repo.GetUnitTx(ctx, tx, unitID)
		if err != nil {
			return domain.Unit{}, err
		}
		if unit.Status != domain.UnitInProgress {
			return unit, ErrUnitNotResumable
		}
		_, err = e.Repo.GetUnitSession(ctx, tx, unitID)
		switch {
		case err == nil:
			return unit, ErrUnitBusyElsewhere
		case errors.Is(err, repo.ErrNotFound):
		default:
			return unit, err
		}
	} else {
		unit = domain.Unit{
			ID:        unitID,
			Status:    domain.UnitInProgress,
			Model:     p.Model,
			CreatedBy: operatorID,
			CreatedAt: now,
		}
		if p.SerialNumber != "" {
			sn := p.SerialNumber
			unit.SerialNumber = &sn
		}
		if p.ParentID != "" {
			if _, err := e.Repo.GetUnitTx(ctx, tx, p.ParentID); err != nil {
				return unit, fmt.Errorf("resolve parent unit: %w", err)
			}
			if err := e.ensureNoCycle(ctx, tx, p.ParentID, unitID); err != nil {
				return unit, err
			}
			parent := p.ParentID
			unit.ParentID = &parent
		}
		if err := e.Repo.InsertUnit(ctx, tx, unit); err != nil {
			return unit, err
		}
	}

	if err := e.Repo.InsertUnitSession(ctx, tx, domain.UnitSession{
		UnitID:      unitID,
		WorkbenchID: workbenchID,
		OperatorID:  operatorID,
		StartedAt:   now,
	}); err != nil {
		return unit, err
	}

	bench.ActiveUnitID = &unit.ID
	bench.UpdatedAt = now
	if err := e.Repo.UpdateWorkbench(ctx, tx, bench); err != nil {
		return unit, err
	}

	evtType := "unit.created"
	if resuming {
		evtType = "unit.resumed"
	}
	if err := e.Events.Append(ctx, tx, evtType, "unit", unitID, operatorID, events.EventPayload{
		"model": unit.Model,
	}); err != nil {
		return unit, err
	}
	if err := tx.Commit(); err != nil {
		return unit, err
	}
	e.Log.Info("unit assigned", "unit", unitID, "workbench", workbenchID, "resumed", resuming)
	if !resuming {
		e.Feed.Publish(events.Signal{Type: events.SignalUnitCreated, UnitID: unitID, OperatorID: operatorID})
	}
	return unit, nil
}

// OpenStage begins a named assembly stage on the workbench's active unit.
func (e Engine) OpenStage(ctx context.Context, workbenchID int64, name string, metadata map[string]string) (domain.Stage, error) {
	_, operatorID, unitID, unlock, err := e.activeUnit(ctx, workbenchID)
	if err != nil {
		return domain.Stage{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	_, err = e.Repo.OpenStage(ctx, tx, unitID)
	switch {
	case err == nil:
		return domain.Stage{}, ErrStageAlreadyOpen
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Stage{}, err
	}

	now := e.timestamp()
	stage := domain.Stage{
		UnitID:     unitID,
		Name:       name,
		OperatorID: operatorID,
		StartedAt:  now,
	}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return stage, fmt.Errorf("marshal stage metadata: %w", err)
		}
		md := string(data)
		stage.MetadataJSON = &md
	}
	stage.ID, err = e.Repo.InsertStage(ctx, tx, stage)
	if err != nil {
		return stage, err
	}
	if err := e.Events.Append(ctx, tx, "stage.opened", "unit", unitID, operatorID, events.EventPayload{
		"stage": name,
	}); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	e.Log.Info("stage opened", "unit", unitID, "stage", name)
	e.Feed.Publish(events.Signal{Type: events.SignalStageOpened, UnitID: unitID, StageID: stage.ID, StageName: name, OperatorID: operatorID})
	return stage, nil
}

// CloseStage ends the active unit's open stage, optionally attaching media
// references and extra metadata collected during the stage.
func (e Engine) CloseStage(ctx context.Context, workbenchID int64, media []string, metadata map[string]string) (domain.Stage, error) {
	_, operatorID, unitID, unlock, err := e.activeUnit(ctx, workbenchID)
	if err != nil {
		return domain.Stage{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()

	stage, err := e.Repo.OpenStage(ctx, tx, unitID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Stage{}, ErrNoOpenStage
	}
	if err != nil {
		return domain.Stage{}, err
	}

	now := e.timestamp()
	var mediaJSON, metadataJSON *string
	if len(media) > 0 {
		data, err := json.Marshal(media)
		if err != nil {
			return stage, fmt.Errorf("marshal stage media: %w", err)
		}
		s := string(data)
		mediaJSON = &s
	}
	if len(metadata) > 0 {
		merged := map[string]string{}
		if stage.MetadataJSON != nil && *stage.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(*stage.MetadataJSON), &merged); err != nil {
				return stage, fmt.Errorf("stage %d metadata: %w", stage.ID, err)
			}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return stage, fmt.Errorf("marshal stage metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}
	if err := e.Repo.CloseStage(ctx, tx, stage.ID, now, false, mediaJSON, metadataJSON); err != nil {
		return stage, err
	}
	if err := e.Events.Append(ctx, tx, "stage.closed", "unit", unitID, operatorID, events.EventPayload{
		"stage": stage.Name,
	}); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	stage.EndedAt = &now
	if mediaJSON != nil {
		stage.MediaJSON = mediaJSON
	}
	if metadataJSON != nil {
		stage.MetadataJSON = metadataJSON
	}
	e.Log.Info("stage closed", "unit", unitID, "stage", stage.Name)
	e.Feed.Publish(events.Signal{Type: events.SignalStageClosed, UnitID: unitID, StageID: stage.ID, StageName: stage.Name, OperatorID: operatorID})
	return stage, nil
}

// CompleteUnit finalizes the active unit: builds its passport, computes the
// digest, records the passport exactly once and enqueues anchoring. Completion
// requires all stages closed and every component completed.
func (e Engine) CompleteUnit(ctx context.Context, workbenchID int64) (domain.Unit, domain.Passport, error) {
	bench, operatorID, unitID, unlock, err := e.activeUnit(ctx, workbenchID)
	if err != nil {
		return domain.Unit{}, domain.Passport{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unit{}, domain.Passport{}, err
	}
	defer tx.Rollback()

	unit, err := e.Repo.GetUnitTx(ctx, tx, unitID)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	if unit.Status == domain.UnitCompleted {
		return unit, domain.Passport{}, ErrAlreadyCompleted
	}
	if unit.Status != domain.UnitInProgress {
		return unit, domain.Passport{}, ErrUnitNotResumable
	}

	_, err = e.Repo.OpenStage(ctx, tx, unitID)
	switch {
	case err == nil:
		return unit, domain.Passport{}, ErrOpenStage
	case errors.Is(err, repo.ErrNotFound):
	default:
		return unit, domain.Passport{}, err
	}

	children, err := e.Repo.ListChildren(ctx, tx, unitID)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	var components []passport.ComponentEntry
	for _, child := range children {
		if child.Status != domain.UnitCompleted {
			return unit, domain.Passport{}, ErrIncompleteChild
		}
		entry := passport.ComponentEntry{UnitID: child.ID, Model: child.Model}
		cp, err := e.Repo.GetPassportTx(ctx, tx, child.ID)
		if err == nil {
			entry.Digest = cp.Digest
		} else if !errors.Is(err, repo.ErrNotFound) {
			return unit, domain.Passport{}, err
		}
		components = append(components, entry)
	}

	stages, err := e.Repo.ListStages(ctx, tx, unitID)
	if err != nil {
		return unit, domain.Passport{}, err
	}

	now := e.timestamp()
	unit.Status = domain.UnitCompleted
	unit.CompletedAt = &now

	doc, err := passport.Build(unit, stages, components)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	canonical, err := passport.Canonical(doc)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	digest, err := passport.Digest(doc)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	body, err := passport.RenderYAML(doc)
	if err != nil {
		return unit, domain.Passport{}, err
	}
	pass := domain.Passport{
		UnitID:        unitID,
		Digest:        digest,
		BodyYAML:      body,
		CanonicalJSON: string(canonical),
		CreatedAt:     now,
	}

	if err := e.Repo.UpdateUnitStatus(ctx, tx, unitID, domain.UnitCompleted, &now, nil); err != nil {
		return unit, pass, err
	}
	if err := e.Repo.InsertPassport(ctx, tx, pass); err != nil {
		return unit, pass, err
	}
	if err := e.Repo.DeleteUnitSession(ctx, tx, unitID); err != nil {
		return unit, pass, err
	}
	if err := e.Repo.InsertAnchorRecord(ctx, tx, e.newAnchorRecord(unitID, digest, now)); err != nil {
		return unit, pass, err
	}

	bench.ActiveUnitID = nil
	bench.UpdatedAt = now
	if err := e.Repo.UpdateWorkbench(ctx, tx, bench); err != nil {
		return unit, pass, err
	}
	if err := e.Events.Append(ctx, tx, "unit.completed", "unit", unitID, operatorID, events.EventPayload{
		"digest": digest,
	}); err != nil {
		return unit, pass, err
	}
	if err := tx.Commit(); err != nil {
		return unit, pass, err
	}
	e.Log.Info("unit completed", "unit", unitID, "digest", digest)
	e.Feed.Publish(events.Signal{Type: events.SignalUnitCompleted, UnitID: unitID, OperatorID: operatorID, Payload: events.EventPayload{"digest": digest}})
	return unit, pass, nil
}

// newAnchorRecord seeds sub-step states from the enabled pipeline options. A
// disabled step is skipped, never failed; the short link depends on a content
// reference so it is only attempted when the content store is on.
func (e Engine) newAnchorRecord(unitID, digest, now string) domain.AnchorRecord {
	step := func(enabled bool) string {
		if enabled {
			return domain.StepPending
		}
		return domain.StepSkipped
	}
	return domain.AnchorRecord{
		UnitID:          unitID,
		Digest:          digest,
		ContentStatus:   step(e.Config.ContentStore.Enable),
		LedgerStatus:    step(e.Config.Ledger.Enable),
		ShortlinkStatus: step(e.Config.Shortener.Enable && e.Config.ContentStore.Enable),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TerminateUnit abandons the active unit with a reason. Terminated units are
// never anchored and cannot be resumed.
func (e Engine) TerminateUnit(ctx context.Context, workbenchID int64, reason string) (domain.Unit, error) {
	bench, operatorID, unitID, unlock, err := e.activeUnit(ctx, workbenchID)
	if err != nil {
		return domain.Unit{}, err
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	defer tx.Rollback()

	unit, err := e.Repo.GetUnitTx(ctx, tx, unitID)
	if err != nil {
		return unit, err
	}
	if unit.Status == domain.UnitCompleted {
		return unit, ErrAlreadyCompleted
	}

	now := e.timestamp()
	stage, err := e.Repo.OpenStage(ctx, tx, unitID)
	switch {
	case err == nil:
		if err := e.Repo.CloseStage(ctx, tx, stage.ID, now, true, nil, nil); err != nil {
			return unit, err
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return unit, err
	}

	unit.Status = domain.UnitTerminated
	unit.TerminateReason = &reason
	if err := e.Repo.UpdateUnitStatus(ctx, tx, unitID, domain.UnitTerminated, nil, &reason); err != nil {
		return unit, err
	}
	if err := e.Repo.DeleteUnitSession(ctx, tx, unitID); err != nil {
		return unit, err
	}

	bench.ActiveUnitID = nil
	bench.UpdatedAt = now
	if err := e.Repo.UpdateWorkbench(ctx, tx, bench); err != nil {
		return unit, err
	}
	if err := e.Events.Append(ctx, tx, "unit.terminated", "unit", unitID, operatorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return unit, err
	}
	if err := tx.Commit(); err != nil {
		return unit, err
	}
	e.Log.Info("unit terminated", "unit", unitID, "reason", reason)
	return unit, nil
}

// AssignComponent mounts a completed component unit into the workbench's
// active composite unit.
func (e Engine) AssignComponent(ctx context.Context, workbenchID int64, componentID string) (domain.Unit, error) {
	_, operatorID, unitID, unlock, err := e.activeUnit(ctx, workbenchID)
	if err != nil {
		return domain.Unit{}, err
	}
	defer unlock()
	unlockComponent := e.unitLocks.lock(componentID)
	defer unlockComponent()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	defer tx.Rollback()

	component, err := e.Repo.GetUnitTx(ctx, tx, componentID)
	if err != nil {
		return component, err
	}
	if component.Status != domain.UnitCompleted {
		return component, ErrComponentNotDone
	}
	if component.ParentID != nil {
		return component, ErrComponentInUse
	}
	if err := e.ensureNoCycle(ctx, tx, unitID, componentID); err != nil {
		return component, err
	}

	if err := e.Repo.SetUnitParent(ctx, tx, componentID, &unitID); err != nil {
		return component, err
	}
	component.ParentID = &unitID
	if err := e.Events.Append(ctx, tx, "unit.component_assigned", "unit", unitID, operatorID, events.EventPayload{
		"component": componentID,
	}); err != nil {
		return component, err
	}
	if err := tx.Commit(); err != nil {
		return component, err
	}
	e.Log.Info("component assigned", "unit", unitID, "component", componentID)
	return component, nil
}

// AttachStageMedia records media produced asynchronously for a closed stage,
// such as a recording that finished uploading after the stage ended. It only
// applies while the unit is still in progress; an issued passport is immutable.
func (e Engine) AttachStageMedia(ctx context.Context, stageID int64, media []string) error {
	stage, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return err
	}
	unlock := e.unitLocks.lock(stage.UnitID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	unit, err := e.Repo.GetUnitTx(ctx, tx, stage.UnitID)
	if err != nil {
		return err
	}
	if unit.Status != domain.UnitInProgress {
		e.Log.Warn("dropping late stage media", "unit", unit.ID, "stage", stageID, "status", unit.Status)
		return nil
	}

	var existing []string
	if stage.MediaJSON != nil && *stage.MediaJSON != "" {
		if err := json.Unmarshal([]byte(*stage.MediaJSON), &existing); err != nil {
			return fmt.Errorf("stage %d media: %w", stageID, err)
		}
	}
	existing = append(existing, media...)
	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshal stage media: %w", err)
	}
	if err := e.Repo.AttachStageMedia(ctx, tx, stageID, string(data)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stage.media_attached", "unit", stage.UnitID, stage.OperatorID, events.EventPayload{
		"stage": stage.Name,
		"count": len(media),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// activeUnit resolves the workbench's session and active unit and takes the
// bench and unit locks, returned unlock releases both.
func (e Engine) activeUnit(ctx context.Context, workbenchID int64) (domain.Workbench, string, string, func(), error) {
	unlockBench := e.benchLocks.lock(benchKey(workbenchID))

	bench, err := e.Repo.GetWorkbench(ctx, workbenchID)
	if err != nil {
		unlockBench()
		return domain.Workbench{}, "", "", nil, err
	}
	if bench.State != domain.WorkbenchOccupied || bench.OperatorID == nil {
		unlockBench()
		return bench, "", "", nil, ErrNoSession
	}
	if bench.ActiveUnitID == nil {
		unlockBench()
		return bench, "", "", nil, ErrNoActiveUnit
	}
	unitID := *bench.ActiveUnitID
	unlockUnit := e.unitLocks.lock(unitID)
	return bench, *bench.OperatorID, unitID, func() {
		unlockUnit()
		unlockBench()
	}, nil
}

// ListStages exposes a unit's stage history.
func (e Engine) ListStages(ctx context.Context, unitID string) ([]domain.Stage, error) {
	return e.Repo.ListStages(ctx, nil, unitID)
}
