package server

import (
	"benchline/internal/domain"
)

type LoginRequest struct {
	CredentialID string `json:"credential_id" example:"card-0008368511"`
}

type WorkbenchResponse struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name,omitempty"`
	State        string  `json:"state" enum:"idle,occupied"`
	OperatorID   *string `json:"operator_id,omitempty"`
	ActiveUnitID *string `json:"active_unit_id,omitempty"`
	UpdatedAt    string  `json:"updated_at"`
}

func workbenchResponse(w domain.Workbench) WorkbenchResponse {
	return WorkbenchResponse{
		ID:           w.ID,
		Name:         w.Name,
		State:        w.State,
		OperatorID:   w.OperatorID,
		ActiveUnitID: w.ActiveUnitID,
		UpdatedAt:    w.UpdatedAt,
	}
}

type StartUnitRequest struct {
	UnitID       string `json:"unit_id,omitempty" doc:"Resume this existing unit instead of creating one"`
	ParentID     string `json:"parent_id,omitempty" doc:"Create the unit as a component of this composite unit"`
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

type UnitResponse struct {
	ID              string  `json:"id"`
	ParentID        *string `json:"parent_id,omitempty"`
	Status          string  `json:"status" enum:"in_progress,completed,terminated"`
	Model           string  `json:"model,omitempty"`
	SerialNumber    *string `json:"serial_number,omitempty"`
	TerminateReason *string `json:"terminate_reason,omitempty"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

func unitResponse(u domain.Unit) UnitResponse {
	return UnitResponse{
		ID:              u.ID,
		ParentID:        u.ParentID,
		Status:          u.Status,
		Model:           u.Model,
		SerialNumber:    u.SerialNumber,
		TerminateReason: u.TerminateReason,
		CreatedBy:       u.CreatedBy,
		CreatedAt:       u.CreatedAt,
		CompletedAt:     u.CompletedAt,
	}
}

func mapUnits(items []domain.Unit) []UnitResponse {
	res := []UnitResponse{}
	for _, u := range items {
		res = append(res, unitResponse(u))
	}
	return res
}

type OpenStageRequest struct {
	Name     string            `json:"name" example:"soldering"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type CloseStageRequest struct {
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type StageResponse struct {
	ID           int64   `json:"id"`
	UnitID       string  `json:"unit_id"`
	Name         string  `json:"name"`
	OperatorID   string  `json:"operator_id"`
	StartedAt    string  `json:"started_at"`
	EndedAt      *string `json:"ended_at,omitempty"`
	ForceClosed  bool    `json:"force_closed,omitempty"`
	MediaJSON    *string `json:"media_json,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		ID:           s.ID,
		UnitID:       s.UnitID,
		Name:         s.Name,
		OperatorID:   s.OperatorID,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		ForceClosed:  s.ForceClosed,
		MediaJSON:    s.MediaJSON,
		MetadataJSON: s.MetadataJSON,
	}
}

func mapStages(items []domain.Stage) []StageResponse {
	res := []StageResponse{}
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

type TerminateRequest struct {
	Reason string `json:"reason" example:"cracked housing"`
}

type AssignComponentRequest struct {
	ComponentID string `json:"component_id"`
}

type CompleteResponse struct {
	Unit     UnitResponse     `json:"unit"`
	Passport PassportResponse `json:"passport"`
}

type PassportResponse struct {
	UnitID    string `json:"unit_id"`
	Digest    string `json:"digest"`
	BodyYAML  string `json:"body_yaml"`
	CreatedAt string `json:"created_at"`
}

func passportResponse(p domain.Passport) PassportResponse {
	return PassportResponse{
		UnitID:    p.UnitID,
		Digest:    p.Digest,
		BodyYAML:  p.BodyYAML,
		CreatedAt: p.CreatedAt,
	}
}

type AnchorResponse struct {
	UnitID          string  `json:"unit_id"`
	Digest          string  `json:"digest"`
	ContentStatus   string  `json:"content_status"`
	ContentRef      *string `json:"content_ref,omitempty"`
	LedgerStatus    string  `json:"ledger_status"`
	LedgerTx        *string `json:"ledger_tx,omitempty"`
	ShortlinkStatus string  `json:"shortlink_status"`
	ShortLink       *string `json:"short_link,omitempty"`
	Attempts        int     `json:"attempts"`
	NextAttemptAt   *string `json:"next_attempt_at,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

func anchorResponse(a domain.AnchorRecord) AnchorResponse {
	return AnchorResponse{
		UnitID:          a.UnitID,
		Digest:          a.Digest,
		ContentStatus:   a.ContentStatus,
		ContentRef:      a.ContentRef,
		LedgerStatus:    a.LedgerStatus,
		LedgerTx:        a.LedgerTx,
		ShortlinkStatus: a.ShortlinkStatus,
		ShortLink:       a.ShortLink,
		Attempts:        a.Attempts,
		NextAttemptAt:   a.NextAttemptAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func mapAnchors(items []domain.AnchorRecord) []AnchorResponse {
	res := []AnchorResponse{}
	for _, a := range items {
		res = append(res, anchorResponse(a))
	}
	return res
}

type CreateOperatorRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Position     string `json:"position,omitempty"`
	CredentialID string `json:"credential_id" doc:"RFID card or badge token to register for this operator"`
}

type OperatorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Position  string `json:"position,omitempty"`
	CreatedAt string `json:"created_at"`
}

func operatorResponse(o domain.Operator) OperatorResponse {
	return OperatorResponse{ID: o.ID, Name: o.Name, Position: o.Position, CreatedAt: o.CreatedAt}
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := []EventResponse{}
	for _, e := range items {
		res = append(res, EventResponse{
			ID: e.ID, TS: e.TS, Type: e.Type, EntityKind: e.EntityKind,
			EntityID: e.EntityID, ActorID: e.ActorID, Payload: e.Payload,
		})
	}
	return res
}
