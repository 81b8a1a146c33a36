package engine

import (
	"context"

	"github.com/google/uuid"

	"benchline/internal/domain"
	"benchline/internal/events"
)

// RegisterOperator creates an operator together with their scanned credential
// and refreshes the identity cache so the badge works immediately.
func (e Engine) RegisterOperator(ctx context.Context, id, name, position, credentialID string) (domain.Operator, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	op := domain.Operator{ID: id, Name: name, Position: position, CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return op, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOperator(ctx, tx, op); err != nil {
		return op, err
	}
	if err := e.Repo.InsertCredential(ctx, tx, domain.Credential{ID: credentialID, OperatorID: id, CreatedAt: now}); err != nil {
		return op, err
	}
	if err := e.Events.Append(ctx, tx, "operator.registered", "operator", id, id, events.EventPayload{
		"name": name,
	}); err != nil {
		return op, err
	}
	if err := tx.Commit(); err != nil {
		return op, err
	}
	if e.Resolver != nil {
		if err := e.Resolver.Refresh(ctx); err != nil {
			e.Log.Warn("identity cache refresh after registration", "error", err)
		}
	}
	e.Log.Info("operator registered", "operator", id, "name", name)
	return op, nil
}
