package domain

// Operator is reference data resolved from a scanned credential. The core
// looks operators up but never mutates them.
type Operator struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Position  string `json:"position,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Credential maps a scanned token (RFID card, badge barcode) to an operator.
type Credential struct {
	ID         string `json:"id"`
	OperatorID string `json:"operator_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Workbench occupancy states.
const (
	WorkbenchIdle     = "idle"
	WorkbenchOccupied = "occupied"
)

type Workbench struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name,omitempty"`
	State        string  `json:"state" enum:"idle,occupied"`
	OperatorID   *string `json:"operator_id,omitempty"`
	ActiveUnitID *string `json:"active_unit_id,omitempty"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Unit statuses.
const (
	UnitInProgress = "in_progress"
	UnitCompleted  = "completed"
	UnitTerminated = "terminated"
)

type Unit struct {
	ID              string  `json:"id"`
	ParentID        *string `json:"parent_id,omitempty"`
	Status          string  `json:"status" enum:"in_progress,completed,terminated"`
	Model           string  `json:"model,omitempty"`
	SerialNumber    *string `json:"serial_number,omitempty"`
	TerminateReason *string `json:"terminate_reason,omitempty"`
	CreatedBy       string  `json:"created_by"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

// Stage is one named, timestamped assembly step. Append-only within a unit;
// at most one stage per unit has no end timestamp.
type Stage struct {
	ID           int64   `json:"id"`
	UnitID       string  `json:"unit_id"`
	Name         string  `json:"name"`
	OperatorID   string  `json:"operator_id"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	EndedAt      *string `json:"ended_at,omitempty" format:"date-time"`
	ForceClosed  bool    `json:"force_closed,omitempty"`
	MediaJSON    *string `json:"media_json,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
}

// UnitSession records the single live workbench session a unit may have.
// The unit id primary key enforces at most one live session per unit
// globally, not just per workbench.
type UnitSession struct {
	UnitID      string `json:"unit_id"`
	WorkbenchID int64  `json:"workbench_id"`
	OperatorID  string `json:"operator_id"`
	StartedAt   string `json:"started_at" format:"date-time"`
}

// Passport is the immutable serialized record of a completed unit. Produced
// exactly once; its digest is the anchoring unit of trust.
type Passport struct {
	UnitID        string `json:"unit_id"`
	Digest        string `json:"digest"`
	BodyYAML      string `json:"body_yaml"`
	CanonicalJSON string `json:"canonical_json"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// Anchoring sub-step states.
const (
	StepSkipped = "skipped"
	StepPending = "pending"
	StepDone    = "done"
	StepFailed  = "failed"
)

// AnchorRecord tracks external provenance publishing for one completed unit.
// Never deleted; each sub-step outcome is recorded independently.
type AnchorRecord struct {
	UnitID          string  `json:"unit_id"`
	Digest          string  `json:"digest"`
	ContentStatus   string  `json:"content_status" enum:"skipped,pending,done,failed"`
	ContentRef      *string `json:"content_ref,omitempty"`
	LedgerStatus    string  `json:"ledger_status" enum:"skipped,pending,done,failed"`
	LedgerTx        *string `json:"ledger_tx,omitempty"`
	ShortlinkStatus string  `json:"shortlink_status" enum:"skipped,pending,done,failed"`
	ShortLink       *string `json:"short_link,omitempty"`
	Attempts        int     `json:"attempts"`
	LastAttemptAt   *string `json:"last_attempt_at,omitempty" format:"date-time"`
	NextAttemptAt   *string `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether every enabled sub-step reached a terminal state.
func (a AnchorRecord) Terminal() bool {
	for _, s := range []string{a.ContentStatus, a.LedgerStatus, a.ShortlinkStatus} {
		if s == StepPending {
			return false
		}
	}
	return true
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
