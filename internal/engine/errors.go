package engine

// Error is a contract violation with a stable reason code. These are rejected
// synchronously and never mutate state.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrAlreadyOccupied     = &Error{"already_occupied", "workbench is already occupied"}
	ErrNoSession           = &Error{"no_session", "no operator session on this workbench"}
	ErrNoActiveUnit        = &Error{"no_active_unit", "no unit is assigned to this workbench"}
	ErrUnitAlreadyAssigned = &Error{"unit_already_assigned", "a unit is already assigned to this workbench"}
	ErrUnitBusyElsewhere   = &Error{"unit_busy_elsewhere", "unit has a live session on another workbench"}
	ErrUnitNotResumable    = &Error{"unit_not_resumable", "unit is not in progress"}
	ErrUnitCycle           = &Error{"unit_cycle", "unit parent chain would form a cycle"}
	ErrStageAlreadyOpen    = &Error{"stage_already_open", "unit already has an open stage"}
	ErrNoOpenStage         = &Error{"no_open_stage", "unit has no open stage"}
	ErrOpenStage           = &Error{"open_stage", "unit still has an open stage"}
	ErrIncompleteChild     = &Error{"incomplete_child", "unit has a component that is not completed"}
	ErrAlreadyCompleted    = &Error{"already_completed", "unit is already completed"}
	ErrComponentNotDone    = &Error{"component_not_completed", "component assembly is not completed"}
	ErrComponentInUse      = &Error{"component_in_use", "component is already part of another unit"}
)
