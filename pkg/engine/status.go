package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a rollout run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit succeeded or had nothing to do.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with errors.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some cells were rolled out and others were not.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType is the kind of work a plan unit performs against a cell.
type OperationType string

const (
	// OperationCreate provisions a new cell stack.
	OperationCreate OperationType = "create"

	// OperationDeploy updates an existing cell stack to a template version.
	OperationDeploy OperationType = "deploy"

	// OperationCanary runs the canary check against a cell.
	OperationCanary OperationType = "canary"

	// OperationDelete tears down a cell stack.
	OperationDelete OperationType = "delete"

	// OperationNoop indicates the cell is already at the desired version.
	OperationNoop OperationType = "noop"
)

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationDeploy, OperationCanary,
		OperationDelete, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// PlanStatus represents the status of a plan unit during execution.
type PlanStatus string

const (
	// PlanStatusPending indicates the plan unit is waiting to execute.
	PlanStatusPending PlanStatus = "pending"

	// PlanStatusBlocked indicates the plan unit is blocked by dependencies.
	PlanStatusBlocked PlanStatus = "blocked"

	// PlanStatusRunning indicates the plan unit is currently executing.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusSucceeded indicates the plan unit completed successfully.
	PlanStatusSucceeded PlanStatus = "succeeded"

	// PlanStatusFailed indicates the plan unit failed.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusSkipped indicates the plan unit was skipped due to failures.
	PlanStatusSkipped PlanStatus = "skipped"

	// PlanStatusCancelled indicates the plan unit was cancelled.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusSucceeded || s == PlanStatusFailed ||
		s == PlanStatusSkipped || s == PlanStatusCancelled
}

// EventType represents the type of event in the rollout timeline.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
	EventTypePlanUnitStarted   EventType = "plan_unit_started"
	EventTypePlanUnitCompleted EventType = "plan_unit_completed"
	EventTypePlanUnitFailed    EventType = "plan_unit_failed"
	EventTypePlanUnitSkipped   EventType = "plan_unit_skipped"
	EventTypeCellStatusChanged EventType = "cell_status_changed"
	EventTypeCanaryPassed      EventType = "canary_passed"
	EventTypeCanaryFailed      EventType = "canary_failed"
	EventTypeDriftDetected     EventType = "drift_detected"
	EventTypeWarning           EventType = "warning"
	EventTypeInfo              EventType = "info"
)

// Severity returns the level events of this type are published at.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypePlanUnitFailed, EventTypeCanaryFailed:
		return "error"
	case EventTypeWarning, EventTypePlanUnitSkipped, EventTypeDriftDetected:
		return "warning"
	default:
		return "info"
	}
}
