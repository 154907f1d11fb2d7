package engine

import (
	"context"
	"time"
)

// Executor executes individual plan units against cells.
type Executor interface {
	// ExecuteUnit performs one attempt of a plan unit.
	ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error)
}

// StateManager persists runs and plan unit results.
type StateManager interface {
	// SaveRun creates or updates a run.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// SavePlanUnit records the state of a plan unit within a run.
	SavePlanUnit(ctx context.Context, runID string, unit *PlanUnit) error
}

// EventPublisher publishes rollout events.
type EventPublisher interface {
	// Publish publishes an event to all subscribers.
	Publish(ctx context.Context, event *Event) error
}

// Scheduler manages execution of rollout plans.
type Scheduler interface {
	// Run executes a plan and blocks until it reaches a terminal state.
	Run(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error)

	// Schedule starts a plan in the background and returns the run ID.
	Schedule(ctx context.Context, plan *Plan, opts ScheduleOptions) (string, error)

	// Cancel cancels an active run.
	Cancel(ctx context.Context, runID string) error

	// GetStatus retrieves the status of a run.
	GetStatus(ctx context.Context, runID string) (*Run, error)
}

// ScheduleOptions contains options for scheduling plan execution.
type ScheduleOptions struct {
	// Delay postpones the start of the run.
	Delay time.Duration `json:"delay,omitempty"`

	// MaxParallel caps concurrent units within a level.
	MaxParallel int `json:"max_parallel,omitempty"`

	// DryRun simulates every unit without calling the executor.
	DryRun bool `json:"dry_run"`

	// FailFast stops the run after the first level with a failure.
	FailFast bool `json:"fail_fast"`

	// User is recorded as the initiator of the run.
	User string `json:"user,omitempty"`

	// Metadata is copied into the run.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyEngine evaluates rollout policies.
type PolicyEngine interface {
	// EvaluatePlan evaluates policies against a rollout plan.
	EvaluatePlan(ctx context.Context, plan *Plan) (*PolicyResult, error)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []PolicyViolation `json:"violations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy     string `json:"policy"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	ResourceID string `json:"resource_id,omitempty"`
}
