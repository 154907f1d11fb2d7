package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a rollout.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation and should page someone.
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether violations of this severity deny the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Operations evaluated by the policy engine.
const (
	OperationRollout = "rollout"
	OperationCreate  = "create"
	OperationDelete  = "delete"
)

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	// Operation is rollout, create or delete.
	Operation string `json:"operation"`

	// Cells are the cells the operation touches.
	Cells []CellInput `json:"cells"`

	// Plan is set for rollouts.
	Plan *PlanInput `json:"plan,omitempty"`

	// Settings are the fleet settings policies compare against.
	Settings Settings `json:"settings"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// CellInput describes one cell in the policy input.
type CellInput struct {
	ID        string `json:"id"`
	Stage     string `json:"stage,omitempty"`
	ImageURI  string `json:"image_uri,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// PlanInput is the rollout plan as policies see it.
type PlanInput struct {
	ID              string      `json:"id"`
	TemplateVersion int         `json:"template_version"`
	Units           []UnitInput `json:"units"`
}

// UnitInput is one plan unit with its dependencies flattened to IDs.
type UnitInput struct {
	ID             string   `json:"id"`
	CellID         string   `json:"cell_id"`
	Operation      string   `json:"operation"`
	ExecutionOrder int      `json:"execution_order"`
	Dependencies   []string `json:"dependencies"`
}

// Settings carries fleet configuration into policy evaluation.
type Settings struct {
	// SandboxCell is the cell every rollout must go through first.
	SandboxCell string `json:"sandbox_cell"`

	// MaxParallel is the number of cells a rollout should deploy at once.
	MaxParallel int `json:"max_parallel"`

	// AllowWithoutSandbox lets rollouts skip the sandbox stage.
	AllowWithoutSandbox bool `json:"allow_without_sandbox"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is who started the operation.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}
