package engine

import (
	"encoding/json"
	"time"
)

// PlanUnit represents a unit of work in the rollout DAG.
type PlanUnit struct {
	// ID is the unique identifier for this plan unit, e.g. "deploy:sandbox".
	ID string `json:"id"`

	// CellID is the cell this plan unit operates on.
	CellID string `json:"cell_id"`

	// Operation is the type of operation to perform.
	Operation OperationType `json:"operation"`

	// Status is the current execution status of this plan unit.
	Status PlanStatus `json:"status"`

	// Dependencies lists plan unit IDs that must complete before this unit.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// DesiredState is the cell state after this operation (version, image).
	DesiredState json.RawMessage `json:"desired_state,omitempty"`

	// ActualState is the recorded cell state before this operation.
	ActualState json.RawMessage `json:"actual_state,omitempty"`

	// Changes describes what will change if this operation is applied.
	Changes []Change `json:"changes,omitempty"`

	// ExecutionOrder is the topological level assigned by the DAG builder.
	ExecutionOrder int `json:"execution_order"`

	// MaxRetries is the maximum number of retry attempts allowed.
	MaxRetries int `json:"max_retries"`

	// Timeout bounds a single attempt. Zero means no deadline.
	Timeout time.Duration `json:"timeout"`

	// Metadata contains operation parameters such as the canary wait.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Result is the execution result once the plan unit completes.
	Result *ExecutionResult `json:"result,omitempty"`
}

// Dependency represents an edge in the execution DAG.
type Dependency struct {
	// TargetID is the ID of the plan unit this depends on.
	TargetID string `json:"target_id"`

	// Type is the type of dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType represents the type of dependency between plan units.
type DependencyType string

const (
	// DependencyRequire indicates a hard dependency that must succeed.
	DependencyRequire DependencyType = "require"

	// DependencyNotify indicates a soft dependency that never blocks.
	DependencyNotify DependencyType = "notify"

	// DependencyOrder indicates ordering without success requirement.
	DependencyOrder DependencyType = "order"
)

// Change represents a single field change on a cell.
type Change struct {
	// Path is the field being changed (e.g., "template_version").
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before,omitempty"`

	// After is the value after the change.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "add"
	ChangeActionRemove ChangeAction = "remove"
	ChangeActionModify ChangeAction = "modify"
)

// ExecutionResult represents the outcome of executing a plan unit.
type ExecutionResult struct {
	// PlanUnitID is the ID of the plan unit this result belongs to.
	PlanUnitID string `json:"plan_unit_id"`

	// Status indicates whether the execution succeeded or failed.
	Status PlanStatus `json:"status"`

	// Attempts is the number of attempts made.
	Attempts int `json:"attempts"`

	// StartedAt is when the execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the execution completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// NewState is the resulting cell state after the operation.
	NewState json.RawMessage `json:"new_state,omitempty"`

	// Output contains stack outputs or canary results.
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the error that occurred, if any.
	Error *EngineError `json:"error,omitempty"`
}

// Event represents a timeline event during a rollout.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// PlanUnitID is the ID of the plan unit, if applicable.
	PlanUnitID string `json:"plan_unit_id,omitempty"`

	// CellID is the cell, if applicable.
	CellID string `json:"cell_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// Plan represents a complete rollout plan.
type Plan struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Units     []PlanUnit      `json:"units"`
	Graph     *ExecutionGraph `json:"graph,omitempty"`
	Summary   PlanSummary     `json:"summary"`

	// Metadata carries the target template version and pipeline id.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Unit returns the plan unit with the given ID.
func (p *Plan) Unit(id string) *PlanUnit {
	for i := range p.Units {
		if p.Units[i].ID == id {
			return &p.Units[i]
		}
	}
	return nil
}

// Cells returns the cells touched by the plan in plan order, without duplicates.
func (p *Plan) Cells() []string {
	seen := make(map[string]bool)
	cells := make([]string, 0)
	for _, u := range p.Units {
		if u.CellID == "" || seen[u.CellID] {
			continue
		}
		seen[u.CellID] = true
		cells = append(cells, u.CellID)
	}
	return cells
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	TotalCells int `json:"total_cells"`
	ToCreate   int `json:"to_create"`
	ToDeploy   int `json:"to_deploy"`
	ToDelete   int `json:"to_delete"`
	Canaries   int `json:"canaries"`
	NoChange   int `json:"no_change"`
}

// ExecutionGraph represents the DAG of plan units.
type ExecutionGraph struct {
	// Nodes maps plan unit IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the plan unit IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of levels in the graph.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge represents an edge in the execution graph.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// Run represents an execution of a rollout plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the ID of the plan being executed.
	PlanID string `json:"plan_id"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// User is who or what initiated the run (a user, "pipeline", "watcher").
	User string `json:"user,omitempty"`

	// Summary provides statistics about the run.
	Summary RunSummary `json:"summary"`

	// Metadata contains additional run metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// CellState is the desired or actual state of a cell carried in plan units.
type CellState struct {
	TemplateVersion int    `json:"template_version"`
	ImageURI        string `json:"image_uri,omitempty"`
	Stage           string `json:"stage,omitempty"`
	Status          string `json:"status,omitempty"`
}

// Marshal encodes the state for a plan unit.
func (c CellState) Marshal() json.RawMessage {
	data, _ := json.Marshal(c)
	return data
}

// DecodeCellState decodes a plan unit state. Empty input yields a zero state.
func DecodeCellState(raw json.RawMessage) (CellState, error) {
	var state CellState
	if len(raw) == 0 {
		return state, nil
	}
	err := json.Unmarshal(raw, &state)
	return state, err
}
