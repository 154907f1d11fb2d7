package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultSandboxCell is the cell every rollout deploys to and canaries first.
const DefaultSandboxCell = "sandbox"

// CellTarget is a cell selected for a rollout together with its recorded state.
type CellTarget struct {
	CellID  string
	Stage   string
	Current CellState
	// Missing is set when the cell has no provisioned stack, as after a
	// failed create. Such a cell is created instead of deployed.
	Missing bool
}

// RolloutRequest describes a rollout of one template version to a set of cells.
type RolloutRequest struct {
	// Cells are the cells to roll out to. The sandbox cell, when present, goes first.
	Cells []CellTarget

	// Desired is the state every cell should end up in.
	Desired CellState

	// SandboxCellID overrides DefaultSandboxCell.
	SandboxCellID string

	// CanaryWait is how long the sandbox canary waits before checking.
	CanaryWait time.Duration

	// CanaryEveryCell adds a canary unit after every non-sandbox deploy.
	CanaryEveryCell bool

	// Force deploys cells that already run the desired version.
	Force bool

	// PipelineID is recorded in the plan metadata.
	PipelineID string

	MaxRetries int
	Timeout    time.Duration
}

// RolloutPlanner turns a rollout request into a plan whose DAG deploys the
// sandbox, checks its canary and only then fans out to the other cells.
type RolloutPlanner struct{}

// NewRolloutPlanner creates a rollout planner.
func NewRolloutPlanner() *RolloutPlanner {
	return &RolloutPlanner{}
}

// DeployUnitID returns the plan unit ID deploying cellID.
func DeployUnitID(cellID string) string { return "deploy:" + cellID }

// CanaryUnitID returns the plan unit ID checking cellID.
func CanaryUnitID(cellID string) string { return "canary:" + cellID }

// BuildPlan creates a rollout plan with its execution graph.
func (p *RolloutPlanner) BuildPlan(ctx context.Context, req RolloutRequest) (*Plan, error) {
	if len(req.Cells) == 0 {
		return nil, NewPermanentError("rollout has no cells", nil).WithCode(ErrCodeValidation)
	}
	if req.Desired.TemplateVersion <= 0 {
		return nil, NewPermanentError("rollout has no template version", nil).WithCode(ErrCodeValidation)
	}

	sandbox := req.SandboxCellID
	if sandbox == "" {
		sandbox = DefaultSandboxCell
	}

	seen := make(map[string]bool, len(req.Cells))
	var sandboxTarget *CellTarget
	others := make([]CellTarget, 0, len(req.Cells))
	for i := range req.Cells {
		target := req.Cells[i]
		if target.CellID == "" {
			return nil, NewPermanentError("rollout cell has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if seen[target.CellID] {
			return nil, NewPermanentError(fmt.Sprintf("cell %s listed twice", target.CellID), nil).
				WithCode(ErrCodeValidation).WithResource(target.CellID)
		}
		seen[target.CellID] = true
		if target.CellID == sandbox {
			sandboxTarget = &req.Cells[i]
			continue
		}
		others = append(others, target)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].CellID < others[j].CellID })

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Units:     make([]PlanUnit, 0, len(req.Cells)*2),
		Metadata: map[string]interface{}{
			"template_version": req.Desired.TemplateVersion,
			"sandbox_cell":     sandbox,
		},
	}
	if req.PipelineID != "" {
		plan.Metadata["pipeline_id"] = req.PipelineID
	}

	var gate []Dependency
	if sandboxTarget != nil {
		plan.Units = append(plan.Units, p.deployUnit(*sandboxTarget, req, nil))
		canary := p.canaryUnit(sandbox, req, DeployUnitID(sandbox))
		canary.Metadata["wait"] = req.CanaryWait.String()
		plan.Units = append(plan.Units, canary)
		gate = []Dependency{{TargetID: CanaryUnitID(sandbox), Type: DependencyRequire}}
	}

	for _, target := range others {
		plan.Units = append(plan.Units, p.deployUnit(target, req, gate))
		if req.CanaryEveryCell {
			plan.Units = append(plan.Units, p.canaryUnit(target.CellID, req, DeployUnitID(target.CellID)))
		}
	}

	plan.Summary = summarize(plan.Units)

	graph, err := p.BuildDAG(ctx, plan)
	if err != nil {
		return nil, err
	}
	plan.Graph = graph

	return plan, nil
}

func (p *RolloutPlanner) deployUnit(target CellTarget, req RolloutRequest, deps []Dependency) PlanUnit {
	desired := req.Desired
	desired.Stage = target.Stage

	op := OperationDeploy
	changes := ComputeChanges(target.Current, desired)
	switch {
	case target.Missing:
		op = OperationCreate
	case len(changes) == 0 && !req.Force:
		op = OperationNoop
	}

	return PlanUnit{
		ID:           DeployUnitID(target.CellID),
		CellID:       target.CellID,
		Operation:    op,
		Status:       PlanStatusPending,
		Dependencies: append([]Dependency(nil), deps...),
		DesiredState: desired.Marshal(),
		ActualState:  target.Current.Marshal(),
		Changes:      changes,
		MaxRetries:   req.MaxRetries,
		Timeout:      req.Timeout,
		Metadata:     map[string]interface{}{"stage": target.Stage},
	}
}

func (p *RolloutPlanner) canaryUnit(cellID string, req RolloutRequest, after string) PlanUnit {
	return PlanUnit{
		ID:           CanaryUnitID(cellID),
		CellID:       cellID,
		Operation:    OperationCanary,
		Status:       PlanStatusPending,
		Dependencies: []Dependency{{TargetID: after, Type: DependencyRequire}},
		MaxRetries:   req.MaxRetries,
		Metadata:     map[string]interface{}{},
	}
}

// ComputeChanges lists the fields that differ between the recorded and desired cell state.
func ComputeChanges(actual, desired CellState) []Change {
	changes := make([]Change, 0, 2)
	if actual.TemplateVersion != desired.TemplateVersion {
		action := ChangeActionModify
		if actual.TemplateVersion == 0 {
			action = ChangeActionAdd
		}
		changes = append(changes, Change{
			Path:   "template_version",
			Before: actual.TemplateVersion,
			After:  desired.TemplateVersion,
			Action: action,
		})
	}
	if desired.ImageURI != "" && actual.ImageURI != desired.ImageURI {
		changes = append(changes, Change{
			Path:   "image_uri",
			Before: actual.ImageURI,
			After:  desired.ImageURI,
			Action: ChangeActionModify,
		})
	}
	return changes
}

func summarize(units []PlanUnit) PlanSummary {
	summary := PlanSummary{}
	cells := make(map[string]bool)
	for _, unit := range units {
		cells[unit.CellID] = true
		switch unit.Operation {
		case OperationCreate:
			summary.ToCreate++
		case OperationDeploy:
			summary.ToDeploy++
		case OperationDelete:
			summary.ToDelete++
		case OperationCanary:
			summary.Canaries++
		case OperationNoop:
			summary.NoChange++
		}
	}
	summary.TotalCells = len(cells)
	return summary
}

// BuildDAG creates the dependency graph for plan execution.
func (p *RolloutPlanner) BuildDAG(ctx context.Context, plan *Plan) (*ExecutionGraph, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(plan.Units)
	if err != nil {
		return nil, fmt.Errorf("failed to build DAG: %w", err)
	}

	if err := builder.ValidateGraph(graph); err != nil {
		return nil, fmt.Errorf("invalid DAG: %w", err)
	}

	return graph, nil
}

// ValidatePlan validates a plan for correctness and safety.
func (p *RolloutPlanner) ValidatePlan(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.ID == "" {
		return NewPermanentError("plan has empty ID", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return NewPermanentError("plan has no execution graph", nil).WithCode(ErrCodeValidation)
	}

	for i := range plan.Units {
		unit := &plan.Units[i]
		if unit.CellID == "" {
			return NewPermanentError(fmt.Sprintf("plan unit %s has no cell", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if err := unit.Operation.Validate(); err != nil {
			return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithResource(unit.CellID)
		}
		if unit.MaxRetries < 0 {
			return NewPermanentError(fmt.Sprintf("plan unit %s has negative retries", unit.ID), nil).
				WithCode(ErrCodeValidation).WithResource(unit.CellID)
		}
		if _, ok := plan.Graph.Nodes[unit.ID]; !ok {
			return NewPermanentError(fmt.Sprintf("plan unit %s missing from graph", unit.ID), nil).
				WithCode(ErrCodeValidation).WithResource(unit.CellID)
		}
	}

	return nil
}
