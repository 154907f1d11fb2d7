package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds a directed acyclic graph (DAG) from plan units.
// It performs topological sorting and assigns execution levels for parallel execution.
type DAGBuilder struct {
	// units maps plan unit IDs to their plan units
	units map[string]*PlanUnit

	// order keeps unit IDs in input order so results are deterministic
	order []string

	// dependents maps a unit ID to the units that depend on it
	dependents map[string][]string

	// dependencies maps a unit ID to the units it depends on
	dependencies map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to unit IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:        make(map[string]*PlanUnit),
		order:        make([]string, 0),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
		levels:       make([][]string, 0),
	}
}

// BuildGraph constructs an execution graph from plan units.
// It validates dependencies, detects cycles, and computes execution levels.
// ExecutionOrder is written back into the given units.
func (b *DAGBuilder) BuildGraph(units []PlanUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// initialize sets up the internal data structures from plan units.
func (b *DAGBuilder) initialize(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.order = append(b.order, unit.ID)
		b.dependents[unit.ID] = make([]string, 0)
		b.dependencies[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, id := range b.order {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			targetID := dep.TargetID
			if targetID == unit.ID {
				return NewPermanentError(fmt.Sprintf("plan unit %s depends on itself", unit.ID), nil).
					WithCode(ErrCodeValidation).WithResource(unit.CellID)
			}
			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("plan unit %s depends on non-existent unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithResource(unit.CellID)
			}

			// the dependency must complete before the unit can start
			b.dependents[targetID] = append(b.dependents[targetID], unit.ID)
			b.dependencies[unit.ID] = append(b.dependencies[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.visit(id, visited, onStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// visit walks dependents depth-first and returns the cycle path if one is found.
func (b *DAGBuilder) visit(nodeID string, visited, onStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	onStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := b.visit(dependent, visited, onStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	onStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels with Kahn's algorithm.
// Units at the same level can be executed in parallel.
func (b *DAGBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}

	current := make([]string, 0)
	for _, id := range b.order {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	if len(current) == 0 {
		return NewPermanentError("no root units found, every unit has dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.units) {
		return NewPermanentError("failed to process all units, possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildExecutionGraph creates the final ExecutionGraph structure.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.units)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, unitIDs := range b.levels {
		for _, unitID := range unitIDs {
			graph.Nodes[unitID] = &GraphNode{
				ID:           unitID,
				Level:        level,
				Dependencies: b.dependencies[unitID],
				Dependents:   b.dependents[unitID],
			}
			b.units[unitID].ExecutionOrder = level

			if level == 0 {
				graph.Roots = append(graph.Roots, unitID)
			}
		}
	}

	for _, id := range b.order {
		for _, dep := range b.units[id].Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   id,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// GetLevels returns the computed execution levels.
// Each level contains unit IDs that can be executed in parallel.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the rollout for Graphviz.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Rollout {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, unitIDs := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, unitID := range unitIDs {
			unit := b.units[unitID]
			fmt.Fprintf(&sb, "    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				unitID, unit.CellID, unit.Operation, operationColor(unit.Operation))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.units[id].Dependencies {
			fmt.Fprintf(&sb, "  \"%s\" -> \"%s\" [%s];\n", dep.TargetID, id, dependencyStyle(dep.Type))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func operationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationDeploy:
		return "lightblue"
	case OperationCanary:
		return "khaki"
	case OperationDelete:
		return "lightcoral"
	case OperationNoop:
		return "lightgray"
	default:
		return "white"
	}
}

func dependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyNotify:
		return "style=dashed, color=blue"
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if graph.Nodes[edge.From].Level >= graph.Nodes[edge.To].Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not increase level", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
