// Package registry maintains the cell registry and publishes the routing
// table that maps every active cell to its endpoint.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// OutputDNSName is the stack output holding a cell's endpoint.
const OutputDNSName = "dnsName"

var cellIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateCellID checks a cell identifier against the allowed pattern.
func ValidateCellID(id string) error {
	if !cellIDPattern.MatchString(id) {
		return engine.NewPermanentError(fmt.Sprintf("invalid cell id %q: must match [a-z0-9-]+", id), nil).
			WithCode(engine.ErrCodeValidation).WithResource(id)
	}
	return nil
}

// StackName returns the provisioned stack name of a cell.
func StackName(cellID string) string {
	return "Cell-" + cellID
}

// transitions lists the allowed status changes. Any status may move to deleting.
var transitions = map[stores.CellStatus][]stores.CellStatus{
	stores.CellStatusCreating: {stores.CellStatusActive, stores.CellStatusFailed},
	stores.CellStatusActive:   {stores.CellStatusUpdating},
	stores.CellStatusUpdating: {stores.CellStatusActive, stores.CellStatusFailed},
	stores.CellStatusFailed:   {stores.CellStatusUpdating, stores.CellStatusActive},
}

// CanTransition reports whether a cell may move from one status to another.
func CanTransition(from, to stores.CellStatus) bool {
	if to == stores.CellStatusDeleting || from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Registry is the cell registry backed by the state store.
type Registry struct {
	store  stores.Store
	events *telemetry.EventPublisher
	logger zerolog.Logger
	pick   func(n int) int
}

// New creates a registry. events may be nil.
func New(store stores.Store, events *telemetry.EventPublisher, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		events: events,
		logger: logger.With().Str("component", "registry").Logger(),
		pick:   rand.IntN,
	}
}

// Register adds a cell in the creating status.
func (r *Registry) Register(ctx context.Context, cellID string, stage stores.Stage) (*stores.Cell, error) {
	if err := ValidateCellID(cellID); err != nil {
		return nil, err
	}
	if stage == "" {
		stage = stores.StageProd
	}
	if stage != stores.StageProd && stage != stores.StageSandbox {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid stage %q", stage), nil).
			WithCode(engine.ErrCodeValidation).WithResource(cellID)
	}

	cell := &stores.Cell{
		ID:        cellID,
		StackName: StackName(cellID),
		Status:    stores.CellStatusCreating,
		Stage:     stage,
	}
	if err := r.store.CreateCell(ctx, cell); err != nil {
		return nil, storeError(err, cellID)
	}

	r.logger.Info().Str("cell_id", cellID).Str("stage", string(stage)).Msg("Cell registered")
	return cell, nil
}

// Get returns a cell.
func (r *Registry) Get(ctx context.Context, cellID string) (*stores.Cell, error) {
	cell, err := r.store.GetCell(ctx, cellID)
	if err != nil {
		return nil, storeError(err, cellID)
	}
	return cell, nil
}

// List returns every cell ordered by ID.
func (r *Registry) List(ctx context.Context) ([]*stores.Cell, error) {
	return r.store.ListCells(ctx, stores.CellFilter{})
}

// Active returns the cells serving traffic.
func (r *Registry) Active(ctx context.Context) ([]*stores.Cell, error) {
	return r.store.ListCells(ctx, stores.CellFilter{Status: stores.CellStatusActive})
}

// ActiveProd returns the active cells new users can be assigned to.
func (r *Registry) ActiveProd(ctx context.Context) ([]*stores.Cell, error) {
	return r.store.ListCells(ctx, stores.CellFilter{Status: stores.CellStatusActive, Stage: stores.StageProd})
}

// AssignCell picks a uniformly random active prod cell.
func (r *Registry) AssignCell(ctx context.Context) (*stores.Cell, error) {
	cells, err := r.ActiveProd(ctx)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, engine.NewPermanentError("no active prod cells available", nil).WithCode(engine.ErrCodeNotFound)
	}
	return cells[r.pick(len(cells))], nil
}

// SetStatus moves a cell to a new status, rejecting invalid transitions.
func (r *Registry) SetStatus(ctx context.Context, cellID string, status stores.CellStatus) error {
	cell, err := r.Get(ctx, cellID)
	if err != nil {
		return err
	}
	if !CanTransition(cell.Status, status) {
		return engine.NewPermanentError(fmt.Sprintf("cell %s cannot move from %s to %s", cellID, cell.Status, status), nil).
			WithCode(engine.ErrCodeConflict).WithResource(cellID)
	}
	if cell.Status == status {
		return nil
	}

	if err := r.store.UpdateCellStatus(ctx, cellID, status); err != nil {
		return storeError(err, cellID)
	}

	r.logger.Info().
		Str("cell_id", cellID).
		Str("from", string(cell.Status)).
		Str("to", string(status)).
		Msg("Cell status changed")
	_ = r.events.PublishCellStatusChanged(cellID, string(cell.Status), string(status))
	return nil
}

// SetVersion records the template version and image a cell runs.
func (r *Registry) SetVersion(ctx context.Context, cellID string, version int, imageURI string) error {
	if err := r.store.UpdateCellVersion(ctx, cellID, version, imageURI); err != nil {
		return storeError(err, cellID)
	}
	return nil
}

// Remove deletes a cell that is in the deleting status.
func (r *Registry) Remove(ctx context.Context, cellID string) error {
	cell, err := r.Get(ctx, cellID)
	if err != nil {
		return err
	}
	if cell.Status != stores.CellStatusDeleting {
		return engine.NewConflictError(fmt.Sprintf("cell %s must be deleting before removal, is %s", cellID, cell.Status), nil).
			WithCode(engine.ErrCodeConflict).WithResource(cellID)
	}
	if err := r.store.DeleteCell(ctx, cellID); err != nil {
		return storeError(err, cellID)
	}
	r.logger.Info().Str("cell_id", cellID).Msg("Cell removed")
	return nil
}

// Endpoint returns the DNS name of a cell's stack.
func (r *Registry) Endpoint(ctx context.Context, cellID string) (string, error) {
	stack, err := r.store.GetStack(ctx, StackName(cellID))
	if err != nil {
		return "", storeError(err, cellID)
	}
	dns := stack.Outputs[OutputDNSName]
	if dns == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("stack %s has no %s output", stack.Name, OutputDNSName), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(cellID)
	}
	return dns, nil
}

// RoutingTable maps every active cell to its endpoint. Active cells without a
// stack are logged and left out.
func (r *Registry) RoutingTable(ctx context.Context) (map[string]string, error) {
	cells, err := r.Active(ctx)
	if err != nil {
		return nil, err
	}

	table := make(map[string]string, len(cells))
	for _, cell := range cells {
		dns, err := r.Endpoint(ctx, cell.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("cell_id", cell.ID).Msg("Active cell has no endpoint")
			continue
		}
		table[cell.ID] = dns
	}
	return table, nil
}

// storeError classifies store sentinel errors.
func storeError(err error, cellID string) error {
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return engine.NewPermanentError(fmt.Sprintf("cell %s not found", cellID), err).
			WithCode(engine.ErrCodeNotFound).WithResource(cellID)
	case errors.Is(err, stores.ErrAlreadyExists):
		return engine.NewPermanentError(fmt.Sprintf("cell %s already exists", cellID), err).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(cellID)
	default:
		return engine.NewTransientError("state store failure", err).WithCode(engine.ErrCodeInternal).WithResource(cellID)
	}
}
