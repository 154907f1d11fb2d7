package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
)

// StoreState persists runs, plan units and rollout events in the state store
// and forwards events to in-process subscribers. It implements both
// engine.StateManager and engine.EventPublisher.
type StoreState struct {
	store  stores.Store
	events *telemetry.EventPublisher
}

// NewStoreState creates the adapter. events may be nil.
func NewStoreState(store stores.Store, events *telemetry.EventPublisher) *StoreState {
	return &StoreState{store: store, events: events}
}

// SaveRun creates or updates a run.
func (s *StoreState) SaveRun(ctx context.Context, run *engine.Run) error {
	row, err := runToStore(run)
	if err != nil {
		return err
	}

	err = s.store.UpdateRun(ctx, row)
	if errors.Is(err, stores.ErrNotFound) {
		err = s.store.CreateRun(ctx, row)
	}
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *StoreState) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	row, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewPermanentError(fmt.Sprintf("run %s not found", runID), err).
				WithCode(engine.ErrCodeNotFound).WithResource(runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return runFromStore(row)
}

// SavePlanUnit records the state of a plan unit within a run.
func (s *StoreState) SavePlanUnit(ctx context.Context, runID string, unit *engine.PlanUnit) error {
	deps := make([]string, 0, len(unit.Dependencies))
	for _, d := range unit.Dependencies {
		deps = append(deps, d.TargetID)
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	row := &stores.PlanUnit{
		RunID:          runID,
		ID:             unit.ID,
		CellID:         unit.CellID,
		Operation:      string(unit.Operation),
		Status:         string(unit.Status),
		Dependencies:   string(depsJSON),
		DesiredState:   rawString(unit.DesiredState),
		ActualState:    rawString(unit.ActualState),
		ExecutionOrder: unit.ExecutionOrder,
	}
	if r := unit.Result; r != nil {
		row.Attempts = r.Attempts
		if !r.StartedAt.IsZero() {
			started := r.StartedAt
			row.StartedAt = &started
		}
		if !r.CompletedAt.IsZero() {
			completed := r.CompletedAt
			row.CompletedAt = &completed
		}
		if r.Error != nil {
			msg := r.Error.Error()
			row.Error = &msg
		}
	}

	if err := s.store.SavePlanUnit(ctx, row); err != nil {
		return fmt.Errorf("failed to save plan unit %s: %w", unit.ID, err)
	}
	return nil
}

// Publish appends the event to the store and forwards it to subscribers.
func (s *StoreState) Publish(ctx context.Context, event *engine.Event) error {
	row := &stores.Event{
		EventID:    event.ID,
		RunID:      optional(event.RunID),
		PlanUnitID: optional(event.PlanUnitID),
		CellID:     optional(event.CellID),
		Type:       string(event.Type),
		Level:      stores.EventLevel(event.Level),
		Message:    event.Message,
		Timestamp:  event.Timestamp,
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err == nil {
			row.Details = optional(string(details))
		}
	}
	if row.Level == "" {
		row.Level = stores.EventLevelInfo
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}

	if err := s.store.AppendEvent(ctx, row); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return s.events.Publish(telemetry.Event{
		ID:         event.ID,
		Timestamp:  row.Timestamp,
		Type:       string(event.Type),
		Source:     "rollout",
		RunID:      event.RunID,
		PlanUnitID: event.PlanUnitID,
		CellID:     event.CellID,
		Message:    event.Message,
		Level:      string(row.Level),
		Data:       event.Details,
	})
}

func runToStore(run *engine.Run) (*stores.Run, error) {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run summary: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run metadata: %w", err)
	}
	return &stores.Run{
		ID:          run.ID,
		PlanID:      run.PlanID,
		Status:      string(run.Status),
		StartedBy:   run.User,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Summary:     string(summary),
		Metadata:    string(metadata),
	}, nil
}

func runFromStore(row *stores.Run) (*engine.Run, error) {
	run := &engine.Run{
		ID:          row.ID,
		PlanID:      row.PlanID,
		Status:      engine.RunStatus(row.Status),
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		User:        row.StartedBy,
	}
	if row.CompletedAt != nil {
		run.Duration = row.CompletedAt.Sub(row.StartedAt)
	}
	if row.Summary != "" {
		if err := json.Unmarshal([]byte(row.Summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	return run, nil
}

func rawString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
