package rollout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
)

func setupState(t *testing.T) (*StoreState, *stores.SQLiteStore, *telemetry.EventPublisher) {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	return NewStoreState(store, events), store, events
}

func TestStoreState_Runs(t *testing.T) {
	state, _, _ := setupState(t)
	ctx := context.Background()

	run := &engine.Run{
		ID:        uuid.New().String(),
		PlanID:    "plan-1",
		Status:    engine.RunStatusPending,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		User:      "admin",
		Summary:   engine.RunSummary{Total: 2, Pending: 2},
		Metadata:  map[string]interface{}{"pipeline_id": "p-1"},
	}
	if err := state.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() create error = %v", err)
	}

	completed := run.StartedAt.Add(time.Minute)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &completed
	run.Summary = engine.RunSummary{Total: 2, Succeeded: 2}
	if err := state.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() update error = %v", err)
	}

	got, err := state.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusSucceeded || got.Summary.Succeeded != 2 || got.User != "admin" {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.Duration != time.Minute {
		t.Errorf("duration = %v, want 1m", got.Duration)
	}
	if got.Metadata["pipeline_id"] != "p-1" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if _, err := state.GetRun(ctx, "missing"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("GetRun(missing) error = %v", err)
	}
}

func TestStoreState_PlanUnitsAndEvents(t *testing.T) {
	state, store, events := setupState(t)
	ctx := context.Background()

	run := &engine.Run{ID: uuid.New().String(), PlanID: "plan-1", Status: engine.RunStatusRunning, StartedAt: time.Now()}
	if err := state.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	now := time.Now()
	unit := &engine.PlanUnit{
		ID:           engine.DeployUnitID("cell-1"),
		CellID:       "cell-1",
		Operation:    engine.OperationDeploy,
		Status:       engine.PlanStatusFailed,
		Dependencies: []engine.Dependency{{TargetID: engine.CanaryUnitID("sandbox"), Type: engine.DependencyRequire}},
		DesiredState: engine.CellState{TemplateVersion: 2}.Marshal(),
		Result: &engine.ExecutionResult{
			Attempts:    3,
			StartedAt:   now,
			CompletedAt: now,
			Error:       engine.NewPermanentError("stack update failed", nil),
		},
	}
	if err := state.SavePlanUnit(ctx, run.ID, unit); err != nil {
		t.Fatalf("SavePlanUnit() error = %v", err)
	}

	units, err := store.ListPlanUnits(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListPlanUnits() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("got %d units", len(units))
	}
	u := units[0]
	if u.Dependencies != `["canary:sandbox"]` || u.Attempts != 3 || u.Error == nil || !strings.Contains(*u.Error, "stack update failed") {
		t.Errorf("unit = %+v", u)
	}

	var forwarded []telemetry.Event
	events.Subscribe(func(e telemetry.Event) { forwarded = append(forwarded, e) }, nil)

	err = state.Publish(ctx, &engine.Event{
		ID:         uuid.New().String(),
		Type:       engine.EventTypePlanUnitFailed,
		RunID:      run.ID,
		PlanUnitID: unit.ID,
		CellID:     "cell-1",
		Message:    "deploy failed",
		Level:      "error",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	stored, err := store.ListEvents(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(stored) != 1 || stored[0].Type != string(engine.EventTypePlanUnitFailed) {
		t.Errorf("stored events = %+v", stored)
	}
	if len(forwarded) != 1 || forwarded[0].Source != "rollout" || forwarded[0].CellID != "cell-1" {
		t.Errorf("forwarded events = %+v", forwarded)
	}
}
