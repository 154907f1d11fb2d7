package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog"
)

func TestCanaryWait(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]interface{}
		want     time.Duration
	}{
		{"none", nil, 0},
		{"wait", map[string]interface{}{"wait": "6m0s"}, 6 * time.Minute},
		{"already waited", map[string]interface{}{"wait": "6m0s", "waited": true}, 0},
		{"garbage", map[string]interface{}{"wait": "soon"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := &engine.PlanUnit{Metadata: tt.metadata}
			if got := canaryWait(unit); got != tt.want {
				t.Errorf("canaryWait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_Deploy(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "cell-1")
	version := uploadVersion(t, env.store, "v2")

	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())
	unit := &engine.PlanUnit{
		ID:           engine.DeployUnitID("cell-1"),
		CellID:       "cell-1",
		Operation:    engine.OperationDeploy,
		DesiredState: engine.CellState{TemplateVersion: version, ImageURI: "registry.local/cell@sha256:abc"}.Marshal(),
	}

	result, err := exec.ExecuteUnit(ctx, unit)
	if err != nil {
		t.Fatalf("ExecuteUnit() error = %v", err)
	}
	if result.Status != engine.PlanStatusSucceeded {
		t.Errorf("status = %s", result.Status)
	}
	state, err := engine.DecodeCellState(result.NewState)
	if err != nil {
		t.Fatalf("DecodeCellState() error = %v", err)
	}
	if state.TemplateVersion != version || state.ImageURI != "registry.local/cell@sha256:abc" {
		t.Errorf("new state = %+v", state)
	}

	cell, _ := env.reg.Get(ctx, "cell-1")
	if cell.Status != stores.CellStatusActive || cell.TemplateVersion != version {
		t.Errorf("cell = %+v", cell)
	}
}

func TestExecutor_DeployFailureMarksCellFailed(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "cell-1")

	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())
	_, err := exec.ExecuteUnit(ctx, &engine.PlanUnit{
		ID:           engine.DeployUnitID("cell-1"),
		CellID:       "cell-1",
		Operation:    engine.OperationDeploy,
		DesiredState: engine.CellState{TemplateVersion: 42}.Marshal(),
	})
	if engine.CodeOf(err) != engine.ErrCodeProvisionFailed {
		t.Fatalf("error = %v, want PROVISION_FAILED", err)
	}
	if engine.IsRetryable(err) {
		t.Error("a missing template is not retryable")
	}

	cell, _ := env.reg.Get(ctx, "cell-1")
	if cell.Status != stores.CellStatusFailed {
		t.Errorf("status = %s, want failed", cell.Status)
	}
}

func TestExecutor_Canary(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())

	unit := &engine.PlanUnit{
		ID:        engine.CanaryUnitID("sandbox"),
		CellID:    "sandbox",
		Operation: engine.OperationCanary,
		Metadata:  map[string]interface{}{"wait": "1ms"},
	}
	if _, err := exec.ExecuteUnit(ctx, unit); err != nil {
		t.Fatalf("ExecuteUnit() error = %v", err)
	}
	if waited, _ := unit.Metadata["waited"].(bool); !waited {
		t.Error("unit should be marked as waited")
	}

	env.checker.fail["sandbox"] = errors.New("boom")
	result, err := exec.ExecuteUnit(ctx, unit)
	if err == nil {
		t.Fatal("expected canary failure")
	}
	if result.Status != engine.PlanStatusFailed || len(result.Output) == 0 {
		t.Errorf("result = %+v", result)
	}
	if got := env.checker.checked(); len(got) != 2 {
		t.Errorf("checks = %v", got)
	}
}

func TestExecutor_CanaryWaitInterrupted(t *testing.T) {
	env := setupService(t, policy.Settings{})
	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.ExecuteUnit(ctx, &engine.PlanUnit{
		ID:        engine.CanaryUnitID("sandbox"),
		CellID:    "sandbox",
		Operation: engine.OperationCanary,
		Metadata:  map[string]interface{}{"wait": "1h"},
	})
	if !engine.IsRetryable(err) || engine.CodeOf(err) != engine.ErrCodeTimeout {
		t.Errorf("error = %v, want retryable TIMEOUT", err)
	}
	if len(env.checker.checked()) != 0 {
		t.Error("interrupted wait must not check")
	}
}

func TestExecutor_Create(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	failedCell(t, env, "cell-1")

	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())
	unit := &engine.PlanUnit{
		ID:           engine.DeployUnitID("cell-1"),
		CellID:       "cell-1",
		Operation:    engine.OperationCreate,
		DesiredState: engine.CellState{TemplateVersion: 1}.Marshal(),
	}
	if _, err := exec.ExecuteUnit(ctx, unit); err != nil {
		t.Fatalf("ExecuteUnit() error = %v", err)
	}

	cell, _ := env.reg.Get(ctx, "cell-1")
	if cell.Status != stores.CellStatusActive || cell.TemplateVersion != 1 {
		t.Errorf("cell = %+v", cell)
	}

	// a second create finds the stack and fails without retrying
	_, err := exec.ExecuteUnit(ctx, unit)
	if err == nil || engine.IsRetryable(err) {
		t.Errorf("second create error = %v, want permanent", err)
	}
}

func TestExecutor_UnsupportedOperation(t *testing.T) {
	env := setupService(t, policy.Settings{})
	exec := NewExecutor(env.reg, env.prov, env.checker, nil, zerolog.Nop())

	_, err := exec.ExecuteUnit(context.Background(), &engine.PlanUnit{ID: "x", CellID: "cell-1", Operation: engine.OperationDelete})
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("error = %v", err)
	}
}
