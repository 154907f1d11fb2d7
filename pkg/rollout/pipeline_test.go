package rollout

import (
	"context"
	"testing"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog"
)

func TestStageOf(t *testing.T) {
	tests := []struct {
		unit string
		want string
	}{
		{"deploy:sandbox", StageDeployToSandbox},
		{"canary:sandbox", StageCheckCanaryForSandbox},
		{"deploy:cell-1", StageDeployToOtherCells},
		{"canary:cell-1", StageDeployToOtherCells},
	}
	for _, tt := range tests {
		if got := StageOf(tt.unit, "sandbox"); got != tt.want {
			t.Errorf("StageOf(%s) = %s, want %s", tt.unit, got, tt.want)
		}
	}
}

func TestStages(t *testing.T) {
	report := &RunReport{Units: []*stores.PlanUnit{
		{ID: "deploy:sandbox", Status: string(engine.PlanStatusSucceeded)},
		{ID: "canary:sandbox", Status: string(engine.PlanStatusFailed)},
		{ID: "deploy:cell-1", Status: string(engine.PlanStatusCancelled)},
		{ID: "deploy:cell-2", Status: string(engine.PlanStatusCancelled)},
	}}

	stages := Stages(report, "sandbox")
	if len(stages) != 3 {
		t.Fatalf("got %d stages", len(stages))
	}
	want := []engine.PlanStatus{engine.PlanStatusSucceeded, engine.PlanStatusFailed, engine.PlanStatusCancelled}
	for i, stage := range stages {
		if stage.Name != StageOrder[i] {
			t.Errorf("stage %d = %s, want %s", i, stage.Name, StageOrder[i])
		}
		if stage.Status != want[i] {
			t.Errorf("stage %s status = %s, want %s", stage.Name, stage.Status, want[i])
		}
	}
	if len(stages[2].Units) != 2 {
		t.Errorf("other cells stage units = %v", stages[2].Units)
	}

	empty := Stages(&RunReport{}, "sandbox")
	for _, stage := range empty {
		if stage.Status != engine.PlanStatusSkipped {
			t.Errorf("empty stage %s status = %s", stage.Name, stage.Status)
		}
	}
}

func TestPipelineRun(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1", "cell-2")
	version := uploadVersion(t, env.store, "v2")

	pipeline := NewPipeline(env.svc, zerolog.Nop())
	run, err := pipeline.Run(ctx, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.User != "pipeline" {
		t.Errorf("run user = %s", run.User)
	}
	if id, _ := run.Metadata["pipeline_id"].(string); id == "" {
		t.Error("run has no pipeline id")
	}

	report, err := env.svc.Report(ctx, run.ID)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	for _, stage := range Stages(report, "sandbox") {
		if stage.Status != engine.PlanStatusSucceeded {
			t.Errorf("stage %s = %s, want succeeded", stage.Name, stage.Status)
		}
	}

	cells, _ := env.reg.List(ctx)
	for _, cell := range cells {
		if cell.TemplateVersion != version {
			t.Errorf("cell %s at v%d, want v%d", cell.ID, cell.TemplateVersion, version)
		}
	}
}
