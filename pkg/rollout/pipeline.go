package rollout

import (
	"context"

	"github.com/google/uuid"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/rs/zerolog"
)

// Pipeline stages. A pipeline run is a single rollout DAG; the stages name
// its levels.
const (
	StageDeployToSandbox       = "DeployToSandbox"
	StageCheckCanaryForSandbox = "CheckCanaryForSandbox"
	StageDeployToOtherCells    = "DeployToOtherCells"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []string{
	StageDeployToSandbox,
	StageCheckCanaryForSandbox,
	StageDeployToOtherCells,
}

// StageOf returns the pipeline stage a plan unit belongs to.
func StageOf(unitID, sandbox string) string {
	switch unitID {
	case engine.DeployUnitID(sandbox):
		return StageDeployToSandbox
	case engine.CanaryUnitID(sandbox):
		return StageCheckCanaryForSandbox
	default:
		return StageDeployToOtherCells
	}
}

// Pipeline deploys a template version to the sandbox, waits for its canary
// and then updates every other cell.
type Pipeline struct {
	service *Service
	logger  zerolog.Logger
}

// NewPipeline creates a deployment pipeline over service.
func NewPipeline(service *Service, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		service: service,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run rolls version out to all cells. Zero means the latest template.
func (p *Pipeline) Run(ctx context.Context, version int) (*engine.Run, error) {
	id := uuid.New().String()
	p.logger.Info().Str("pipeline_id", id).Int("template_version", version).Msg("Pipeline started")

	run, err := p.service.UpdateCells(ctx, UpdateInput{
		TemplateVersion: version,
		PipelineID:      id,
		User:            "pipeline",
	})
	if err != nil {
		p.logger.Error().Err(err).Str("pipeline_id", id).Msg("Pipeline failed")
		return run, err
	}

	p.logger.Info().Str("pipeline_id", id).Str("run_id", run.ID).Msg("Pipeline finished")
	return run, nil
}

// StageStatus summarizes the units of one pipeline stage.
type StageStatus struct {
	Name   string            `json:"name"`
	Status engine.PlanStatus `json:"status"`
	Units  []string          `json:"units"`
}

// Stages groups a run report into pipeline stages. A stage is failed if any
// unit failed, running if any unit is running, succeeded when every unit
// succeeded or was a noop, and pending otherwise.
func Stages(report *RunReport, sandbox string) []StageStatus {
	byStage := make(map[string]*StageStatus, len(StageOrder))
	for _, name := range StageOrder {
		byStage[name] = &StageStatus{Name: name, Status: engine.PlanStatusPending}
	}

	counts := make(map[string]map[engine.PlanStatus]int, len(StageOrder))
	for _, unit := range report.Units {
		name := StageOf(unit.ID, sandbox)
		stage := byStage[name]
		stage.Units = append(stage.Units, unit.ID)
		if counts[name] == nil {
			counts[name] = make(map[engine.PlanStatus]int)
		}
		counts[name][engine.PlanStatus(unit.Status)]++
	}

	stages := make([]StageStatus, 0, len(StageOrder))
	for _, name := range StageOrder {
		stage := byStage[name]
		c := counts[name]
		switch {
		case len(stage.Units) == 0:
			stage.Status = engine.PlanStatusSkipped
		case c[engine.PlanStatusFailed] > 0:
			stage.Status = engine.PlanStatusFailed
		case c[engine.PlanStatusRunning] > 0:
			stage.Status = engine.PlanStatusRunning
		case c[engine.PlanStatusCancelled] > 0:
			stage.Status = engine.PlanStatusCancelled
		case c[engine.PlanStatusSucceeded]+c[engine.PlanStatusSkipped] == len(stage.Units) && c[engine.PlanStatusSucceeded] > 0:
			stage.Status = engine.PlanStatusSucceeded
		case c[engine.PlanStatusSkipped] == len(stage.Units):
			stage.Status = engine.PlanStatusSkipped
		}
		stages = append(stages, *stage)
	}
	return stages
}
