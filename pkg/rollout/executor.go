package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/cellular/pkg/canary"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/registry"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// CanaryChecker runs one canary against a cell.
type CanaryChecker interface {
	Check(ctx context.Context, cellID string) (*stores.CanaryResult, error)
}

// Executor applies create, deploy and canary plan units to cells.
type Executor struct {
	registry    *registry.Registry
	provisioner provision.Provisioner
	checker     CanaryChecker
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
}

// NewExecutor creates an executor. tel may be nil.
func NewExecutor(reg *registry.Registry, provisioner provision.Provisioner, checker CanaryChecker, tel *telemetry.Telemetry, logger zerolog.Logger) *Executor {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Executor{
		registry:    reg,
		provisioner: provisioner,
		checker:     checker,
		tel:         tel,
		logger:      logger.With().Str("component", "rollout-executor").Logger(),
	}
}

// ExecuteUnit performs one attempt of a plan unit.
func (e *Executor) ExecuteUnit(ctx context.Context, unit *engine.PlanUnit) (*engine.ExecutionResult, error) {
	ctx, span := e.tel.Tracer.StartPlanUnitSpan(ctx, unit.ID, unit.CellID, string(unit.Operation))
	timer := telemetry.NewTimer()

	result := &engine.ExecutionResult{
		PlanUnitID: unit.ID,
		StartedAt:  time.Now(),
	}

	var err error
	switch unit.Operation {
	case engine.OperationDeploy, engine.OperationCreate:
		err = e.deploy(ctx, unit, result)
	case engine.OperationCanary:
		err = e.canary(ctx, unit, result)
	default:
		err = engine.NewPermanentError(fmt.Sprintf("unsupported operation %s", unit.Operation), nil).
			WithCode(engine.ErrCodeValidation).WithResource(unit.CellID)
	}

	result.CompletedAt = time.Now()
	result.Duration = timer.Duration()

	status := "succeeded"
	if err != nil {
		status = "failed"
		result.Status = engine.PlanStatusFailed
		e.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
	} else {
		result.Status = engine.PlanStatusSucceeded
	}
	e.tel.Metrics.RecordPlanUnitExecution(string(unit.Operation), status, result.Duration)
	telemetry.EndSpan(span, err)

	return result, err
}

// deploy moves the cell to the desired template version and image. A create
// unit provisions the stack of a cell whose earlier create failed.
func (e *Executor) deploy(ctx context.Context, unit *engine.PlanUnit, result *engine.ExecutionResult) error {
	desired, err := engine.DecodeCellState(unit.DesiredState)
	if err != nil {
		return engine.NewPermanentError("invalid desired state", err).
			WithCode(engine.ErrCodeValidation).WithResource(unit.CellID)
	}

	cell, err := e.registry.Get(ctx, unit.CellID)
	if err != nil {
		return err
	}
	if err := e.registry.SetStatus(ctx, cell.ID, stores.CellStatusUpdating); err != nil {
		return err
	}

	logger := e.logger.With().Str("cell_id", cell.ID).Int("version", desired.TemplateVersion).Logger()
	logger.Info().Str("operation", string(unit.Operation)).Msg("Deploying cell")

	input := provision.StackInput{
		StackName:       cell.StackName,
		CellID:          cell.ID,
		TemplateVersion: desired.TemplateVersion,
		ImageURI:        desired.ImageURI,
		Stage:           cell.Stage,
	}
	apply := e.provisioner.UpdateStack
	if unit.Operation == engine.OperationCreate {
		apply = e.provisioner.CreateStack
	}
	stack, err := apply(ctx, input)
	if err != nil {
		// a failed cell can be retried by the next attempt or rollout
		if serr := e.registry.SetStatus(context.WithoutCancel(ctx), cell.ID, stores.CellStatusFailed); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to mark cell failed")
		}
		logger.Error().Err(err).Msg("Cell deploy failed")
		if engine.IsRetryable(err) {
			return err
		}
		return engine.NewPermanentError(fmt.Sprintf("%s of cell %s failed", unit.Operation, cell.ID), err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(cell.ID).WithOperation(string(unit.Operation))
	}

	image := stack.Parameters["imageUri"]
	if err := e.registry.SetVersion(ctx, cell.ID, stack.TemplateVersion, image); err != nil {
		return err
	}
	if err := e.registry.SetStatus(ctx, cell.ID, stores.CellStatusActive); err != nil {
		return err
	}

	result.NewState = engine.CellState{
		TemplateVersion: stack.TemplateVersion,
		ImageURI:        image,
		Stage:           string(cell.Stage),
		Status:          string(stores.CellStatusActive),
	}.Marshal()
	result.Output, _ = json.Marshal(stack.Outputs)

	logger.Info().Msg("Cell deployed")
	return nil
}

// canary waits the unit's settle time once, then checks the cell.
func (e *Executor) canary(ctx context.Context, unit *engine.PlanUnit, result *engine.ExecutionResult) error {
	wait := canaryWait(unit)
	if wait > 0 {
		e.logger.Info().Str("cell_id", unit.CellID).Dur("wait", wait).Msg("Waiting before canary")
		if err := canary.Sleep(ctx, wait); err != nil {
			return engine.NewTransientError("canary wait interrupted", err).
				WithCode(engine.ErrCodeTimeout).WithResource(unit.CellID)
		}
		// retries check again without waiting
		unit.Metadata["waited"] = true
	}

	res, err := e.checker.Check(ctx, unit.CellID)
	if res != nil {
		result.Output, _ = json.Marshal(res)
	}
	return err
}

func canaryWait(unit *engine.PlanUnit) time.Duration {
	if unit.Metadata == nil {
		return 0
	}
	if waited, _ := unit.Metadata["waited"].(bool); waited {
		return 0
	}
	raw, _ := unit.Metadata["wait"].(string)
	wait, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return wait
}
