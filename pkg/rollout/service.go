// Package rollout creates, deletes and updates cells. Updates run as a
// DAG: the sandbox is deployed and canaried before any other cell.
package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/registry"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// PolicyChecker evaluates rollout and cell policies.
type PolicyChecker interface {
	engine.PolicyEngine
	EvaluateCell(ctx context.Context, operation string, cell policy.CellInput) (*engine.PolicyResult, error)
}

// Options tune rollouts.
type Options struct {
	SandboxCell     string
	CanaryWait      time.Duration
	CanaryEveryCell bool
	MaxParallel     int
	MaxRetries      int
	UnitTimeout     time.Duration

	// BackoffBase is the first retry delay of failed units.
	BackoffBase time.Duration
}

// CreateCellInput describes a new cell.
type CreateCellInput struct {
	CellID          string       `validate:"required,max=63"`
	Stage           stores.Stage `validate:"omitempty,oneof=prod sandbox"`
	ImageURI        string
	TemplateVersion int `validate:"gte=0"`
	User            string
}

// UpdateInput describes a rollout of a template version.
type UpdateInput struct {
	// CellIDs selects the cells to update. Empty means every cell that is
	// active or failed.
	CellIDs []string `validate:"dive,required"`

	// TemplateVersion defaults to the latest stored template.
	TemplateVersion int `validate:"gte=0"`

	// ImageURI overrides the template image.
	ImageURI string

	PipelineID string

	// Wait overrides the configured sandbox canary wait when positive.
	Wait time.Duration `validate:"gte=0"`

	DryRun bool
	Force  bool
	User   string
}

// Service orchestrates cell lifecycles.
type Service struct {
	store       stores.Store
	registry    *registry.Registry
	provisioner provision.Provisioner
	policies    PolicyChecker
	planner     *engine.RolloutPlanner
	scheduler   *engine.ParallelScheduler
	state       *StoreState
	tel         *telemetry.Telemetry
	opts        Options
	validate    *validator.Validate
	logger      zerolog.Logger
}

// NewService wires the rollout service. tel may be nil.
func NewService(
	store stores.Store,
	reg *registry.Registry,
	provisioner provision.Provisioner,
	checker CanaryChecker,
	policies PolicyChecker,
	tel *telemetry.Telemetry,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if opts.SandboxCell == "" {
		opts.SandboxCell = engine.DefaultSandboxCell
	}

	state := NewStoreState(store, tel.Events)
	executor := NewExecutor(reg, provisioner, checker, tel, logger)
	scheduler := engine.NewParallelScheduler(opts.MaxParallel, executor, state, state)
	scheduler.SetBackoffBase(opts.BackoffBase)

	return &Service{
		store:       store,
		registry:    reg,
		provisioner: provisioner,
		policies:    policies,
		planner:     engine.NewRolloutPlanner(),
		scheduler:   scheduler,
		state:       state,
		tel:         tel,
		opts:        opts,
		validate:    validator.New(),
		logger:      logger.With().Str("component", "rollout").Logger(),
	}
}

// Registry returns the cell registry the service manages.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// SandboxCell returns the sandbox cell ID.
func (s *Service) SandboxCell() string {
	return s.opts.SandboxCell
}

// CreateCell registers a cell, creates its stack and activates it. When the
// stack cannot be created the cell is marked failed and the partial stack is
// removed.
func (s *Service) CreateCell(ctx context.Context, input CreateCellInput) (*stores.Cell, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, engine.NewPermanentError("invalid cell input", err).
			WithCode(engine.ErrCodeValidation).WithResource(input.CellID)
	}
	if input.Stage == "" {
		input.Stage = stores.StageProd
		if input.CellID == s.opts.SandboxCell {
			input.Stage = stores.StageSandbox
		}
	}

	version, err := s.templateVersion(ctx, input.TemplateVersion)
	if err != nil {
		return nil, err
	}

	if err := s.checkCell(ctx, policy.OperationCreate, policy.CellInput{
		ID:       input.CellID,
		Stage:    string(input.Stage),
		ImageURI: input.ImageURI,
	}); err != nil {
		return nil, err
	}

	cell, err := s.registry.Register(ctx, input.CellID, input.Stage)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With().Str("cell_id", cell.ID).Logger()

	stack, err := s.provisioner.CreateStack(ctx, provision.StackInput{
		StackName:       cell.StackName,
		CellID:          cell.ID,
		TemplateVersion: version,
		ImageURI:        input.ImageURI,
		Stage:           cell.Stage,
	})
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if serr := s.registry.SetStatus(cleanupCtx, cell.ID, stores.CellStatusFailed); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to mark cell failed")
		}
		// an existing stack belongs to someone else
		if engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
			if derr := s.provisioner.DeleteStack(cleanupCtx, cell.StackName); derr != nil {
				logger.Warn().Err(derr).Msg("Failed to delete partial stack")
			}
		}
		s.tel.Metrics.RecordError(string(engine.ClassOf(err)), engine.ErrCodeProvisionFailed)
		logger.Error().Err(err).Msg("Cell creation failed")
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to create cell %s", cell.ID), err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(cell.ID).WithOperation("create")
	}

	if err := s.registry.SetVersion(ctx, cell.ID, stack.TemplateVersion, stack.Parameters["imageUri"]); err != nil {
		return nil, err
	}
	if err := s.registry.SetStatus(ctx, cell.ID, stores.CellStatusActive); err != nil {
		return nil, err
	}

	s.audit(ctx, "cell.created", input.User, cell.ID, map[string]interface{}{
		"stage":            cell.Stage,
		"template_version": stack.TemplateVersion,
		"dns_name":         stack.Outputs[provision.OutputDNSName],
	})
	s.refreshCellGauge(ctx)
	logger.Info().Int("template_version", stack.TemplateVersion).Msg("Cell created")

	return s.registry.Get(ctx, cell.ID)
}

// DeleteCell removes a cell and its stack. Items stored in the cell are not
// migrated.
func (s *Service) DeleteCell(ctx context.Context, cellID, user string) error {
	cell, err := s.registry.Get(ctx, cellID)
	if err != nil {
		return err
	}

	if err := s.checkCell(ctx, policy.OperationDelete, policy.CellInput{
		ID:       cell.ID,
		Stage:    string(cell.Stage),
		ImageURI: cell.ImageURI,
	}); err != nil {
		return err
	}

	if err := s.registry.SetStatus(ctx, cell.ID, stores.CellStatusDeleting); err != nil {
		return err
	}
	if err := s.provisioner.DeleteStack(ctx, cell.StackName); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to delete stack of cell %s", cell.ID), err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(cell.ID).WithOperation("delete")
	}
	if err := s.registry.Remove(ctx, cell.ID); err != nil {
		return err
	}

	s.audit(ctx, "cell.deleted", user, cell.ID, nil)
	s.refreshCellGauge(ctx)
	s.logger.Info().Str("cell_id", cell.ID).Msg("Cell deleted")
	return nil
}

// UpdateCells rolls a template version out to cells and blocks until the
// run is terminal. The run is returned whenever it started, also on failure.
func (s *Service) UpdateCells(ctx context.Context, input UpdateInput) (*engine.Run, error) {
	plan, err := s.Plan(ctx, input)
	if err != nil {
		return nil, err
	}

	result, err := s.policies.EvaluatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	if err := s.policyError(result, "", plan.ID); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		s.logger.Warn().Str("plan_id", plan.ID).Msg(w)
	}

	user := input.User
	if user == "" {
		user = "cli"
	}
	metadata := map[string]interface{}{}
	if input.PipelineID != "" {
		metadata["pipeline_id"] = input.PipelineID
	}

	ctx, span := s.tel.Tracer.StartRunSpan(ctx, "", plan.ID)
	s.tel.Metrics.RecordRunStarted(user)
	timer := telemetry.NewTimer()

	run, err := s.scheduler.Run(ctx, plan, engine.ScheduleOptions{
		MaxParallel: s.opts.MaxParallel,
		DryRun:      input.DryRun,
		FailFast:    true,
		User:        user,
		Metadata:    metadata,
	})

	status := "failed"
	if run != nil {
		status = string(run.Status)
		span.SetAttributes(telemetry.AttrRunID.String(run.ID))
	}
	s.tel.Metrics.RecordRunCompleted(status, timer.Duration())
	telemetry.EndSpan(span, err)

	if err != nil {
		s.logger.Error().Err(err).Str("plan_id", plan.ID).Str("status", status).Msg("Rollout failed")
		return run, err
	}

	s.refreshCellGauge(ctx)
	s.logger.Info().
		Str("run_id", run.ID).
		Str("status", status).
		Int("succeeded", run.Summary.Succeeded).
		Msg("Rollout finished")
	return run, nil
}

// Plan builds the rollout plan of input without evaluating policies or
// running it.
func (s *Service) Plan(ctx context.Context, input UpdateInput) (*engine.Plan, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, engine.NewPermanentError("invalid update input", err).WithCode(engine.ErrCodeValidation)
	}

	version, err := s.templateVersion(ctx, input.TemplateVersion)
	if err != nil {
		return nil, err
	}

	cells, err := s.selectCells(ctx, input.CellIDs)
	if err != nil {
		return nil, err
	}

	targets := make([]engine.CellTarget, 0, len(cells))
	for _, cell := range cells {
		missing, err := s.stackMissing(ctx, cell)
		if err != nil {
			return nil, err
		}
		targets = append(targets, engine.CellTarget{
			Missing: missing,
			CellID: cell.ID,
			Stage:  string(cell.Stage),
			Current: engine.CellState{
				TemplateVersion: cell.TemplateVersion,
				ImageURI:        cell.ImageURI,
				Stage:           string(cell.Stage),
				Status:          string(cell.Status),
			},
		})
	}

	wait := s.opts.CanaryWait
	if input.Wait > 0 {
		wait = input.Wait
	}

	return s.planner.BuildPlan(ctx, engine.RolloutRequest{
		Cells:           targets,
		Desired:         engine.CellState{TemplateVersion: version, ImageURI: input.ImageURI},
		SandboxCellID:   s.opts.SandboxCell,
		CanaryWait:      wait,
		CanaryEveryCell: s.opts.CanaryEveryCell,
		Force:           input.Force,
		PipelineID:      input.PipelineID,
		MaxRetries:      s.opts.MaxRetries,
		Timeout:         s.opts.UnitTimeout,
	})
}

// stackMissing reports whether a failed cell never got its stack.
func (s *Service) stackMissing(ctx context.Context, cell *stores.Cell) (bool, error) {
	if cell.Status != stores.CellStatusFailed {
		return false, nil
	}
	_, err := s.provisioner.DescribeStack(ctx, cell.StackName)
	switch {
	case err == nil:
		return false, nil
	case engine.CodeOf(err) == engine.ErrCodeNotFound:
		return true, nil
	default:
		return false, err
	}
}

// selectCells resolves the requested cells, or every updatable cell.
func (s *Service) selectCells(ctx context.Context, ids []string) ([]*stores.Cell, error) {
	if len(ids) == 0 {
		all, err := s.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		cells := make([]*stores.Cell, 0, len(all))
		for _, cell := range all {
			if cell.Status == stores.CellStatusActive || cell.Status == stores.CellStatusFailed {
				cells = append(cells, cell)
			}
		}
		if len(cells) == 0 {
			return nil, engine.NewPermanentError("no cells to update", nil).WithCode(engine.ErrCodeNotFound)
		}
		return cells, nil
	}

	cells := make([]*stores.Cell, 0, len(ids))
	for _, id := range ids {
		cell, err := s.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cell.Status == stores.CellStatusCreating || cell.Status == stores.CellStatusDeleting {
			return nil, engine.NewConflictError(fmt.Sprintf("cell %s is %s", id, cell.Status), nil).
				WithCode(engine.ErrCodeConflict).WithResource(id)
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func (s *Service) templateVersion(ctx context.Context, version int) (int, error) {
	if version > 0 {
		if _, err := s.store.GetTemplate(ctx, version); err != nil {
			return 0, templateError(err, fmt.Sprintf("template version %d not found", version))
		}
		return version, nil
	}
	latest, err := s.store.LatestTemplate(ctx)
	if err != nil {
		return 0, templateError(err, "no template uploaded")
	}
	return latest.Version, nil
}

func templateError(err error, msg string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound)
	}
	return engine.NewTransientError("failed to read template", err).WithCode(engine.ErrCodeInternal)
}

func (s *Service) checkCell(ctx context.Context, operation string, cell policy.CellInput) error {
	result, err := s.policies.EvaluateCell(ctx, operation, cell)
	if err != nil {
		return fmt.Errorf("failed to evaluate policies: %w", err)
	}
	for _, w := range result.Warnings {
		s.logger.Warn().Str("cell_id", cell.ID).Msg(w)
	}
	return s.policyError(result, cell.ID, "")
}

// policyError turns a denied result into a POLICY_DENIED error and reports
// every violation.
func (s *Service) policyError(result *engine.PolicyResult, cellID, planID string) error {
	for _, v := range result.Violations {
		level := telemetry.EventLevelWarning
		if policy.Severity(v.Severity).Blocking() {
			level = telemetry.EventLevelError
		}
		_ = s.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyViolation,
			Source:  "policy",
			CellID:  v.ResourceID,
			Message: fmt.Sprintf("%s: %s", v.Policy, v.Message),
			Level:   level,
			Data:    map[string]interface{}{"policy": v.Policy, "plan_id": planID},
		})
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if policy.Severity(v.Severity).Blocking() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	sort.Strings(msgs)
	err := engine.NewPermanentError("denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
	if cellID != "" {
		err = err.WithResource(cellID)
	}
	return err
}

func (s *Service) audit(ctx context.Context, action, actor, target string, details map[string]interface{}) {
	if actor == "" {
		actor = "system"
	}
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    actor,
		TargetID: &target,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			d := string(data)
			entry.Details = &d
		}
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// refreshCellGauge recomputes the cells-by-status gauge.
func (s *Service) refreshCellGauge(ctx context.Context) {
	cells, err := s.registry.List(ctx)
	if err != nil {
		return
	}
	counts := make(map[[2]string]float64)
	for _, status := range []stores.CellStatus{
		stores.CellStatusCreating, stores.CellStatusActive, stores.CellStatusUpdating,
		stores.CellStatusFailed, stores.CellStatusDeleting,
	} {
		for _, stage := range []stores.Stage{stores.StageProd, stores.StageSandbox} {
			counts[[2]string{string(status), string(stage)}] = 0
		}
	}
	for _, cell := range cells {
		counts[[2]string{string(cell.Status), string(cell.Stage)}]++
	}
	for key, n := range counts {
		s.tel.Metrics.SetCellCount(key[0], key[1], n)
	}
}

// RunReport is a persisted run with its units and events.
type RunReport struct {
	Run    *engine.Run        `json:"run"`
	Units  []*stores.PlanUnit `json:"units"`
	Events []*stores.Event    `json:"events"`
}

// Report loads a run and everything recorded about it.
func (s *Service) Report(ctx context.Context, runID string) (*RunReport, error) {
	run, err := s.state.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	units, err := s.store.ListPlanUnits(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan units: %w", err)
	}
	events, err := s.store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return &RunReport{Run: run, Units: units, Events: events}, nil
}

// Runs lists the most recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]*engine.Run, error) {
	rows, err := s.store.ListRuns(ctx, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*engine.Run, 0, len(rows))
	for _, row := range rows {
		run, err := runFromStore(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, stores.ErrNotFound)
}
