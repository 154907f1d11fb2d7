package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParallelScheduler implements parallel execution of plan units with dependency management.
// It executes plan units level-by-level, running independent units in parallel within each level.
type ParallelScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	// executor is used to execute individual plan units
	executor Executor

	// eventPublisher publishes execution events
	eventPublisher EventPublisher

	// stateManager persists runs and unit results
	stateManager StateManager

	// backoffBase is the first retry delay for transient errors
	backoffBase time.Duration

	// mu protects active
	mu sync.Mutex

	// active maps run IDs to the cancel function of their execution context
	active map[string]context.CancelFunc
}

// runState is the per-run bookkeeping of unit statuses.
type runState struct {
	mu      sync.RWMutex
	status  map[string]PlanStatus
	results map[string]*ExecutionResult
}

func newRunState(units []PlanUnit) *runState {
	rs := &runState{
		status:  make(map[string]PlanStatus, len(units)),
		results: make(map[string]*ExecutionResult, len(units)),
	}
	for _, unit := range units {
		rs.status[unit.ID] = PlanStatusPending
	}
	return rs
}

func (rs *runState) set(unitID string, status PlanStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status[unitID] = status
}

func (rs *runState) get(unitID string) (PlanStatus, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	status, ok := rs.status[unitID]
	return status, ok
}

// NewParallelScheduler creates a new parallel scheduler.
func NewParallelScheduler(
	maxParallel int,
	executor Executor,
	eventPublisher EventPublisher,
	stateManager StateManager,
) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 10
	}

	return &ParallelScheduler{
		maxParallel:    maxParallel,
		executor:       executor,
		eventPublisher: eventPublisher,
		stateManager:   stateManager,
		backoffBase:    time.Second,
		active:         make(map[string]context.CancelFunc),
	}
}

// SetBackoffBase changes the first retry delay. Throttled and conflict errors
// scale from it.
func (s *ParallelScheduler) SetBackoffBase(d time.Duration) {
	if d > 0 {
		s.backoffBase = d
	}
}

// Run executes the plan and blocks until the run is terminal.
// The returned run is always non-nil once the plan passed validation.
func (s *ParallelScheduler) Run(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error) {
	run, err := s.prepare(ctx, plan, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.track(run.ID, cancel)
	defer s.untrack(run.ID)

	err = s.executeRun(runCtx, run, plan, opts)
	return run, err
}

// Schedule schedules a plan for asynchronous execution and returns the run ID.
func (s *ParallelScheduler) Schedule(
	ctx context.Context,
	plan *Plan,
	opts ScheduleOptions,
) (string, error) {
	run, err := s.prepare(ctx, plan, opts)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.track(run.ID, cancel)

	go func() {
		defer s.untrack(run.ID)
		_ = s.executeRun(runCtx, run, plan, opts)
	}()

	return run.ID, nil
}

// prepare validates the plan, waits for the optional delay and saves the pending run.
func (s *ParallelScheduler) prepare(ctx context.Context, plan *Plan, opts ScheduleOptions) (*Run, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusPending,
		StartedAt: time.Now(),
		User:      opts.User,
		Summary: RunSummary{
			Total:   len(plan.Units),
			Pending: len(plan.Units),
		},
		Metadata: make(map[string]interface{}),
	}
	for k, v := range plan.Metadata {
		run.Metadata[k] = v
	}
	for k, v := range opts.Metadata {
		run.Metadata[k] = v
	}
	if opts.DryRun {
		run.Metadata["dry_run"] = true
	}

	if plan.Metadata == nil {
		plan.Metadata = make(map[string]interface{})
	}
	plan.Metadata["run_id"] = run.ID

	if opts.Delay > 0 {
		select {
		case <-time.After(opts.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := s.stateManager.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	return run, nil
}

// executeRun executes the plan and updates the run status.
func (s *ParallelScheduler) executeRun(
	ctx context.Context,
	run *Run,
	plan *Plan,
	opts ScheduleOptions,
) error {
	// bookkeeping writes must survive cancellation of the run itself
	saveCtx := context.WithoutCancel(ctx)

	run.Status = RunStatusRunning
	if err := s.stateManager.SaveRun(saveCtx, run); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	s.publishEvent(saveCtx, run.ID, nil, EventTypeRunStarted, "Run started")

	rs := newRunState(plan.Units)
	err := s.executePlanLevels(ctx, run, plan, rs, opts)

	run.Summary = rs.summary(plan.Units)
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
		err = NewPermanentError("execution cancelled", ctx.Err()).WithCode(ErrCodeInternal)
	case err != nil:
		run.Status = RunStatusFailed
	case run.Summary.Failed > 0 && run.Summary.Succeeded == 0:
		run.Status = RunStatusFailed
	case run.Summary.Failed > 0 || run.Summary.Skipped > 0 || run.Summary.Cancelled > 0:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}

	if saveErr := s.stateManager.SaveRun(saveCtx, run); saveErr != nil {
		return fmt.Errorf("failed to save final run state: %w", saveErr)
	}

	if run.Status == RunStatusSucceeded {
		s.publishEvent(saveCtx, run.ID, nil, EventTypeRunCompleted, "Run completed successfully")
	} else {
		s.publishEvent(saveCtx, run.ID, nil, EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", run.Status))
	}

	return err
}

// executePlanLevels executes the plan level by level, with parallelism within each level.
func (s *ParallelScheduler) executePlanLevels(
	ctx context.Context,
	run *Run,
	plan *Plan,
	rs *runState,
	opts ScheduleOptions,
) error {
	levels := unitsByLevel(plan)

	for level, units := range levels {
		if ctx.Err() != nil {
			s.cancelRemaining(ctx, run, plan, rs)
			return nil
		}

		if err := s.executeLevelParallel(ctx, run, units, rs, opts); err != nil && opts.FailFast {
			s.cancelRemaining(ctx, run, plan, rs)
			return fmt.Errorf("level %d failed: %w", level, err)
		}
	}

	if ctx.Err() != nil {
		s.cancelRemaining(ctx, run, plan, rs)
	}
	return nil
}

// unitsByLevel groups plan units by their graph level, preserving plan order.
func unitsByLevel(plan *Plan) [][]*PlanUnit {
	levels := make([][]*PlanUnit, plan.Graph.Depth)
	for i := range plan.Units {
		unit := &plan.Units[i]
		node, ok := plan.Graph.Nodes[unit.ID]
		if !ok || node.Level < 0 || node.Level >= len(levels) {
			continue
		}
		levels[node.Level] = append(levels[node.Level], unit)
	}
	return levels
}

// executeLevelParallel executes all units at a level in parallel using a worker pool.
func (s *ParallelScheduler) executeLevelParallel(
	ctx context.Context,
	run *Run,
	units []*PlanUnit,
	rs *runState,
	opts ScheduleOptions,
) error {
	if len(units) == 0 {
		return nil
	}

	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(units) < workerCount {
		workerCount = len(units)
	}

	workQueue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(units))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for unit := range workQueue {
				if ctx.Err() != nil {
					return
				}

				if !s.checkDependencies(unit, rs) {
					s.markUnitSkipped(ctx, run, unit, rs, "dependencies failed")
					continue
				}

				if err := s.executeUnit(ctx, run, unit, rs, opts); err != nil {
					errChan <- fmt.Errorf("unit %s failed: %w", unit.ID, err)
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// executeUnit executes a single plan unit with retry logic.
func (s *ParallelScheduler) executeUnit(
	ctx context.Context,
	run *Run,
	unit *PlanUnit,
	rs *runState,
	opts ScheduleOptions,
) error {
	rs.set(unit.ID, PlanStatusRunning)
	unit.Status = PlanStatusRunning
	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitStarted,
		fmt.Sprintf("Started %s of cell %s", unit.Operation, unit.CellID))

	startTime := time.Now()

	var result *ExecutionResult
	var err error
	attempts := 0

	for attempt := 0; attempt <= unit.MaxRetries; attempt++ {
		attempts++
		result, err = s.attempt(ctx, unit, opts)

		if err == nil && result != nil && result.Status == PlanStatusSucceeded {
			break
		}
		if err == nil {
			err = NewPermanentError("executor reported failure", nil).
				WithCode(ErrCodeInternal).WithResource(unit.CellID)
		}
		if !IsRetryable(err) || attempt >= unit.MaxRetries {
			break
		}

		backoff := s.calculateBackoff(attempt, err)
		s.publishEvent(ctx, run.ID, unit, EventTypeWarning,
			fmt.Sprintf("Retrying after failure (attempt %d/%d): %v", attempt+1, unit.MaxRetries+1, err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = unit.MaxRetries
		}
	}

	if result == nil {
		result = &ExecutionResult{PlanUnitID: unit.ID}
	}
	result.PlanUnitID = unit.ID
	result.Attempts = attempts
	if result.StartedAt.IsZero() {
		result.StartedAt = startTime
	}
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(startTime)

	if err != nil {
		result.Status = PlanStatusFailed
		result.Error = Classify(err, ErrCodeInternal).WithResource(unit.CellID).
			WithOperation(string(unit.Operation))
	}

	s.finishUnit(ctx, run, unit, rs, result)

	if result.Status != PlanStatusSucceeded {
		s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitFailed,
			fmt.Sprintf("Failed %s of cell %s: %v", unit.Operation, unit.CellID, err))
		return err
	}

	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitCompleted,
		fmt.Sprintf("Completed %s of cell %s", unit.Operation, unit.CellID))
	return nil
}

// attempt runs one try of a unit under its timeout.
func (s *ParallelScheduler) attempt(ctx context.Context, unit *PlanUnit, opts ScheduleOptions) (*ExecutionResult, error) {
	if opts.DryRun || unit.Operation == OperationNoop {
		now := time.Now()
		return &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      PlanStatusSucceeded,
			StartedAt:   now,
			CompletedAt: now,
			NewState:    unit.DesiredState,
		}, nil
	}

	execCtx := ctx
	if unit.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, unit.Timeout)
		defer cancel()
	}

	return s.executor.ExecuteUnit(execCtx, unit)
}

// checkDependencies verifies that all dependencies allow the unit to start.
func (s *ParallelScheduler) checkDependencies(unit *PlanUnit, rs *runState) bool {
	for _, dep := range unit.Dependencies {
		status, exists := rs.get(dep.TargetID)
		if !exists {
			return false
		}

		switch dep.Type {
		case DependencyOrder:
			if !status.IsTerminal() {
				return false
			}
		case DependencyNotify:
			continue
		default:
			if status != PlanStatusSucceeded {
				return false
			}
		}
	}

	return true
}

// calculateBackoff calculates exponential backoff with jitter.
func (s *ParallelScheduler) calculateBackoff(attempt int, err error) time.Duration {
	base := s.backoffBase
	switch {
	case IsThrottled(err):
		base *= 5
	case IsConflict(err):
		base *= 2
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > time.Minute {
		delay = time.Minute
	}

	// +/- 25% jitter
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	return delay + jitter
}

// cancelRemaining marks every non-terminal unit as cancelled.
func (s *ParallelScheduler) cancelRemaining(ctx context.Context, run *Run, plan *Plan, rs *runState) {
	for i := range plan.Units {
		unit := &plan.Units[i]
		status, _ := rs.get(unit.ID)
		if status.IsTerminal() {
			continue
		}
		now := time.Now()
		s.finishUnit(ctx, run, unit, rs, &ExecutionResult{
			PlanUnitID:  unit.ID,
			Status:      PlanStatusCancelled,
			StartedAt:   now,
			CompletedAt: now,
		})
	}
}

// markUnitSkipped marks a unit as skipped.
func (s *ParallelScheduler) markUnitSkipped(ctx context.Context, run *Run, unit *PlanUnit, rs *runState, reason string) {
	now := time.Now()
	s.finishUnit(ctx, run, unit, rs, &ExecutionResult{
		PlanUnitID:  unit.ID,
		Status:      PlanStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
		Error: NewPermanentError(reason, nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(unit.CellID),
	})
	s.publishEvent(ctx, run.ID, unit, EventTypePlanUnitSkipped,
		fmt.Sprintf("Skipped %s of cell %s: %s", unit.Operation, unit.CellID, reason))
}

// finishUnit records a terminal result for a unit and persists it.
func (s *ParallelScheduler) finishUnit(ctx context.Context, run *Run, unit *PlanUnit, rs *runState, result *ExecutionResult) {
	rs.mu.Lock()
	rs.status[unit.ID] = result.Status
	rs.results[unit.ID] = result
	rs.mu.Unlock()

	unit.Status = result.Status
	unit.Result = result

	_ = s.stateManager.SavePlanUnit(context.WithoutCancel(ctx), run.ID, unit)
}

// summary calculates run statistics.
func (rs *runState) summary(units []PlanUnit) RunSummary {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	summary := RunSummary{Total: len(units)}
	for _, unit := range units {
		switch rs.status[unit.ID] {
		case PlanStatusSucceeded:
			summary.Succeeded++
		case PlanStatusFailed:
			summary.Failed++
		case PlanStatusSkipped:
			summary.Skipped++
		case PlanStatusCancelled:
			summary.Cancelled++
		case PlanStatusPending, PlanStatusBlocked:
			summary.Pending++
		case PlanStatusRunning:
			summary.Running++
		}
	}
	return summary
}

// publishEvent publishes an execution event.
func (s *ParallelScheduler) publishEvent(
	ctx context.Context,
	runID string,
	unit *PlanUnit,
	eventType EventType,
	message string,
) {
	if s.eventPublisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	if unit != nil {
		event.PlanUnitID = unit.ID
		event.CellID = unit.CellID
	}

	// publishing is best effort, a slow subscriber must not fail a rollout
	_ = s.eventPublisher.Publish(context.WithoutCancel(ctx), event)
}

func (s *ParallelScheduler) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[runID] = cancel
}

func (s *ParallelScheduler) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[runID]; ok {
		cancel()
		delete(s.active, runID)
	}
}

// Cancel cancels a running execution. Runs owned by this scheduler are
// interrupted; runs left active by another process are marked cancelled.
func (s *ParallelScheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	run, err := s.stateManager.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if !run.Status.IsActive() {
		return NewPermanentError("run is not active", nil).
			WithCode(ErrCodeValidation).WithResource(runID)
	}

	run.Status = RunStatusCancelled
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	if err := s.stateManager.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save cancelled run: %w", err)
	}

	return nil
}

// GetStatus retrieves the status of a scheduled run.
func (s *ParallelScheduler) GetStatus(ctx context.Context, runID string) (*Run, error) {
	run, err := s.stateManager.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}
