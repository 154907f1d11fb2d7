package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Mock executor for testing
type mockExecutor struct {
	mu             sync.Mutex
	executionDelay time.Duration
	failUnits      map[string]error
	failTimes      map[string]int
	executedUnits  []string
	calls          map[string]int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		executionDelay: 5 * time.Millisecond,
		failUnits:      make(map[string]error),
		failTimes:      make(map[string]int),
		executedUnits:  make([]string, 0),
		calls:          make(map[string]int),
	}
}

func (m *mockExecutor) ExecuteUnit(ctx context.Context, unit *PlanUnit) (*ExecutionResult, error) {
	m.mu.Lock()
	m.executedUnits = append(m.executedUnits, unit.ID)
	m.calls[unit.ID]++
	failErr := m.failUnits[unit.ID]
	if n, ok := m.failTimes[unit.ID]; ok {
		if m.calls[unit.ID] > n {
			failErr = nil
		}
	}
	m.mu.Unlock()

	select {
	case <-time.After(m.executionDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &ExecutionResult{
		PlanUnitID:  unit.ID,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
		NewState:    unit.DesiredState,
	}

	if failErr != nil {
		result.Status = PlanStatusFailed
		return result, failErr
	}

	result.Status = PlanStatusSucceeded
	return result, nil
}

func (m *mockExecutor) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.executedUnits...)
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func newMockEventPublisher() *mockEventPublisher {
	return &mockEventPublisher{events: make([]Event, 0)}
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// Mock state manager for testing
type mockStateManager struct {
	mu    sync.Mutex
	runs  map[string]Run
	units map[string]map[string]PlanUnit
}

func newMockStateManager() *mockStateManager {
	return &mockStateManager{
		runs:  make(map[string]Run),
		units: make(map[string]map[string]PlanUnit),
	}
}

func (m *mockStateManager) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *mockStateManager) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return &run, nil
}

func (m *mockStateManager) SavePlanUnit(ctx context.Context, runID string, unit *PlanUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.units[runID] == nil {
		m.units[runID] = make(map[string]PlanUnit)
	}
	m.units[runID][unit.ID] = *unit
	return nil
}

func buildTestPlan(t *testing.T, units []PlanUnit) *Plan {
	t.Helper()
	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	return &Plan{ID: "plan1", CreatedAt: time.Now(), Units: units, Graph: graph}
}

func newTestScheduler(executor Executor, publisher EventPublisher, stateMgr StateManager) *ParallelScheduler {
	scheduler := NewParallelScheduler(5, executor, publisher, stateMgr)
	scheduler.SetBackoffBase(time.Millisecond)
	return scheduler
}

func TestNewParallelScheduler_DefaultMaxParallel(t *testing.T) {
	scheduler := NewParallelScheduler(0, newMockExecutor(), newMockEventPublisher(), newMockStateManager())

	if scheduler.maxParallel != 10 {
		t.Errorf("Expected default maxParallel=10, got %d", scheduler.maxParallel)
	}
}

func TestScheduler_Run_InvalidPlans(t *testing.T) {
	scheduler := newTestScheduler(newMockExecutor(), newMockEventPublisher(), newMockStateManager())
	ctx := context.Background()

	if _, err := scheduler.Run(ctx, nil, ScheduleOptions{}); err == nil {
		t.Error("Expected error for nil plan")
	}

	if _, err := scheduler.Run(ctx, &Plan{ID: "p"}, ScheduleOptions{}); err == nil {
		t.Error("Expected error for plan without graph")
	}
}

func TestScheduler_Run_RespectsLevels(t *testing.T) {
	executor := newMockExecutor()
	publisher := newMockEventPublisher()
	stateMgr := newMockStateManager()
	scheduler := newTestScheduler(executor, publisher, stateMgr)

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:sandbox", CellID: "sandbox", Operation: OperationDeploy},
		{ID: "canary:sandbox", CellID: "sandbox", Operation: OperationCanary,
			Dependencies: []Dependency{{TargetID: "deploy:sandbox", Type: DependencyRequire}}},
		{ID: "deploy:a", CellID: "a", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "canary:sandbox", Type: DependencyRequire}}},
		{ID: "deploy:b", CellID: "b", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "canary:sandbox", Type: DependencyRequire}}},
	})

	run, err := scheduler.Run(context.Background(), plan, ScheduleOptions{User: "tester"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if run.Summary.Succeeded != 4 {
		t.Errorf("Expected 4 succeeded, got %d", run.Summary.Succeeded)
	}

	executed := executor.executed()
	if len(executed) != 4 {
		t.Fatalf("Expected 4 executions, got %v", executed)
	}
	if executed[0] != "deploy:sandbox" || executed[1] != "canary:sandbox" {
		t.Errorf("Expected sandbox deploy then canary first, got %v", executed)
	}

	saved, _ := stateMgr.GetRun(context.Background(), run.ID)
	if saved.Status != RunStatusSucceeded || saved.User != "tester" {
		t.Errorf("Expected persisted succeeded run by tester, got %+v", saved)
	}
	if len(stateMgr.units[run.ID]) != 4 {
		t.Errorf("Expected 4 persisted units, got %d", len(stateMgr.units[run.ID]))
	}

	if publisher.count(EventTypeRunStarted) != 1 || publisher.count(EventTypeRunCompleted) != 1 {
		t.Error("Expected one run_started and one run_completed event")
	}
}

func TestScheduler_Run_CanaryFailureSkipsOtherCells(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["canary:sandbox"] = NewPermanentError("canary failed", nil).WithCode(ErrCodeCanaryFailed)
	stateMgr := newMockStateManager()
	scheduler := newTestScheduler(executor, newMockEventPublisher(), stateMgr)

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:sandbox", CellID: "sandbox", Operation: OperationDeploy},
		{ID: "canary:sandbox", CellID: "sandbox", Operation: OperationCanary, MaxRetries: 3,
			Dependencies: []Dependency{{TargetID: "deploy:sandbox", Type: DependencyRequire}}},
		{ID: "deploy:a", CellID: "a", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "canary:sandbox", Type: DependencyRequire}}},
	})

	run, err := scheduler.Run(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no scheduler error without fail-fast, got: %v", err)
	}

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", run.Status)
	}
	if plan.Unit("deploy:a").Status != PlanStatusSkipped {
		t.Errorf("Expected deploy:a skipped, got %s", plan.Unit("deploy:a").Status)
	}
	if executor.calls["canary:sandbox"] != 1 {
		t.Errorf("Expected permanent canary failure not retried, got %d calls", executor.calls["canary:sandbox"])
	}

	canary := plan.Unit("canary:sandbox")
	if canary.Result == nil || canary.Result.Error == nil || canary.Result.Error.Code != ErrCodeCanaryFailed {
		t.Errorf("Expected CANARY_FAILED result, got %+v", canary.Result)
	}
}

func TestScheduler_Run_RetriesTransientErrors(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["deploy:a"] = NewTransientError("stack busy", nil)
	executor.failTimes["deploy:a"] = 2
	scheduler := newTestScheduler(executor, newMockEventPublisher(), newMockStateManager())

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:a", CellID: "a", Operation: OperationDeploy, MaxRetries: 3},
	})

	run, err := scheduler.Run(context.Background(), plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded after retries, got %s", run.Status)
	}
	if got := plan.Unit("deploy:a").Result.Attempts; got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestScheduler_Run_FailFast(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["deploy:sandbox"] = errors.New("boom")
	scheduler := newTestScheduler(executor, newMockEventPublisher(), newMockStateManager())

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:sandbox", CellID: "sandbox", Operation: OperationDeploy},
		{ID: "canary:sandbox", CellID: "sandbox", Operation: OperationCanary,
			Dependencies: []Dependency{{TargetID: "deploy:sandbox", Type: DependencyRequire}}},
	})

	run, err := scheduler.Run(context.Background(), plan, ScheduleOptions{FailFast: true})
	if err == nil {
		t.Fatal("Expected fail-fast error")
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", run.Status)
	}
	if plan.Unit("canary:sandbox").Status != PlanStatusCancelled {
		t.Errorf("Expected canary cancelled, got %s", plan.Unit("canary:sandbox").Status)
	}
	if !IsPermanent(plan.Unit("deploy:sandbox").Result.Error) {
		t.Error("Expected unclassified error to be recorded as permanent")
	}
}

func TestScheduler_Run_NoopAndDryRunSkipExecutor(t *testing.T) {
	executor := newMockExecutor()
	scheduler := newTestScheduler(executor, newMockEventPublisher(), newMockStateManager())

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:a", CellID: "a", Operation: OperationNoop},
		{ID: "deploy:b", CellID: "b", Operation: OperationDeploy},
	})

	run, err := scheduler.Run(context.Background(), plan, ScheduleOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", run.Status)
	}
	if len(executor.executed()) != 0 {
		t.Errorf("Expected no executor calls, got %v", executor.executed())
	}
	if run.Metadata["dry_run"] != true {
		t.Error("Expected dry_run recorded in run metadata")
	}
}

func TestScheduler_OrderAndNotifyDependencies(t *testing.T) {
	executor := newMockExecutor()
	executor.failUnits["deploy:a"] = errors.New("boom")
	scheduler := newTestScheduler(executor, newMockEventPublisher(), newMockStateManager())

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:a", CellID: "a", Operation: OperationDeploy},
		{ID: "deploy:b", CellID: "b", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "deploy:a", Type: DependencyOrder}}},
		{ID: "deploy:c", CellID: "c", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "deploy:a", Type: DependencyNotify}}},
	})

	run, _ := scheduler.Run(context.Background(), plan, ScheduleOptions{})
	if plan.Unit("deploy:b").Status != PlanStatusSucceeded {
		t.Errorf("Expected order dependency to run after failure, got %s", plan.Unit("deploy:b").Status)
	}
	if plan.Unit("deploy:c").Status != PlanStatusSucceeded {
		t.Errorf("Expected notify dependency to run, got %s", plan.Unit("deploy:c").Status)
	}
	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", run.Status)
	}
}

func TestScheduler_ScheduleAndCancel(t *testing.T) {
	executor := newMockExecutor()
	executor.executionDelay = 5 * time.Second
	stateMgr := newMockStateManager()
	scheduler := newTestScheduler(executor, newMockEventPublisher(), stateMgr)

	plan := buildTestPlan(t, []PlanUnit{
		{ID: "deploy:a", CellID: "a", Operation: OperationDeploy},
		{ID: "deploy:b", CellID: "b", Operation: OperationDeploy,
			Dependencies: []Dependency{{TargetID: "deploy:a", Type: DependencyRequire}}},
	})

	ctx := context.Background()
	runID, err := scheduler.Schedule(ctx, plan, ScheduleOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := scheduler.Cancel(ctx, runID); err != nil {
		t.Fatalf("Expected cancel to succeed, got: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := scheduler.GetStatus(ctx, runID)
		if err == nil && run.Status.IsTerminal() {
			if run.Status != RunStatusCancelled {
				t.Errorf("Expected cancelled, got %s", run.Status)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Run did not reach a terminal state after cancel")
}

func TestScheduler_CancelInactiveRun(t *testing.T) {
	stateMgr := newMockStateManager()
	scheduler := newTestScheduler(newMockExecutor(), newMockEventPublisher(), stateMgr)
	ctx := context.Background()

	_ = stateMgr.SaveRun(ctx, &Run{ID: "done", Status: RunStatusSucceeded})
	if err := scheduler.Cancel(ctx, "done"); err == nil {
		t.Error("Expected error cancelling a finished run")
	}

	_ = stateMgr.SaveRun(ctx, &Run{ID: "stale", Status: RunStatusRunning, StartedAt: time.Now()})
	if err := scheduler.Cancel(ctx, "stale"); err != nil {
		t.Fatalf("Expected stale run cancel to succeed, got: %v", err)
	}
	run, _ := stateMgr.GetRun(ctx, "stale")
	if run.Status != RunStatusCancelled {
		t.Errorf("Expected stale run cancelled, got %s", run.Status)
	}
}

func TestScheduler_CalculateBackoff(t *testing.T) {
	scheduler := NewParallelScheduler(1, nil, nil, nil)

	tests := []struct {
		name    string
		attempt int
		err     error
		min     time.Duration
		max     time.Duration
	}{
		{"transient first", 0, NewTransientError("x", nil), 750 * time.Millisecond, 1250 * time.Millisecond},
		{"transient third", 2, NewTransientError("x", nil), 3 * time.Second, 5 * time.Second},
		{"throttled", 0, NewThrottledError("x", nil), 3750 * time.Millisecond, 6250 * time.Millisecond},
		{"conflict", 0, NewConflictError("x", nil), 1500 * time.Millisecond, 2500 * time.Millisecond},
		{"capped", 20, NewTransientError("x", nil), 45 * time.Second, 75 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scheduler.calculateBackoff(tt.attempt, tt.err)
			if got < tt.min || got > tt.max {
				t.Errorf("Expected backoff in [%v, %v], got %v", tt.min, tt.max, got)
			}
		})
	}
}
