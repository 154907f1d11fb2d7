package rollout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/registry"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog"
)

// fakeChecker records canary checks and fails the cells listed in fail.
type fakeChecker struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	onCall func(cellID string)
}

func (f *fakeChecker) Check(ctx context.Context, cellID string) (*stores.CanaryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cellID)
	err := f.fail[cellID]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(cellID)
	}
	return &stores.CanaryResult{CellID: cellID, Success: err == nil, CheckedAt: time.Now()}, err
}

func (f *fakeChecker) checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	svc     *Service
	store   *stores.SQLiteStore
	reg     *registry.Registry
	prov    *provision.LocalProvisioner
	checker *fakeChecker
}

func setupService(t *testing.T, settings policy.Settings) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prov, err := provision.NewLocalProvisioner(store, 9001, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalProvisioner() error = %v", err)
	}
	reg := registry.New(store, nil, zerolog.Nop())

	if settings.SandboxCell == "" {
		settings.SandboxCell = "sandbox"
	}
	if settings.MaxParallel == 0 {
		settings.MaxParallel = 5
	}
	policies, err := policy.NewEngine(zerolog.Nop(), settings)
	if err != nil {
		t.Fatalf("policy.NewEngine() error = %v", err)
	}

	checker := &fakeChecker{fail: map[string]error{}}
	svc := NewService(store, reg, prov, checker, policies, nil, Options{
		SandboxCell: "sandbox",
		CanaryWait:  time.Millisecond,
		MaxParallel: 5,
		BackoffBase: time.Millisecond,
	}, zerolog.Nop())

	uploadVersion(t, store, "v1")
	return &testEnv{svc: svc, store: store, reg: reg, prov: prov, checker: checker}
}

func uploadVersion(t *testing.T, store stores.Store, version string) int {
	t.Helper()
	content, err := provision.GenerateTemplate(version, "registry.local/cell:"+version)
	if err != nil {
		t.Fatalf("GenerateTemplate() error = %v", err)
	}
	tmpl, err := store.PutTemplate(context.Background(), content)
	if err != nil {
		t.Fatalf("PutTemplate() error = %v", err)
	}
	return tmpl.Version
}

func createCells(t *testing.T, env *testEnv, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.svc.CreateCell(context.Background(), CreateCellInput{CellID: id}); err != nil {
			t.Fatalf("CreateCell(%s) error = %v", id, err)
		}
	}
}

func TestCreateCell(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()

	cell, err := env.svc.CreateCell(ctx, CreateCellInput{CellID: "cell-1", User: "admin"})
	if err != nil {
		t.Fatalf("CreateCell() error = %v", err)
	}
	if cell.Status != stores.CellStatusActive {
		t.Errorf("status = %s, want active", cell.Status)
	}
	if cell.Stage != stores.StageProd {
		t.Errorf("stage = %s, want prod", cell.Stage)
	}
	if cell.TemplateVersion != 1 {
		t.Errorf("template version = %d, want 1", cell.TemplateVersion)
	}
	if cell.ImageURI != "registry.local/cell:v1" {
		t.Errorf("image = %s, want the template image", cell.ImageURI)
	}

	stack, err := env.prov.DescribeStack(ctx, cell.StackName)
	if err != nil {
		t.Fatalf("DescribeStack() error = %v", err)
	}
	if stack.Outputs[provision.OutputDNSName] == "" {
		t.Error("stack has no dns name")
	}

	audit, err := env.store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(audit) != 1 || audit[0].Action != "cell.created" || audit[0].Actor != "admin" {
		t.Errorf("unexpected audit trail: %+v", audit)
	}
}

func TestCreateCell_SandboxStage(t *testing.T) {
	env := setupService(t, policy.Settings{})

	cell, err := env.svc.CreateCell(context.Background(), CreateCellInput{CellID: "sandbox"})
	if err != nil {
		t.Fatalf("CreateCell() error = %v", err)
	}
	if cell.Stage != stores.StageSandbox {
		t.Errorf("stage = %s, want sandbox", cell.Stage)
	}
}

func TestCreateCell_Errors(t *testing.T) {
	env := setupService(t, policy.Settings{})
	createCells(t, env, "cell-1")

	tests := []struct {
		name  string
		input CreateCellInput
		code  string
	}{
		{"invalid id", CreateCellInput{CellID: "Cell_1"}, engine.ErrCodePolicyDenied},
		{"empty id", CreateCellInput{}, engine.ErrCodeValidation},
		{"unknown template", CreateCellInput{CellID: "cell-2", TemplateVersion: 9}, engine.ErrCodeNotFound},
		{"duplicate", CreateCellInput{CellID: "cell-1"}, engine.ErrCodeAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateCell(context.Background(), tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := engine.CodeOf(err); code != tt.code {
				t.Errorf("code = %s, want %s (%v)", code, tt.code, err)
			}
		})
	}
}

func TestCreateCell_ProvisionFailure(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()

	// a stack left behind by an earlier attempt makes CreateStack fail
	if _, err := env.prov.CreateStack(ctx, provision.StackInput{
		StackName:       registry.StackName("cell-1"),
		CellID:          "cell-1",
		TemplateVersion: 1,
		Stage:           stores.StageProd,
	}); err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}

	_, err := env.svc.CreateCell(ctx, CreateCellInput{CellID: "cell-1"})
	if engine.CodeOf(err) != engine.ErrCodeProvisionFailed {
		t.Fatalf("error = %v, want PROVISION_FAILED", err)
	}

	cell, err := env.reg.Get(ctx, "cell-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cell.Status != stores.CellStatusFailed {
		t.Errorf("status = %s, want failed", cell.Status)
	}
	// the existing stack was not written by this call and must survive
	stack, err := env.prov.DescribeStack(ctx, cell.StackName)
	if err != nil {
		t.Fatalf("existing stack was removed: %v", err)
	}
	if stack.TemplateVersion != 1 {
		t.Errorf("stack version = %d, want 1", stack.TemplateVersion)
	}
}

// failedCell registers a cell whose create never produced a stack.
func failedCell(t *testing.T, env *testEnv, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.reg.Register(ctx, id, stores.StageProd); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
	if err := env.reg.SetStatus(ctx, id, stores.CellStatusFailed); err != nil {
		t.Fatalf("SetStatus(%s) error = %v", id, err)
	}
}

func TestUpdateCells_RecreatesStacklessFailedCell(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-a")
	failedCell(t, env, "cell-b")
	version := uploadVersion(t, env.store, "v2")

	plan, err := env.svc.Plan(ctx, UpdateInput{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if op := plan.Unit(engine.DeployUnitID("cell-b")).Operation; op != engine.OperationCreate {
		t.Errorf("cell-b operation = %s, want create", op)
	}
	if op := plan.Unit(engine.DeployUnitID("cell-a")).Operation; op != engine.OperationDeploy {
		t.Errorf("cell-a operation = %s, want deploy", op)
	}

	run, err := env.svc.UpdateCells(ctx, UpdateInput{User: "admin"})
	if err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	for _, id := range []string{"cell-a", "cell-b"} {
		cell, _ := env.reg.Get(ctx, id)
		if cell.TemplateVersion != version || cell.Status != stores.CellStatusActive {
			t.Errorf("cell %s = v%d %s, want v%d active", id, cell.TemplateVersion, cell.Status, version)
		}
	}
	if _, err := env.prov.DescribeStack(ctx, registry.StackName("cell-b")); err != nil {
		t.Errorf("cell-b stack missing after rollout: %v", err)
	}
}

func TestDeleteCell(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")

	if err := env.svc.DeleteCell(ctx, "cell-1", "admin"); err != nil {
		t.Fatalf("DeleteCell() error = %v", err)
	}
	if _, err := env.reg.Get(ctx, "cell-1"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("cell should be gone, got %v", err)
	}
	if _, err := env.prov.DescribeStack(ctx, registry.StackName("cell-1")); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("stack should be gone, got %v", err)
	}

	err := env.svc.DeleteCell(ctx, "sandbox", "admin")
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Fatalf("deleting the sandbox: error = %v, want POLICY_DENIED", err)
	}
	cell, err := env.reg.Get(ctx, "sandbox")
	if err != nil || cell.Status != stores.CellStatusActive {
		t.Errorf("sandbox should stay active, got %+v, %v", cell, err)
	}

	if err := env.svc.DeleteCell(ctx, "missing", ""); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("missing cell: error = %v", err)
	}
}

func TestUpdateCells_SandboxFirst(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1", "cell-2")
	version := uploadVersion(t, env.store, "v2")

	// when the sandbox canary runs, no other cell may have been touched
	var otherAtCanary []int
	env.checker.onCall = func(cellID string) {
		if cellID != "sandbox" {
			return
		}
		for _, id := range []string{"cell-1", "cell-2"} {
			cell, err := env.reg.Get(ctx, id)
			if err != nil {
				t.Errorf("Get(%s) error = %v", id, err)
				continue
			}
			otherAtCanary = append(otherAtCanary, cell.TemplateVersion)
		}
	}

	run, err := env.svc.UpdateCells(ctx, UpdateInput{User: "admin"})
	if err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	for _, v := range otherAtCanary {
		if v != 1 {
			t.Errorf("other cell at version %d during sandbox canary", v)
		}
	}
	if got := env.checker.checked(); len(got) != 1 || got[0] != "sandbox" {
		t.Errorf("canary checks = %v, want [sandbox]", got)
	}

	for _, id := range []string{"sandbox", "cell-1", "cell-2"} {
		cell, _ := env.reg.Get(ctx, id)
		if cell.TemplateVersion != version || cell.Status != stores.CellStatusActive {
			t.Errorf("cell %s = v%d %s, want v%d active", id, cell.TemplateVersion, cell.Status, version)
		}
		if cell.ImageURI != "registry.local/cell:v2" {
			t.Errorf("cell %s image = %s", id, cell.ImageURI)
		}
	}

	report, err := env.svc.Report(ctx, run.ID)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if report.Run.Status != engine.RunStatusSucceeded {
		t.Errorf("persisted run status = %s", report.Run.Status)
	}
	if len(report.Units) != 4 {
		t.Errorf("persisted units = %d, want 4", len(report.Units))
	}
	if len(report.Events) == 0 {
		t.Error("expected persisted events")
	}
}

func TestUpdateCells_CanaryFailureStopsRollout(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")
	uploadVersion(t, env.store, "v2")

	env.checker.fail["sandbox"] = engine.NewPermanentError("canary failed", errors.New("status 500")).
		WithCode(engine.ErrCodeCanaryFailed)

	run, err := env.svc.UpdateCells(ctx, UpdateInput{})
	if err == nil {
		t.Fatal("expected error")
	}
	if run == nil || run.Status != engine.RunStatusFailed {
		t.Fatalf("run = %+v, want failed", run)
	}

	sandbox, _ := env.reg.Get(ctx, "sandbox")
	if sandbox.TemplateVersion != 2 {
		t.Errorf("sandbox version = %d, want 2", sandbox.TemplateVersion)
	}
	other, _ := env.reg.Get(ctx, "cell-1")
	if other.TemplateVersion != 1 {
		t.Errorf("cell-1 version = %d, want untouched 1", other.TemplateVersion)
	}
}

func TestUpdateCells_NoSandboxDenied(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")
	uploadVersion(t, env.store, "v2")

	_, err := env.svc.UpdateCells(ctx, UpdateInput{CellIDs: []string{"cell-1"}})
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Fatalf("error = %v, want POLICY_DENIED", err)
	}

	allowed := setupService(t, policy.Settings{AllowWithoutSandbox: true})
	createCells(t, allowed, "cell-1")
	uploadVersion(t, allowed.store, "v2")
	run, err := allowed.svc.UpdateCells(ctx, UpdateInput{CellIDs: []string{"cell-1"}})
	if err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestUpdateCells_DryRun(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")
	uploadVersion(t, env.store, "v2")

	run, err := env.svc.UpdateCells(ctx, UpdateInput{DryRun: true})
	if err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}
	if len(env.checker.checked()) != 0 {
		t.Error("dry run must not check canaries")
	}
	cell, _ := env.reg.Get(ctx, "cell-1")
	if cell.TemplateVersion != 1 {
		t.Errorf("dry run changed cell-1 to v%d", cell.TemplateVersion)
	}
}

func TestUpdateCells_UpToDateIsNoop(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")

	plan, err := env.svc.Plan(ctx, UpdateInput{})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	for _, unit := range plan.Units {
		if unit.Operation == engine.OperationDeploy {
			t.Errorf("unit %s deploys a cell already at the latest version", unit.ID)
		}
	}

	forced, err := env.svc.Plan(ctx, UpdateInput{Force: true})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if forced.Unit(engine.DeployUnitID("cell-1")).Operation != engine.OperationDeploy {
		t.Error("forced plan should deploy cell-1")
	}
}

func TestUpdateCells_SelectErrors(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()

	if _, err := env.svc.UpdateCells(ctx, UpdateInput{}); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("no cells: error = %v", err)
	}
	if _, err := env.svc.UpdateCells(ctx, UpdateInput{CellIDs: []string{"ghost"}}); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("unknown cell: error = %v", err)
	}

	if _, err := env.reg.Register(ctx, "cell-9", stores.StageProd); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := env.svc.UpdateCells(ctx, UpdateInput{CellIDs: []string{"cell-9"}}); engine.CodeOf(err) != engine.ErrCodeConflict {
		t.Errorf("creating cell: error = %v", err)
	}
}

func TestRuns(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox")
	uploadVersion(t, env.store, "v2")

	run, err := env.svc.UpdateCells(ctx, UpdateInput{})
	if err != nil {
		t.Fatalf("UpdateCells() error = %v", err)
	}

	runs, err := env.svc.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("Runs() = %+v", runs)
	}

	if _, err := env.svc.Report(ctx, "missing"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Report(missing) error = %v", err)
	}
}
