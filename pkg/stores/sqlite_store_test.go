package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"cells", "users", "items", "templates", "stacks", "runs", "plan_units", "events", "canary_results", "audit_log"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// a second migration is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected idempotent migration, got: %v", err)
	}
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellular.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.CreateCell(ctx, &Cell{ID: "sandbox", StackName: "Cell-sandbox", Status: CellStatusActive, Stage: StageSandbox}); err != nil {
		t.Fatalf("failed to create cell: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetCell(ctx, "sandbox"); err != nil {
		t.Errorf("expected cell to survive reopen: %v", err)
	}
}

func TestCellCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cells := []*Cell{
		{ID: "sandbox", StackName: "Cell-sandbox", Status: CellStatusActive, Stage: StageSandbox},
		{ID: "cell-a", StackName: "Cell-cell-a", Status: CellStatusActive, Stage: StageProd, ImageURI: "img:v1", TemplateVersion: 1},
		{ID: "cell-b", StackName: "Cell-cell-b", Status: CellStatusCreating, Stage: StageProd},
	}
	for _, c := range cells {
		if err := store.CreateCell(ctx, c); err != nil {
			t.Fatalf("failed to create cell %s: %v", c.ID, err)
		}
	}

	err := store.CreateCell(ctx, &Cell{ID: "cell-a", StackName: "x", Status: CellStatusActive, Stage: StageProd})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetCell(ctx, "cell-a")
	if err != nil {
		t.Fatalf("failed to get cell: %v", err)
	}
	if got.ImageURI != "img:v1" || got.TemplateVersion != 1 || got.Stage != StageProd {
		t.Errorf("unexpected cell: %+v", got)
	}

	activeProd, err := store.ListCells(ctx, CellFilter{Status: CellStatusActive, Stage: StageProd})
	if err != nil {
		t.Fatalf("failed to list cells: %v", err)
	}
	if len(activeProd) != 1 || activeProd[0].ID != "cell-a" {
		t.Errorf("expected only cell-a, got %v", activeProd)
	}

	all, _ := store.ListCells(ctx, CellFilter{})
	if len(all) != 3 || all[0].ID != "cell-a" {
		t.Errorf("expected 3 cells ordered by id, got %d", len(all))
	}

	if err := store.UpdateCellStatus(ctx, "cell-b", CellStatusActive); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	if err := store.UpdateCellVersion(ctx, "cell-b", 2, "img:v2"); err != nil {
		t.Fatalf("failed to update version: %v", err)
	}
	got, _ = store.GetCell(ctx, "cell-b")
	if got.Status != CellStatusActive || got.TemplateVersion != 2 || got.ImageURI != "img:v2" {
		t.Errorf("unexpected updated cell: %+v", got)
	}

	if err := store.UpdateCellStatus(ctx, "missing", CellStatusActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteCell(ctx, "cell-b"); err != nil {
		t.Fatalf("failed to delete cell: %v", err)
	}
	if _, err := store.GetCell(ctx, "cell-b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUserCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, &User{Username: "alice", APIKeyHash: "h1", CellID: "cell-a"}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := store.CreateUser(ctx, &User{Username: "bob", APIKeyHash: "h2", CellID: "cell-b"}); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	err := store.CreateUser(ctx, &User{Username: "alice", APIKeyHash: "h3", CellID: "cell-b"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	user, err := store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if user.CellID != "cell-a" || user.APIKeyHash != "h1" {
		t.Errorf("unexpected user: %+v", user)
	}

	if _, err := store.GetUser(ctx, "carol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	inB, _ := store.ListUsers(ctx, "cell-b")
	if len(inB) != 1 || inB[0].Username != "bob" {
		t.Errorf("expected bob in cell-b, got %v", inB)
	}
	all, _ := store.ListUsers(ctx, "")
	if len(all) != 2 {
		t.Errorf("expected 2 users, got %d", len(all))
	}
}

func TestItemCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.PutItem(ctx, &Item{CellID: "cell-a", Username: "alice", Key: "k", Value: "v1"}); err != nil {
		t.Fatalf("failed to put item: %v", err)
	}
	if err := store.PutItem(ctx, &Item{CellID: "cell-a", Username: "alice", Key: "k", Value: "v2"}); err != nil {
		t.Fatalf("failed to overwrite item: %v", err)
	}

	item, err := store.GetItem(ctx, "cell-a", "alice", "k")
	if err != nil {
		t.Fatalf("failed to get item: %v", err)
	}
	if item.Value != "v2" {
		t.Errorf("expected v2, got %s", item.Value)
	}

	if _, err := store.GetItem(ctx, "cell-a", "bob", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected other users not to see the key, got %v", err)
	}

	items, _ := store.ListItems(ctx, "cell-a", "alice")
	if len(items) != 1 {
		t.Errorf("expected 1 item, got %d", len(items))
	}

	if err := store.DeleteItem(ctx, "cell-a", "alice", "k"); err != nil {
		t.Fatalf("failed to delete item: %v", err)
	}
	if err := store.DeleteItem(ctx, "cell-a", "alice", "k"); err != nil {
		t.Errorf("expected deleting a missing key to succeed, got %v", err)
	}
	if _, err := store.GetItem(ctx, "cell-a", "alice", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTemplates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.LatestTemplate(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty bucket, got %v", err)
	}

	v1, err := store.PutTemplate(ctx, "version: 1\n")
	if err != nil {
		t.Fatalf("failed to put template: %v", err)
	}
	if v1.Version != 1 || v1.Hash != HashContent("version: 1\n") {
		t.Errorf("unexpected first template: %+v", v1)
	}

	same, _ := store.PutTemplate(ctx, "version: 1\n")
	if same.Version != 1 {
		t.Errorf("expected unchanged content to reuse version 1, got %d", same.Version)
	}

	v2, _ := store.PutTemplate(ctx, "version: 2\n")
	if v2.Version != 2 {
		t.Errorf("expected version 2, got %d", v2.Version)
	}

	latest, _ := store.LatestTemplate(ctx)
	if latest.Version != 2 || latest.Content != "version: 2\n" {
		t.Errorf("unexpected latest: %+v", latest)
	}

	got, err := store.GetTemplate(ctx, 1)
	if err != nil || got.Content != "version: 1\n" {
		t.Errorf("unexpected template 1: %+v, %v", got, err)
	}

	list, _ := store.ListTemplates(ctx)
	if len(list) != 2 || list[0].Version != 2 {
		t.Errorf("expected 2 templates newest first, got %v", list)
	}
}

func TestStacks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	stack := &Stack{
		Name:            "Cell-sandbox",
		Kind:            "cell",
		Status:          "CREATE_COMPLETE",
		Parameters:      map[string]string{"cellId": "sandbox"},
		Outputs:         map[string]string{"dnsName": "localhost:9001"},
		TemplateVersion: 1,
		TemplateHash:    "abc",
	}
	if err := store.SaveStack(ctx, stack); err != nil {
		t.Fatalf("failed to save stack: %v", err)
	}

	stack.Status = "UPDATE_COMPLETE"
	stack.TemplateVersion = 2
	if err := store.SaveStack(ctx, stack); err != nil {
		t.Fatalf("failed to update stack: %v", err)
	}

	got, err := store.GetStack(ctx, "Cell-sandbox")
	if err != nil {
		t.Fatalf("failed to get stack: %v", err)
	}
	if got.Status != "UPDATE_COMPLETE" || got.TemplateVersion != 2 || got.Outputs["dnsName"] != "localhost:9001" {
		t.Errorf("unexpected stack: %+v", got)
	}

	if err := store.SaveStack(ctx, &Stack{Name: "Router", Kind: "router", Status: "CREATE_COMPLETE"}); err != nil {
		t.Fatalf("failed to save router stack: %v", err)
	}
	cellStacks, _ := store.ListStacks(ctx, "cell")
	if len(cellStacks) != 1 {
		t.Errorf("expected 1 cell stack, got %d", len(cellStacks))
	}

	if err := store.DeleteStack(ctx, "Cell-sandbox"); err != nil {
		t.Fatalf("failed to delete stack: %v", err)
	}
	if err := store.DeleteStack(ctx, "Cell-sandbox"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunsUnitsAndEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "run-1", PlanID: "plan-1", Status: "running", StartedBy: "pipeline", StartedAt: time.Now().UTC()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.CreateRun(ctx, run); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	completed := time.Now().UTC()
	run.Status = "failed"
	run.CompletedAt = &completed
	run.Summary = `{"total":2}`
	run.Error = strPtr("canary failed")
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != "failed" || got.CompletedAt == nil || got.Error == nil || *got.Error != "canary failed" {
		t.Errorf("unexpected run: %+v", got)
	}

	if err := store.UpdateRun(ctx, &Run{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	units := []*PlanUnit{
		{RunID: "run-1", ID: "deploy:sandbox", CellID: "sandbox", Operation: "deploy", Status: "succeeded", ExecutionOrder: 0, Attempts: 1},
		{RunID: "run-1", ID: "canary:sandbox", CellID: "sandbox", Operation: "canary", Status: "pending", ExecutionOrder: 1},
	}
	for _, u := range units {
		if err := store.SavePlanUnit(ctx, u); err != nil {
			t.Fatalf("failed to save unit: %v", err)
		}
	}
	units[1].Status = "failed"
	units[1].Error = strPtr("boom")
	if err := store.SavePlanUnit(ctx, units[1]); err != nil {
		t.Fatalf("failed to update unit: %v", err)
	}

	listed, _ := store.ListPlanUnits(ctx, "run-1")
	if len(listed) != 2 || listed[0].ID != "deploy:sandbox" || listed[1].Status != "failed" {
		t.Errorf("unexpected units: %+v", listed)
	}

	for i, msg := range []string{"started", "deployed", "failed"} {
		ev := &Event{RunID: strPtr("run-1"), Type: "info", Level: EventLevelInfo, Message: msg}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event %d: %v", i, err)
		}
	}
	_ = store.AppendEvent(ctx, &Event{RunID: strPtr("run-2"), Type: "info", Level: EventLevelInfo, Message: "other"})

	events, _ := store.ListEvents(ctx, "run-1", 0, 0)
	if len(events) != 3 || events[0].Message != "started" {
		t.Fatalf("expected 3 events oldest first, got %d", len(events))
	}
	after, _ := store.ListEvents(ctx, "run-1", events[1].ID, 0)
	if len(after) != 1 || after[0].Message != "failed" {
		t.Errorf("expected only the last event after cursor, got %v", after)
	}

	runs, _ := store.ListRuns(ctx, 10, 0)
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestCanaryResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.RecordCanaryResult(ctx, &CanaryResult{CellID: "sandbox", Success: true, StatusCode: 200, Latency: 12 * time.Millisecond})
	_ = store.RecordCanaryResult(ctx, &CanaryResult{CellID: "sandbox", Success: false, StatusCode: 500, Error: strPtr("bad status")})
	_ = store.RecordCanaryResult(ctx, &CanaryResult{CellID: "cell-a", Success: true, StatusCode: 200})

	results, err := store.ListCanaryResults(ctx, "sandbox", 10)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Success || results[0].Error == nil {
		t.Errorf("expected newest failing result first, got %+v", results[0])
	}
	if results[1].Latency != 12*time.Millisecond {
		t.Errorf("expected latency round trip, got %v", results[1].Latency)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_ = store.CreateAuditEntry(ctx, &AuditEntry{Action: "cell.created", Actor: "cli", TargetID: strPtr("sandbox")})
	_ = store.CreateAuditEntry(ctx, &AuditEntry{Action: "user.registered", Actor: "router", TargetID: strPtr("alice")})

	action := "cell.created"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 1 || *entries[0].TargetID != "sandbox" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	all, _ := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if len(all) != 2 {
		t.Errorf("expected 2 entries, got %d", len(all))
	}
}
