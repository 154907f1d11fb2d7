package provision

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog"
)

func setupProvisioner(t *testing.T) (*LocalProvisioner, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	p, err := NewLocalProvisioner(store, 9001, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalProvisioner() error = %v", err)
	}
	return p, store
}

func uploadTemplate(t *testing.T, store *stores.SQLiteStore, version, image string) int {
	t.Helper()
	content, err := GenerateTemplate(version, image)
	if err != nil {
		t.Fatalf("GenerateTemplate() error = %v", err)
	}
	tmpl, err := store.PutTemplate(context.Background(), content)
	if err != nil {
		t.Fatalf("PutTemplate() error = %v", err)
	}
	return tmpl.Version
}

func TestParseTemplate(t *testing.T) {
	schema, err := NewSchema()
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}

	content, _ := GenerateTemplate("v1", "registry.local/cell:1.0.0")
	tmpl, err := schema.ParseTemplate(content)
	if err != nil {
		t.Fatalf("ParseTemplate() error = %v", err)
	}
	if tmpl.ImageURI != "registry.local/cell:1.0.0" || tmpl.ContainerPort != 8080 || tmpl.Endpoint != DefaultEndpoint {
		t.Errorf("unexpected template: %+v", tmpl)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"missing version", "image_uri: img\ncpu: 256\nmemory: 512\ncontainer_port: 8080\ndesired_count: 1\n"},
		{"zero cpu", "version: v1\nimage_uri: img\ncpu: 0\nmemory: 512\ncontainer_port: 8080\ndesired_count: 1\n"},
		{"memory below cpu", "version: v1\nimage_uri: img\ncpu: 1024\nmemory: 512\ncontainer_port: 8080\ndesired_count: 1\n"},
		{"port out of range", "version: v1\nimage_uri: img\ncpu: 256\nmemory: 512\ncontainer_port: 70000\ndesired_count: 1\n"},
		{"not yaml", "version: [v1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := schema.ParseTemplate(tt.content); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateInput(t *testing.T) {
	schema, _ := NewSchema()

	valid := StackInput{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: 1, Stage: stores.StageProd}
	if err := schema.ValidateInput(valid); err != nil {
		t.Errorf("expected valid input, got %v", err)
	}

	bad := []StackInput{
		{StackName: "Cell-Cell_A", CellID: "Cell_A", TemplateVersion: 1, Stage: stores.StageProd},
		{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: 0, Stage: stores.StageProd},
		{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: 1, Stage: "staging"},
	}
	for _, input := range bad {
		if err := schema.ValidateInput(input); err == nil {
			t.Errorf("expected %+v to be rejected", input)
		}
	}
}

func TestCreateStack(t *testing.T) {
	p, store := setupProvisioner(t)
	ctx := context.Background()
	version := uploadTemplate(t, store, "v1", "img:1")

	sandbox, err := p.CreateStack(ctx, StackInput{StackName: "Cell-sandbox", CellID: "sandbox", TemplateVersion: version, Stage: stores.StageSandbox})
	if err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if sandbox.Outputs[OutputDNSName] != "localhost:9001" {
		t.Errorf("expected first cell on base port, got %s", sandbox.Outputs[OutputDNSName])
	}
	if sandbox.Outputs[OutputTableName] != "cell-sandbox-items" {
		t.Errorf("unexpected table name %s", sandbox.Outputs[OutputTableName])
	}
	if sandbox.Parameters["imageUri"] != "img:1" {
		t.Errorf("expected template image, got %s", sandbox.Parameters["imageUri"])
	}

	cellA, err := p.CreateStack(ctx, StackInput{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: version, ImageURI: "img:override", Stage: stores.StageProd})
	if err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if cellA.Outputs[OutputDNSName] != "localhost:9002" || cellA.Parameters["imageUri"] != "img:override" {
		t.Errorf("unexpected second stack: %+v", cellA)
	}

	_, err = p.CreateStack(ctx, StackInput{StackName: "Cell-sandbox", CellID: "sandbox", TemplateVersion: version, Stage: stores.StageSandbox})
	if engine.CodeOf(err) != engine.ErrCodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}

	_, err = p.CreateStack(ctx, StackInput{StackName: "Cell-cell-b", CellID: "cell-b", TemplateVersion: 42, Stage: stores.StageProd})
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND for unknown template version, got %v", err)
	}
}

func TestEndpointPattern(t *testing.T) {
	p, store := setupProvisioner(t)
	ctx := context.Background()

	content := "version: v1\nimage_uri: img\ncpu: 256\nmemory: 512\ncontainer_port: 8080\nendpoint: ${CELL_ID}.cells.local:${PORT}\ndesired_count: 2\n"
	tmpl, _ := store.PutTemplate(ctx, content)

	stack, err := p.CreateStack(ctx, StackInput{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: tmpl.Version, Stage: stores.StageProd})
	if err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if stack.Outputs[OutputDNSName] != "cell-a.cells.local:9001" {
		t.Errorf("unexpected dns name %s", stack.Outputs[OutputDNSName])
	}
}

func TestUpdateStackKeepsPort(t *testing.T) {
	p, store := setupProvisioner(t)
	ctx := context.Background()
	v1 := uploadTemplate(t, store, "v1", "img:1")

	if _, err := p.CreateStack(ctx, StackInput{StackName: "Cell-sandbox", CellID: "sandbox", TemplateVersion: v1, Stage: stores.StageSandbox}); err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if _, err := p.CreateStack(ctx, StackInput{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: v1, Stage: stores.StageProd}); err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}

	v2 := uploadTemplate(t, store, "v2", "img:2")
	updated, err := p.UpdateStack(ctx, StackInput{StackName: "Cell-sandbox", CellID: "sandbox", TemplateVersion: v2, Stage: stores.StageSandbox})
	if err != nil {
		t.Fatalf("UpdateStack() error = %v", err)
	}
	if updated.Status != StatusUpdateComplete || updated.TemplateVersion != v2 {
		t.Errorf("unexpected updated stack: %+v", updated)
	}
	if updated.Outputs[OutputDNSName] != "localhost:9001" {
		t.Errorf("expected port to be kept, got %s", updated.Outputs[OutputDNSName])
	}
	if !strings.HasPrefix(updated.Parameters["imageUri"], "img:2") {
		t.Errorf("expected new image, got %s", updated.Parameters["imageUri"])
	}

	if _, err := p.UpdateStack(ctx, StackInput{StackName: "Cell-missing", CellID: "missing", TemplateVersion: v2, Stage: stores.StageProd}); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestDeleteStack(t *testing.T) {
	p, store := setupProvisioner(t)
	ctx := context.Background()
	v1 := uploadTemplate(t, store, "v1", "img:1")

	if _, err := p.CreateStack(ctx, StackInput{StackName: "Cell-cell-a", CellID: "cell-a", TemplateVersion: v1, Stage: stores.StageProd}); err != nil {
		t.Fatalf("CreateStack() error = %v", err)
	}
	if err := p.DeleteStack(ctx, "Cell-cell-a"); err != nil {
		t.Fatalf("DeleteStack() error = %v", err)
	}
	if err := p.DeleteStack(ctx, "Cell-cell-a"); err != nil {
		t.Errorf("expected deleting a missing stack to succeed, got %v", err)
	}
	if _, err := p.DescribeStack(ctx, "Cell-cell-a"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	// with every cell stack gone allocation starts over at the base port
	next, _ := p.CreateStack(ctx, StackInput{StackName: "Cell-cell-b", CellID: "cell-b", TemplateVersion: v1, Stage: stores.StageProd})
	if next.Outputs[OutputDNSName] != "localhost:9001" {
		t.Errorf("expected base port after all stacks were deleted, got %s", next.Outputs[OutputDNSName])
	}
}

func TestDeployRouter(t *testing.T) {
	p, _ := setupProvisioner(t)
	stack, err := p.DeployRouter(context.Background(), "localhost:8000")
	if err != nil {
		t.Fatalf("DeployRouter() error = %v", err)
	}
	described, err := p.DescribeStack(context.Background(), RouterStackName)
	if err != nil || described.Outputs[OutputDNSName] != "localhost:8000" || stack.Kind != KindRouter {
		t.Errorf("unexpected router stack: %+v, %v", described, err)
	}
}
