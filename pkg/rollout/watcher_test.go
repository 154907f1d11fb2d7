package rollout

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/policy"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/rs/zerolog"
)

func writeTemplate(t *testing.T, path, version string) {
	t.Helper()
	content, err := provision.GenerateTemplate(version, "registry.local/cell:"+version)
	if err != nil {
		t.Fatalf("GenerateTemplate() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestUploadTemplate(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	schema := env.prov.Schema()

	content, _ := provision.GenerateTemplate("v2", "registry.local/cell:v2")
	tmpl, changed, err := UploadTemplate(ctx, env.store, schema, content)
	if err != nil {
		t.Fatalf("UploadTemplate() error = %v", err)
	}
	if !changed || tmpl.Version != 2 {
		t.Errorf("got version %d changed %v, want 2 true", tmpl.Version, changed)
	}

	tmpl, changed, err = UploadTemplate(ctx, env.store, schema, content)
	if err != nil {
		t.Fatalf("UploadTemplate() error = %v", err)
	}
	if changed || tmpl.Version != 2 {
		t.Errorf("re-upload got version %d changed %v, want 2 false", tmpl.Version, changed)
	}

	_, _, err = UploadTemplate(ctx, env.store, schema, "cpu: [not, a, number]")
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("invalid template: error = %v", err)
	}
}

func TestTemplateWatcher_Sync(t *testing.T) {
	env := setupService(t, policy.Settings{})
	ctx := context.Background()
	createCells(t, env, "sandbox", "cell-1")

	path := filepath.Join(t.TempDir(), "cell-template.yaml")
	writeTemplate(t, path, "v2")

	w := NewTemplateWatcher(path, env.store, env.prov.Schema(), NewPipeline(env.svc, zerolog.Nop()), nil, zerolog.Nop())
	tmpl, run, err := w.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if tmpl.Version != 2 || run == nil {
		t.Fatalf("Sync() = v%d run %v", tmpl.Version, run)
	}
	if run.Status != engine.RunStatusSucceeded {
		t.Errorf("run status = %s", run.Status)
	}

	_, run, err = w.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if run != nil {
		t.Error("unchanged template must not start a pipeline")
	}
}

func TestTemplateWatcher_Watch(t *testing.T) {
	env := setupService(t, policy.Settings{})
	createCells(t, env, "sandbox")

	dir := t.TempDir()
	path := filepath.Join(dir, "cell-template.yaml")
	writeTemplate(t, path, "v1")

	w := NewTemplateWatcher(path, env.store, env.prov.Schema(), NewPipeline(env.svc, zerolog.Nop()), nil, zerolog.Nop())
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeTemplate(t, path, "v3")

	deadline := time.Now().Add(5 * time.Second)
	for {
		cell, err := env.reg.Get(context.Background(), "sandbox")
		if err == nil && cell.TemplateVersion == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox was not updated after the template changed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
