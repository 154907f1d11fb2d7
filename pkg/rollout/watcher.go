package rollout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/provision"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// UploadTemplate validates content and stores it as a new template version.
// It reports false when content matches the latest version, which is then
// returned unchanged.
func UploadTemplate(ctx context.Context, store stores.Store, schema *provision.Schema, content string) (*stores.Template, bool, error) {
	if _, err := schema.ParseTemplate(content); err != nil {
		return nil, false, engine.NewPermanentError("invalid cell template", err).WithCode(engine.ErrCodeValidation)
	}

	previous, err := store.LatestTemplate(ctx)
	if err != nil && !isNotFound(err) {
		return nil, false, fmt.Errorf("failed to read latest template: %w", err)
	}

	tmpl, err := store.PutTemplate(ctx, content)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store template: %w", err)
	}
	return tmpl, previous == nil || previous.Version != tmpl.Version, nil
}

// TemplateWatcher uploads a template file whenever it changes and runs the
// deployment pipeline for the new version.
type TemplateWatcher struct {
	path     string
	store    stores.Store
	schema   *provision.Schema
	pipeline *Pipeline
	events   *telemetry.EventPublisher
	debounce time.Duration
	logger   zerolog.Logger
}

// NewTemplateWatcher creates a watcher for the template at path. events may
// be nil.
func NewTemplateWatcher(
	path string,
	store stores.Store,
	schema *provision.Schema,
	pipeline *Pipeline,
	events *telemetry.EventPublisher,
	logger zerolog.Logger,
) *TemplateWatcher {
	return &TemplateWatcher{
		path:     path,
		store:    store,
		schema:   schema,
		pipeline: pipeline,
		events:   events,
		debounce: 500 * time.Millisecond,
		logger:   logger.With().Str("component", "template-watcher").Str("path", path).Logger(),
	}
}

// Sync uploads the current file content and, when it is a new version, runs
// the pipeline. The run is nil when nothing changed.
func (w *TemplateWatcher) Sync(ctx context.Context) (*stores.Template, *engine.Run, error) {
	content, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read template: %w", err)
	}

	tmpl, changed, err := UploadTemplate(ctx, w.store, w.schema, string(content))
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		w.logger.Debug().Int("template_version", tmpl.Version).Msg("Template unchanged")
		return tmpl, nil, nil
	}

	w.logger.Info().Int("template_version", tmpl.Version).Msg("Template uploaded")
	_ = w.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeTemplateUploaded,
		Source:  "template-watcher",
		Message: fmt.Sprintf("Template version %d uploaded from %s", tmpl.Version, w.path),
		Data:    map[string]interface{}{"version": tmpl.Version, "hash": tmpl.Hash},
	})

	run, err := w.pipeline.Run(ctx, tmpl.Version)
	return tmpl, run, err
}

// Watch blocks until ctx is done, syncing after every change of the file.
// Editors that replace the file are handled by watching its directory.
func (w *TemplateWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	w.logger.Info().Msg("Watching template")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if _, _, err := w.Sync(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Template sync failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
