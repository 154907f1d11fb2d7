package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads custom policies from .rego files and .yaml policy documents.
// Parsed files are cached until their modification time changes.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: 500 * time.Millisecond,
		cache:    make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads every policy under paths. A path is a policy file or a
// directory walked recursively. Files in a directory that fail to parse are
// logged and skipped; an explicitly named file that fails is an error.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFile(path, info)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		found, err := l.loadDir(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, found...)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadDir(dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Policy file vanished")
			continue
		}
		p, err := l.loadFile(path, info)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			continue
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (l *Loader) loadFile(path string, info os.FileInfo) (Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRego(path, string(data))
	case ".yaml", ".yml":
		p, err = parseDocument(data)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return Policy{}, fmt.Errorf("unsupported policy file: %s", path)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRego names the policy after its file. The first comment block forms
// the description; "# severity: <level>" and "# tags: a, b" set those fields.
func parseRego(path, content string) Policy {
	now := time.Now()
	p := Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:      content,
		Severity:  SeverityWarning,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var desc []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if len(desc) > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, ok := strings.Cut(comment, ":")
		switch {
		case ok && strings.TrimSpace(key) == "severity":
			if sev := Severity(strings.TrimSpace(value)); sev.valid() {
				p.Severity = sev
			}
		case ok && strings.TrimSpace(key) == "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
	return p
}

// parseDocument reads a YAML policy document with inline rego.
func parseDocument(data []byte) (Policy, error) {
	var doc struct {
		Name        string                 `yaml:"name"`
		Description string                 `yaml:"description"`
		Severity    Severity               `yaml:"severity"`
		Enabled     *bool                  `yaml:"enabled"`
		Tags        []string               `yaml:"tags"`
		Metadata    map[string]interface{} `yaml:"metadata"`
		Rego        string                 `yaml:"rego"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("invalid policy document: %w", err)
	}
	if doc.Name == "" {
		return Policy{}, fmt.Errorf("policy document has no name")
	}
	if doc.Rego == "" {
		return Policy{}, fmt.Errorf("policy %s has no rego", doc.Name)
	}
	if doc.Severity == "" {
		doc.Severity = SeverityWarning
	}
	if !doc.Severity.valid() {
		return Policy{}, fmt.Errorf("policy %s has unknown severity %q", doc.Name, doc.Severity)
	}

	now := time.Now()
	return Policy{
		Name:        doc.Name,
		Description: doc.Description,
		Rego:        doc.Rego,
		Severity:    doc.Severity,
		Enabled:     doc.Enabled == nil || *doc.Enabled,
		Tags:        doc.Tags,
		Metadata:    doc.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Watch calls reload with a fresh load of paths after policy files change,
// debounced, until ctx is done. It returns once the watcher is set up.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addWatch watches a file, or every directory under a directory.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(l.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(l.debounce)

		case <-timer.C:
			l.Invalidate()
			policies, err := l.Load(ctx, paths)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the current set")
				continue
			}
			if err := reload(policies); err != nil {
				l.logger.Error().Err(err).Msg("Failed to apply reloaded policies, keeping the current set")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// Invalidate drops every cached file so the next load rereads them.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
