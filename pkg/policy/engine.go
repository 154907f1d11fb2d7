package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine implements engine.PolicyEngine over Rego policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	paths    []string
	settings Settings
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, settings Settings) (*Engine, error) {
	if settings.SandboxCell == "" {
		settings.SandboxCell = engine.DefaultSandboxCell
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		settings: settings,
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	compiled, err := e.compileAll(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = compiled

	return e, nil
}

// Settings returns the fleet settings policies are evaluated with.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// EvaluatePlan evaluates policies against a rollout plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	input := &PolicyInput{
		Operation: OperationRollout,
		Cells:     planCells(plan),
		Plan:      planInput(plan),
		Context:   &PolicyContext{Timestamp: time.Now()},
	}

	result, err := e.evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// EvaluateCell evaluates policies against a single-cell operation such as
// create or delete.
func (e *Engine) EvaluateCell(ctx context.Context, operation string, cell CellInput) (*engine.PolicyResult, error) {
	if cell.Operation == "" {
		cell.Operation = operation
	}
	input := &PolicyInput{
		Operation: operation,
		Cells:     []CellInput{cell},
		Context:   &PolicyContext{Timestamp: time.Now()},
	}

	result, err := e.evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("cell_id", cell.ID).
		Str("operation", operation).
		Bool("allowed", result.Allowed).
		Msg("Cell policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, input *PolicyInput) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input.Settings = e.settings
	if input.Cells == nil {
		input.Cells = []CellInput{}
	}

	// OPA wants plain JSON-shaped values
	var doc interface{}
	if err := roundTrip(input, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}

	result := &engine.PolicyResult{
		Allowed:    true,
		Violations: []engine.PolicyViolation{},
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			}
			result.Violations = append(result.Violations, v)
		}
	}

	result.EvaluatedAt = time.Now()
	return result, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	// set iteration order is not stable across evaluations
	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].ResourceID != violations[j].ResourceID {
			return violations[i].ResourceID < violations[j].ResourceID
		}
		return violations[i].Message < violations[j].Message
	})

	return violations, nil
}

// createViolation creates a PolicyViolation from a deny entry.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if res, ok := v["resource"].(string); ok {
			violation.ResourceID = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAll compiles the built-in policies followed by custom, which
// replace built-ins of the same name.
func (e *Engine) compileAll(ctx context.Context, custom []Policy) (map[string]*compiledPolicy, error) {
	all := append(GetBuiltinPolicies(), custom...)
	compiled := make(map[string]*compiledPolicy, len(all))

	for i := range all {
		policy := all[i]
		if policy.Name == "" {
			return nil, fmt.Errorf("policy without a name")
		}
		if policy.Severity == "" {
			policy.Severity = SeverityWarning
		}
		if e.disabled[policy.Name] {
			policy.Enabled = false
		}
		cp, err := e.compilePolicy(ctx, &policy)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
		}
		compiled[policy.Name] = cp
		e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	}

	return compiled, nil
}

// LoadPolicies loads custom policy files on top of the built-in policies.
// The set is replaced only when every policy compiles.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.apply(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

func (e *Engine) apply(ctx context.Context, custom []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileAll(ctx, custom)
	if err != nil {
		return err
	}
	e.policies = compiled
	return nil
}

// Watch reloads the custom policies whenever a file under the loaded paths
// changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded")
	}

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.apply(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies rereads the custom policy paths from disk.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	e.loader.Invalidate()
	if len(paths) == 0 {
		return e.apply(ctx, nil)
	}
	return e.LoadPolicies(ctx, paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. It stays disabled across reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	cp.policy.Enabled = enabled
	if enabled {
		delete(e.disabled, name)
		e.logger.Info().Str("policy", name).Msg("Policy enabled")
	} else {
		e.disabled[name] = true
		e.logger.Info().Str("policy", name).Msg("Policy disabled")
	}

	return nil
}

func planCells(plan *engine.Plan) []CellInput {
	cells := make([]CellInput, 0, len(plan.Units))
	seen := make(map[string]bool)
	for _, u := range plan.Units {
		if u.Operation == engine.OperationCanary || seen[u.CellID] {
			continue
		}
		seen[u.CellID] = true
		cell := CellInput{ID: u.CellID, Operation: string(u.Operation)}
		if desired, err := engine.DecodeCellState(u.DesiredState); err == nil {
			cell.Stage = desired.Stage
			cell.ImageURI = desired.ImageURI
		}
		cells = append(cells, cell)
	}
	return cells
}

func planInput(plan *engine.Plan) *PlanInput {
	in := &PlanInput{
		ID:    plan.ID,
		Units: make([]UnitInput, 0, len(plan.Units)),
	}
	if v, ok := plan.Metadata["template_version"].(int); ok {
		in.TemplateVersion = v
	}
	for _, u := range plan.Units {
		deps := make([]string, 0, len(u.Dependencies))
		for _, d := range u.Dependencies {
			deps = append(deps, d.TargetID)
		}
		in.Units = append(in.Units, UnitInput{
			ID:             u.ID,
			CellID:         u.CellID,
			Operation:      string(u.Operation),
			ExecutionOrder: u.ExecutionOrder,
			Dependencies:   deps,
		})
	}
	return in
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
