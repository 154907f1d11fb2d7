package canary

import (
	"context"
	"fmt"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ScriptEvaluator runs Starlark assertion scripts over canary responses.
//
// A script sees the globals status (int), body (string), latency_ms (int)
// and cell_id (string), plus the json module. It must assign a boolean to
// ok and may assign a string to reason.
type ScriptEvaluator struct {
	timeout time.Duration
}

// ScriptResult holds the globals a script left behind.
type ScriptResult struct {
	Output        map[string]interface{}
	ExecutionTime time.Duration
}

// NewScriptEvaluator creates an evaluator. A zero timeout means 5s.
func NewScriptEvaluator(timeout time.Duration) *ScriptEvaluator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScriptEvaluator{timeout: timeout}
}

// Evaluate executes script with input bound as predeclared globals.
func (se *ScriptEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*ScriptResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "canary",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkjson.Module,
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, "canary.star", script, predeclared)
		done <- outcome{globals: globals, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		return nil, fmt.Errorf("canary script timed out after %v", se.timeout)
	}
	if res.err != nil {
		return nil, fmt.Errorf("canary script failed: %w", res.err)
	}

	output := make(map[string]interface{}, len(res.globals))
	for name, val := range res.globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &ScriptResult{Output: output, ExecutionTime: time.Since(start)}, nil
}

// Assert runs an assertion script and reports whether the response passed.
func (se *ScriptEvaluator) Assert(ctx context.Context, script string, input map[string]interface{}) (bool, string, error) {
	result, err := se.Evaluate(ctx, script, input)
	if err != nil {
		return false, "", err
	}

	ok, isBool := result.Output["ok"].(bool)
	if !isBool {
		return false, "", fmt.Errorf("canary script must set ok to a bool")
	}
	reason, _ := result.Output["reason"].(string)
	return ok, reason, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	case *starlarkstruct.Module:
		// modules such as json are predeclared, not results
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
