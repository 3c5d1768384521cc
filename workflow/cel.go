package workflow

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELCondition compiles a CEL expression into an edge condition. The message
// payload is bound to the variable "payload"; the expression must evaluate to
// a bool.
//
//	cond, err := workflow.CELCondition(`payload < 0`)
//	builder.AddEdge("classify", "negative", cond)
//
// Compilation happens once; evaluation errors surface per message through the
// usual condition error path.
func CELCondition(expr string) (Condition, error) {
	env, err := cel.NewEnv(cel.Variable("payload", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program %q: %w", expr, err)
	}

	return func(payload any) (bool, error) {
		out, _, err := prg.Eval(map[string]any{"payload": payload})
		if err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("condition %q evaluated to %T, want bool", expr, out.Value())
		}
		return b, nil
	}, nil
}
