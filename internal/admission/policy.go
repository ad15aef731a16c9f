// Package admission decides whether an operator may issue commands. A CEL
// expression over the conversation identity and the command name gives
// deployments a programmable policy; absent an expression, a static
// allowed-user list applies, and an empty list allows everyone.
package admission

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Policy evaluates operator admission. The zero value allows everyone.
type Policy struct {
	program cel.Program
	source  string
	allowed map[int64]struct{}
}

// NewPolicy compiles the CEL expression when one is configured. The
// expression sees `chat` and `user` as ints and `command` as a string and
// must yield a bool.
func NewPolicy(expression string, allowedUsers []int64) (*Policy, error) {
	policy := &Policy{}
	if len(allowedUsers) > 0 {
		policy.allowed = make(map[int64]struct{}, len(allowedUsers))
		for _, id := range allowedUsers {
			policy.allowed[id] = struct{}{}
		}
	}

	expr := strings.TrimSpace(expression)
	if expr == "" {
		return policy, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("chat", cel.IntType),
		cel.Variable("user", cel.IntType),
		cel.Variable("command", cel.StringType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("admission: build environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("admission: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("admission: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("admission: program %q: %w", expr, err)
	}

	policy.program = program
	policy.source = expr
	return policy, nil
}

// Allow reports whether the conversation may run the command. Evaluation
// errors deny and are surfaced so callers can log them.
func (p *Policy) Allow(chatID, userID int64, command string) (bool, error) {
	if p == nil {
		return true, nil
	}
	if p.program != nil {
		val, _, err := p.program.Eval(map[string]any{
			"chat":    chatID,
			"user":    userID,
			"command": command,
		})
		if err != nil {
			return false, fmt.Errorf("admission: eval %q: %w", p.source, err)
		}
		return boolValue(val)
	}
	if len(p.allowed) == 0 {
		return true, nil
	}
	_, ok := p.allowed[userID]
	return ok, nil
}

func boolValue(val ref.Val) (bool, error) {
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	default:
		if val.Type() == types.BoolType {
			if b, ok := val.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("admission: policy yielded non-bool result %T", val)
}
