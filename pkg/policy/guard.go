package policy

import (
	"github.com/google/cel-go/cel"

	"github.com/veridact/erasure/pkg/contracts"
)

// GuardInput is the evaluation context handed to an override guard
// expression.
type GuardInput struct {
	Action     contracts.OverrideAction
	Status     contracts.WorkflowStatus
	Phase      contracts.Phase
	Reason     string
	LegalBasis string
	Role       string
	Systems    []string
}

// GuardSet holds the compiled CEL guard per override action. Actions
// without a guard are always allowed.
type GuardSet struct {
	programs map[string]cel.Program
}

var emptyGuards = &GuardSet{}

func guardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("legal_basis", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("systems", cel.ListType(cel.StringType)),
	)
}

// CompileGuards compiles the action-to-expression map from a policy
// document. Every expression must be a boolean.
func CompileGuards(exprs map[string]string) (*GuardSet, error) {
	if len(exprs) == 0 {
		return emptyGuards, nil
	}
	env, err := guardEnv()
	if err != nil {
		return nil, contracts.Errf(contracts.CodePolicyConfig, "build guard environment: %v", err).WithCause(err)
	}
	set := &GuardSet{programs: make(map[string]cel.Program, len(exprs))}
	for action, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, contracts.Errf(contracts.CodePolicyConfig,
				"guard for %s does not compile: %v", action, issues.Err()).WithCause(issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, contracts.Errf(contracts.CodePolicyConfig,
				"guard for %s must evaluate to bool, got %s", action, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, contracts.Errf(contracts.CodePolicyConfig,
				"guard for %s does not build: %v", action, err).WithCause(err)
		}
		set.programs[action] = prg
	}
	return set, nil
}

// Allow evaluates the guard for the input's action. Missing guards allow;
// evaluation errors deny with POLICY_CONFIG.
func (g *GuardSet) Allow(in GuardInput) (bool, error) {
	if g == nil || g.programs == nil {
		return true, nil
	}
	prg, ok := g.programs[string(in.Action)]
	if !ok {
		return true, nil
	}
	systems := make([]string, len(in.Systems))
	copy(systems, in.Systems)
	out, _, err := prg.Eval(map[string]any{
		"action":      string(in.Action),
		"status":      string(in.Status),
		"phase":       string(in.Phase),
		"reason":      in.Reason,
		"legal_basis": in.LegalBasis,
		"role":        in.Role,
		"systems":     systems,
	})
	if err != nil {
		return false, contracts.Errf(contracts.CodePolicyConfig,
			"guard for %s failed to evaluate: %v", in.Action, err).WithCause(err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, contracts.Errf(contracts.CodePolicyConfig,
			"guard for %s returned non-bool %T", in.Action, out.Value())
	}
	return allowed, nil
}
