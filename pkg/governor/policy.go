// Package governor owns the approval state machine: policy evaluation over
// fresh recommendations, the autonomous fast-path, human decisions, signed
// decision receipts, and SLA expiry.
package governor

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
)

// Engine compiles policy rules once and evaluates them fail-closed: any
// lint, compile, or runtime error is a failed check with the error as the
// recorded reason, never a skipped one.
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	progs map[string]cel.Program
}

// Rule inputs. Money is whole dollars and ratios are integer percent so
// rules never need float literals; the lint below forbids them.
func newPolicyEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("required_role", cel.StringType),
		cel.Variable("business_impact_usd", cel.IntType),
		cel.Variable("risk_probability_pct", cel.IntType),
		cel.Variable("confidence_pct", cel.IntType),
		cel.Variable("delay_hours", cel.IntType),
		cel.Variable("emissions_delta_pct", cel.IntType),
		cel.Variable("regions", cel.ListType(cel.StringType)),
		cel.Variable("agents", cel.ListType(cel.StringType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

func NewEngine() (*Engine, error) {
	env, err := newPolicyEnv()
	if err != nil {
		return nil, fmt.Errorf("policy env: %w", err)
	}
	return &Engine{env: env, progs: make(map[string]cel.Program)}, nil
}

// evaluationCostLimit bounds the runtime cost of one rule evaluation.
const evaluationCostLimit = 100000

// Compile lints and compiles one rule, caching its program under the rule
// name. Recompiling the same name replaces the program.
func (e *Engine) Compile(rule Rule) error {
	if err := lintExpr(e.env, rule.Expr); err != nil {
		return fmt.Errorf("policy %s: %w", rule.Name, err)
	}
	ast, issues := e.env.Compile(rule.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy %s: compile: %w", rule.Name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("policy %s: expression yields %s, want bool", rule.Name, ast.OutputType())
	}
	prog, err := e.env.Program(ast,
		cel.CostLimit(evaluationCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return fmt.Errorf("policy %s: program: %w", rule.Name, err)
	}
	e.mu.Lock()
	e.progs[rule.Name] = prog
	e.mu.Unlock()
	return nil
}

// Evaluate runs one compiled rule against the input. Never returns an error:
// anything that prevents a clean true verdict is a failed check.
func (e *Engine) Evaluate(name string, input map[string]any) orchestrator.PolicyResult {
	e.mu.RLock()
	prog, ok := e.progs[name]
	e.mu.RUnlock()
	if !ok {
		return orchestrator.PolicyResult{Policy: name, Passed: false, Reason: "rule not compiled"}
	}

	val, _, err := prog.Eval(input)
	if err != nil {
		return orchestrator.PolicyResult{Policy: name, Passed: false, Reason: fmt.Sprintf("evaluation error: %v", err)}
	}
	passed, ok := val.Value().(bool)
	if !ok {
		return orchestrator.PolicyResult{Policy: name, Passed: false, Reason: fmt.Sprintf("non-boolean verdict %v", val.Value())}
	}
	if !passed {
		return orchestrator.PolicyResult{Policy: name, Passed: false, Reason: "condition not satisfied"}
	}
	return orchestrator.PolicyResult{Policy: name, Passed: true}
}

// EvaluateAll runs every rule of the pack in pack order.
func (e *Engine) EvaluateAll(pack *Pack, input map[string]any) []orchestrator.PolicyResult {
	results := make([]orchestrator.PolicyResult, 0, len(pack.Rules))
	for _, rule := range pack.Rules {
		results = append(results, e.Evaluate(rule.Name, input))
	}
	return results
}

// PolicyInput flattens a recommendation into the rule variable set.
func PolicyInput(rec *orchestrator.Recommendation) map[string]any {
	regions := []string{}
	agentTypes := []string{}
	delay, emissions := 0, 0
	for _, c := range rec.Contributions {
		regions = append(regions, c.Regions...)
		agentTypes = append(agentTypes, c.AgentType)
		if c.DelayHours > delay {
			delay = c.DelayHours
		}
		if c.EmissionsDeltaPct > emissions {
			emissions = c.EmissionsDeltaPct
		}
	}
	return map[string]any{
		"action":               string(rec.Action),
		"severity":             string(rec.Severity),
		"required_role":        rec.RequiredRole,
		"business_impact_usd":  int64(math.Round(rec.ImpactUSD)),
		"risk_probability_pct": int64(math.Round(rec.RiskProbability * 100)),
		"confidence_pct":       int64(math.Round(rec.Confidence * 100)),
		"delay_hours":          int64(delay),
		"emissions_delta_pct":  int64(emissions),
		"regions":              regions,
		"agents":               agentTypes,
	}
}

// lintExpr rejects constructs that make recorded policy results
// irreproducible: float literals, wall-clock access, and map iteration
// order. The walk covers the parsed AST, not the source text, so string
// contents never false-positive.
func lintExpr(env *cel.Env, source string) error {
	parsed, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("parse: %w", issues.Err())
	}
	expr := parsed.Expr() //nolint:staticcheck // deprecated, but still the only AST traversal surface
	var faults []string
	walkExpr(expr, &faults)
	if len(faults) > 0 {
		return fmt.Errorf("non-deterministic expression: %s", faults[0])
	}
	return nil
}

func walkExpr(e *exprpb.Expr, faults *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, isDouble := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); isDouble {
			*faults = append(*faults, "float literals are forbidden, use integer percent or whole dollars")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*faults = append(*faults, "now() is forbidden, deadlines are computed by the sweeper")
		case "keys", "values":
			*faults = append(*faults, "map iteration (keys/values) is order-dependent")
		}
		if call.Target != nil {
			walkExpr(call.Target, faults)
		}
		for _, arg := range call.Args {
			walkExpr(arg, faults)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, faults)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, faults)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), faults)
			}
			walkExpr(entry.Value, faults)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, faults)
		walkExpr(comp.AccuInit, faults)
		walkExpr(comp.LoopCondition, faults)
		walkExpr(comp.LoopStep, faults)
		walkExpr(comp.Result, faults)
	}
}
