// Package policygate evaluates named CEL predicates against the facts of
// one reasoning call. The trace recorder runs every gate per interaction
// and stores the hits; a gate can only observe the call, never mutate it.
package policygate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// Gate is one named CEL predicate. Expr must evaluate to a boolean over
// the declared variables; a true result means the gate triggered.
type Gate struct {
	Name   string               `json:"name"`
	Expr   string               `json:"expr"`
	Action contracts.GateAction `json:"action"`
}

// Input carries the facts gates can reference. Fields surface as CEL
// variables under their snake_case names.
type Input struct {
	TenantID     string
	WorkspaceID  string
	UserID       string
	Source       string
	Outcome      string
	ModelSlug    string
	RiskScore    float64
	CostEstimate float64
	TokensIn     int64
	TokensOut    int64
	CacheHit     bool
	ToolsAllowed []string
	ToolsUsed    []string
}

func (in Input) vars() map[string]any {
	allowed := in.ToolsAllowed
	if allowed == nil {
		allowed = []string{}
	}
	used := in.ToolsUsed
	if used == nil {
		used = []string{}
	}
	return map[string]any{
		"tenant_id":     in.TenantID,
		"workspace_id":  in.WorkspaceID,
		"user_id":       in.UserID,
		"source":        in.Source,
		"outcome":       in.Outcome,
		"model_slug":    in.ModelSlug,
		"risk_score":    in.RiskScore,
		"cost_estimate": in.CostEstimate,
		"tokens_in":     in.TokensIn,
		"tokens_out":    in.TokensOut,
		"cache_hit":     in.CacheHit,
		"tools_allowed": allowed,
		"tools_used":    used,
	}
}

type compiledGate struct {
	gate Gate
	prg  cel.Program
}

// Evaluator holds gates compiled once at construction. Construction is
// fail-closed: a gate that does not compile rejects the whole set.
type Evaluator struct {
	gates []compiledGate
}

// New compiles every gate against the shared environment.
func New(gates []Gate) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("workspace_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("model_slug", cel.StringType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("cost_estimate", cel.DoubleType),
		cel.Variable("tokens_in", cel.IntType),
		cel.Variable("tokens_out", cel.IntType),
		cel.Variable("cache_hit", cel.BoolType),
		cel.Variable("tools_allowed", cel.ListType(cel.StringType)),
		cel.Variable("tools_used", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policygate: environment: %w", err)
	}

	compiled := make([]compiledGate, 0, len(gates))
	for _, g := range gates {
		if g.Name == "" || g.Expr == "" {
			return nil, fmt.Errorf("policygate: gate needs a name and an expression")
		}
		if g.Action != contracts.GatePass && g.Action != contracts.GateBlock {
			return nil, fmt.Errorf("policygate: gate %s: unknown action %q", g.Name, g.Action)
		}
		ast, issues := env.Compile(g.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policygate: gate %s: compile: %w", g.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policygate: gate %s: program: %w", g.Name, err)
		}
		compiled = append(compiled, compiledGate{gate: g, prg: prg})
	}
	return &Evaluator{gates: compiled}, nil
}

// Evaluate runs every gate in declaration order. Evaluation failures never
// propagate: the gate is reported untriggered with the failure as reason.
func (e *Evaluator) Evaluate(in Input) []contracts.PolicyGateHit {
	hits := make([]contracts.PolicyGateHit, 0, len(e.gates))
	vars := in.vars()
	for _, cg := range e.gates {
		hit := contracts.PolicyGateHit{Gate: cg.gate.Name, Action: cg.gate.Action}
		out, _, err := cg.prg.Eval(vars)
		switch {
		case err != nil:
			hit.Reason = fmt.Sprintf("eval: %v", err)
		default:
			val, ok := out.Value().(bool)
			if !ok {
				hit.Reason = "result not bool"
				break
			}
			hit.Triggered = val
		}
		hits = append(hits, hit)
	}
	return hits
}

// Blocked reports whether any triggered hit carries a BLOCK action.
func Blocked(hits []contracts.PolicyGateHit) bool {
	for _, h := range hits {
		if h.Triggered && h.Action == contracts.GateBlock {
			return true
		}
	}
	return false
}

// DefaultGates is the built-in set applied when the operator configures
// nothing: tool escapes block, expensive or risky calls are flagged.
func DefaultGates() []Gate {
	return []Gate{
		{
			Name:   "unlisted-tool",
			Expr:   `tools_used.exists(t, !(t in tools_allowed))`,
			Action: contracts.GateBlock,
		},
		{
			Name:   "high-risk",
			Expr:   `risk_score >= 0.9`,
			Action: contracts.GatePass,
		},
		{
			Name:   "cost-ceiling",
			Expr:   `cost_estimate > 50.0`,
			Action: contracts.GatePass,
		},
	}
}
