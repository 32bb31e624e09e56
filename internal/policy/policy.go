// Package policy gates device-control actions through an OPA policy,
// returning one of allow/require_confirmation/block (SPEC_FULL.md §4.L,
// supplementing the device-control features original_source/agent's
// sensor/feeder handlers implemented without any policy gate at all).
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is one outcome of a policy evaluation.
type Decision string

const (
	Allow              Decision = "allow"
	RequireConfirmation Decision = "require_confirmation"
	Block              Decision = "block"
)

// Engine evaluates the device-control tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares an Engine from rego source. Pass DefaultPolicy for
// the stock policy.
func NewEngine(ctx context.Context, policySource string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.device_policy.decision"),
		rego.Module("device_policy.rego", policySource),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// Input is the evaluation input for one device-control action.
type Input struct {
	Action   string         `json:"action"`
	DeviceID string         `json:"device_id"`
	UserID   string         `json:"user_id"`
	Args     map[string]any `json:"args"`
}

// Evaluate returns the decision (and reason, when the policy supplies
// one) for input. An unrecognized or missing rule result defaults to
// Allow, matching the policy's own `default decision = "allow"`.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("policy: evaluate: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, "default", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return Decision(s), "", nil
	}
	if obj, ok := val.(map[string]any); ok {
		d, _ := obj["decision"].(string)
		reason, _ := obj["reason"].(string)
		if d == "" {
			d = string(Allow)
		}
		return Decision(d), reason, nil
	}
	return Allow, "unrecognized policy result", nil
}

// DefaultPolicy blocks feeder overrides above a safety threshold and
// requires confirmation for any actuator change, matching the caution
// original_source/agent's feeder_handler.py applied ad hoc in Python.
const DefaultPolicy = `
package device_policy

default decision = "allow"

decision = "block" {
	input.action == "feed.override"
	input.args.amount_g > 500
}

decision = "require_confirmation" {
	input.action == "feed.override"
	input.args.amount_g <= 500
}

decision = "require_confirmation" {
	input.action == "actuator.set"
}
`
