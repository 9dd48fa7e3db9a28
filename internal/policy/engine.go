// Package policy maps webhook subjects to ingestion actions with an OPA
// rego policy.
package policy

import (
	"context"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
)

// Action is what the webhook ingestor does with an event.
type Action string

const (
	ActionBindCase     Action = "bind_case"
	ActionContentReady Action = "content_ready"
	ActionIgnore       Action = "ignore"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Subject string         `json:"subject"`
	Data    map[string]any `json:"data,omitempty"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.webhook_policy.action"),
		rego.Module("webhook_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}

	return &Engine{query: query}, nil
}

// Load builds an engine from a policy file, or from DefaultPolicy when path
// is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read policy %s", path)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the action for a webhook event. A policy without a
// matching rule yields ActionIgnore.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Action, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return ActionIgnore, errors.Wrap(err, "failed to evaluate policy")
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return ActionIgnore, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return ActionIgnore, errors.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return Action(s), nil
}

// DefaultPolicy routes the two platform events the relay understands.
const DefaultPolicy = `
package webhook_policy

default action = "ignore"

action = "bind_case" {
	input.subject == "/event/Agentforce_Case_Creation_Event__e"
}

action = "content_ready" {
	input.subject == "/event/Agentforce_RAG_Response_Event__e"
}
`
