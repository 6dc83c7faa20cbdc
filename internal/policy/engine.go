// Package policy provides the content-safety policy engine. Message
// content is evaluated against a rego policy before any side effect.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/tomofuminijo/HealthmateUI/internal/domain"
)

// Decision values returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine evaluates message content against a rego policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.content_policy.decision"),
		rego.Module("content_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the policy decision for the given content.
func (e *Engine) Evaluate(ctx context.Context, content string) (string, error) {
	input := map[string]interface{}{"content": content}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default; an empty result means the
		// module is broken, not that the content is safe.
		return "", fmt.Errorf("policy returned no decision")
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned non-string decision")
}

// Check evaluates content and converts a block decision into a
// ValidationError. It satisfies the store's content guard interface.
func (e *Engine) Check(ctx context.Context, content string) error {
	decision, err := e.Evaluate(ctx, content)
	if err != nil {
		return err
	}
	if decision != DecisionAllow {
		return domain.NewValidationError("message", "message contains potentially harmful content")
	}
	return nil
}

// DefaultPolicy blocks the known script-injection patterns: script
// tags, javascript: URIs and inline event-handler attributes.
const DefaultPolicy = `
package content_policy

default decision := "allow"

decision := "block" if regex.match(` + "`(?i)<script[^>]*>`" + `, input.content)

decision := "block" if regex.match(` + "`(?i)javascript\\s*:`" + `, input.content)

decision := "block" if regex.match(` + "`(?i)\\bon\\w+\\s*=`" + `, input.content)
`
