// Package policy evaluates the ingest allow-list gate (repository must be
// public, event name must be on the accepted list) as a tiny embedded Rego
// module, grounded on services/policy-service/opa_engine.go's OPAEngine:
// compile once, PrepareForEval once, Eval per request against a fixed
// query path.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

const module = `
package bayesengine.ingest

default allow = false

allow {
	input.repository_visibility == "public"
	input.event_name == accepted_events[_]
}
`

// Gate wraps a single prepared query deciding whether an ingest's claims
// are allowed past C4's authentication step.
type Gate struct {
	prepared rego.PreparedEvalQuery
}

// New compiles the embedded allow-list module against acceptedEvents.
// acceptedEvents is baked into the query input at construction since the
// set rarely changes and every evaluation needs it.
func New(ctx context.Context, acceptedEvents []string) (*Gate, error) {
	quoted := make([]string, len(acceptedEvents))
	for i, e := range acceptedEvents {
		quoted[i] = fmt.Sprintf("%q", e)
	}
	moduleWithEvents := strings.Replace(module,
		"default allow = false",
		fmt.Sprintf("accepted_events := [%s]\n\ndefault allow = false", strings.Join(quoted, ", ")),
		1)

	prepared, err := rego.New(
		rego.Query("data.bayesengine.ingest.allow"),
		rego.Module("ingest.rego", moduleWithEvents),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: prepare ingest gate: %w", err)
	}
	return &Gate{prepared: prepared}, nil
}

// Allow evaluates the gate for one (repository_visibility, event_name) pair.
func (g *Gate) Allow(ctx context.Context, repositoryVisibility, eventName string) (bool, error) {
	input := map[string]interface{}{
		"repository_visibility": repositoryVisibility,
		"event_name":            eventName,
	}
	results, err := g.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy: eval failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	return allow, nil
}
