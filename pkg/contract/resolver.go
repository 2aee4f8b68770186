package contract

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

// Policy scopes the resolver evaluates in.
const (
	ScopeCatalog     = "catalog"
	ScopeNegotiation = "contract.negotiation"
)

// Evaluator decides whether a policy holds for an agent in a scope.
type Evaluator interface {
	Evaluate(ctx context.Context, scope string, p policy.Policy, agent policy.Agent) error
}

// Resolver filters the catalog down to the definitions an agent may use.
type Resolver struct {
	definitions DefinitionStore
	policies    PolicyStore
	evaluator   Evaluator
	logger      *slog.Logger
}

func NewResolver(definitions DefinitionStore, policies PolicyStore, evaluator Evaluator) *Resolver {
	return &Resolver{
		definitions: definitions,
		policies:    policies,
		evaluator:   evaluator,
		logger:      slog.Default().With("component", "contract.resolver"),
	}
}

// DefinitionsFor returns every definition whose access and contract policies
// both hold for agent. Denials and dangling policy references filter the
// definition out; only store faults are returned as errors.
func (r *Resolver) DefinitionsFor(ctx context.Context, agent policy.Agent) ([]Definition, error) {
	all, err := r.definitions.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(all))
	for _, d := range all {
		ok, err := r.applies(ctx, d, agent)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// DefinitionFor returns the definition only if it exists and applies to
// agent. A nil result does not say which of the two failed.
func (r *Resolver) DefinitionFor(ctx context.Context, agent policy.Agent, id string) (*Definition, error) {
	d, err := r.definitions.FindByID(ctx, id)
	if err != nil {
		if result.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	ok, err := r.applies(ctx, d, agent)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

// ContractPolicy returns the contract policy of d.
func (r *Resolver) ContractPolicy(ctx context.Context, d Definition) (policy.Policy, error) {
	return r.policies.FindPolicy(ctx, d.ContractPolicyID)
}

// applies evaluates the access policy first and stops on the first denial.
func (r *Resolver) applies(ctx context.Context, d Definition, agent policy.Agent) (bool, error) {
	for _, step := range []struct {
		scope    string
		policyID string
	}{
		{ScopeCatalog, d.AccessPolicyID},
		{ScopeNegotiation, d.ContractPolicyID},
	} {
		p, err := r.policies.FindPolicy(ctx, step.policyID)
		if err != nil {
			if result.IsNotFound(err) {
				r.logger.WarnContext(ctx, "definition references unknown policy", "definition", d.ID, "policy", step.policyID)
				return false, nil
			}
			return false, err
		}
		if err := r.evaluator.Evaluate(ctx, step.scope, p, agent); err != nil {
			r.logger.DebugContext(ctx, "definition filtered", "definition", d.ID, "agent", agent.Identity, "reason", err.Error())
			return false, nil
		}
	}
	return true, nil
}
