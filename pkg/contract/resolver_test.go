package contract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
)

type recordingEvaluator struct {
	engine *policy.Engine
	calls  []string
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, scope string, p policy.Policy, agent policy.Agent) error {
	r.calls = append(r.calls, scope+":"+p.ID)
	return r.engine.Evaluate(ctx, scope, p, agent)
}

func newCatalog(t *testing.T) *MemoryCatalog {
	t.Helper()
	c := NewMemoryCatalog()
	require.NoError(t, c.AddPolicy(policy.Policy{ID: "allow-all"}))
	require.NoError(t, c.AddPolicy(policy.Policy{ID: "deny-all", Permissions: []string{"false"}}))
	require.NoError(t, c.AddPolicy(policy.Policy{ID: "eu-only", Permissions: []string{`agent.claims.region == "EU"`}}))

	require.NoError(t, c.AddDefinition(Definition{ID: "def-open", AccessPolicyID: "allow-all", ContractPolicyID: "allow-all"}))
	require.NoError(t, c.AddDefinition(Definition{ID: "def-closed", AccessPolicyID: "deny-all", ContractPolicyID: "allow-all"}))
	return c
}

func newResolver(t *testing.T, c *MemoryCatalog) (*Resolver, *recordingEvaluator) {
	t.Helper()
	engine, err := policy.NewEngine()
	require.NoError(t, err)
	ev := &recordingEvaluator{engine: engine}
	return NewResolver(c, c, ev), ev
}

func TestResolver_DefinitionsFor_GatesOnAccessPolicy(t *testing.T) {
	r, ev := newResolver(t, newCatalog(t))
	defs, err := r.DefinitionsFor(context.Background(), policy.Agent{Identity: "consumer"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "def-open", defs[0].ID)

	// def-closed fails fast on its access policy
	assert.Equal(t, []string{
		"catalog:deny-all",
		"catalog:allow-all", "contract.negotiation:allow-all",
	}, ev.calls)
}

func TestResolver_BothPoliciesMustHold(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.AddDefinition(Definition{ID: "def-eu", AccessPolicyID: "allow-all", ContractPolicyID: "eu-only"}))
	r, _ := newResolver(t, c)
	ctx := context.Background()

	eu := policy.Agent{Identity: "a", Claims: map[string]any{"region": "EU"}}
	us := policy.Agent{Identity: "b", Claims: map[string]any{"region": "US"}}

	d, err := r.DefinitionFor(ctx, eu, "def-eu")
	require.NoError(t, err)
	require.NotNil(t, d)

	d, err = r.DefinitionFor(ctx, us, "def-eu")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestResolver_DefinitionFor_HidesExistence(t *testing.T) {
	r, _ := newResolver(t, newCatalog(t))
	ctx := context.Background()
	agent := policy.Agent{Identity: "consumer"}

	missing, err := r.DefinitionFor(ctx, agent, "def-missing")
	require.NoError(t, err)
	denied, err := r.DefinitionFor(ctx, agent, "def-closed")
	require.NoError(t, err)

	assert.Nil(t, missing)
	assert.Nil(t, denied)
}

func TestResolver_UnknownPolicyFiltersDefinition(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.AddDefinition(Definition{ID: "def-dangling", AccessPolicyID: "allow-all", ContractPolicyID: "gone"}))
	r, _ := newResolver(t, c)

	defs, err := r.DefinitionsFor(context.Background(), policy.Agent{Identity: "consumer"})
	require.NoError(t, err)
	for _, d := range defs {
		assert.NotEqual(t, "def-dangling", d.ID)
	}
}

func TestDefinition_Validate(t *testing.T) {
	assert.Error(t, Definition{}.Validate())
	assert.Error(t, Definition{ID: "x", AccessPolicyID: "a"}.Validate())
	assert.NoError(t, Definition{ID: "x", AccessPolicyID: "a", ContractPolicyID: "c"}.Validate())
	assert.True(t, Definition{ID: "x"}.CoversAsset("any"))
	assert.False(t, Definition{ID: "x", AssetIDs: []string{"a-1"}}.CoversAsset("a-2"))
}
