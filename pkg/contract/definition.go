// Package contract holds contract definitions and resolves which of them a
// participant may see and negotiate.
package contract

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

// Definition binds assets to the policy controlling who sees them (access)
// and the policy that governs their use once agreed (contract).
type Definition struct {
	ID               string   `json:"id" yaml:"id"`
	AccessPolicyID   string   `json:"accessPolicyId" yaml:"accessPolicyId"`
	ContractPolicyID string   `json:"contractPolicyId" yaml:"contractPolicyId"`
	AssetIDs         []string `json:"assetIds,omitempty" yaml:"assetIds,omitempty"`
}

// Validate checks required fields.
func (d Definition) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("contract definition id is required")
	case d.AccessPolicyID == "":
		return fmt.Errorf("contract definition %s: access policy is required", d.ID)
	case d.ContractPolicyID == "":
		return fmt.Errorf("contract definition %s: contract policy is required", d.ID)
	}
	return nil
}

// CoversAsset reports whether assetID is offered by this definition. A
// definition without assets covers every asset.
func (d Definition) CoversAsset(assetID string) bool {
	if len(d.AssetIDs) == 0 {
		return true
	}
	for _, a := range d.AssetIDs {
		if a == assetID {
			return true
		}
	}
	return false
}

// DefinitionStore lists the catalog of contract definitions.
type DefinitionStore interface {
	FindAll(ctx context.Context) ([]Definition, error)
	FindByID(ctx context.Context, id string) (Definition, error)
}

// PolicyStore looks up policies by id.
type PolicyStore interface {
	FindPolicy(ctx context.Context, id string) (policy.Policy, error)
}

// MemoryCatalog keeps definitions and policies in memory. It serves as both
// DefinitionStore and PolicyStore.
type MemoryCatalog struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	policies    map[string]policy.Policy
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		definitions: make(map[string]Definition),
		policies:    make(map[string]policy.Policy),
	}
}

func (c *MemoryCatalog) AddDefinition(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[d.ID] = d
	return nil
}

func (c *MemoryCatalog) AddPolicy(p policy.Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[p.ID] = p
	return nil
}

// FindAll returns definitions ordered by id.
func (c *MemoryCatalog) FindAll(_ context.Context) ([]Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.definitions))
	for _, d := range c.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) FindByID(_ context.Context, id string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.definitions[id]
	if !ok {
		return Definition{}, result.NotFoundf("contract definition %s not found", id)
	}
	return d, nil
}

func (c *MemoryCatalog) FindPolicy(_ context.Context, id string) (policy.Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[id]
	if !ok {
		return policy.Policy{}, result.NotFoundf("policy %s not found", id)
	}
	return p, nil
}
