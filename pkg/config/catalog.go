package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contract"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
)

//go:embed catalog.schema.json
var catalogSchema []byte

const catalogSchemaURL = "https://connector.schemas.local/catalog.schema.json"

// Catalog is the on-disk shape of the contract catalog.
type Catalog struct {
	Policies    []policy.Policy       `yaml:"policies" json:"policies"`
	Definitions []contract.Definition `yaml:"definitions" json:"definitions"`
}

// PolicyValidator compiles policies ahead of use. *policy.Engine satisfies it.
type PolicyValidator interface {
	Validate(p policy.Policy) error
}

// LoadCatalog reads, schema-checks and loads a YAML catalog file.
func LoadCatalog(path string, validator PolicyValidator) (*contract.MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return ParseCatalog(data, validator)
}

// ParseCatalog validates data against the catalog schema, compiles every
// policy with validator (when non-nil) and checks that each definition
// references known policies.
func ParseCatalog(data []byte, validator PolicyValidator) (*contract.MemoryCatalog, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	out := contract.NewMemoryCatalog()
	known := make(map[string]bool, len(cat.Policies))
	for _, p := range cat.Policies {
		if known[p.ID] {
			return nil, fmt.Errorf("catalog: duplicate policy %q", p.ID)
		}
		if validator != nil {
			if err := validator.Validate(p); err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
		}
		if err := out.AddPolicy(p); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		known[p.ID] = true
	}
	for _, d := range cat.Definitions {
		for _, ref := range []string{d.AccessPolicyID, d.ContractPolicyID} {
			if !known[ref] {
				return nil, fmt.Errorf("catalog: definition %q references unknown policy %q", d.ID, ref)
			}
		}
		if err := out.AddDefinition(d); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}
	return out, nil
}

// validateSchema checks the decoded YAML document. The document is
// re-encoded through JSON so the validator only sees JSON types.
func validateSchema(doc any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(catalogSchemaURL, bytes.NewReader(catalogSchema)); err != nil {
		return fmt.Errorf("catalog schema load failed: %w", err)
	}
	schema, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return fmt.Errorf("catalog schema compile failed: %w", err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("catalog is not JSON-compatible: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("catalog schema validation failed: %w", err)
	}
	return nil
}
