package scoring

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultDefinitions returns the standard GACP critical control points:
// eight equally weighted criteria with a common minimum-score floor.
// Deployments with a regulator-issued CCP catalogue load it from a file
// instead.
func DefaultDefinitions() []CCPDefinition {
	names := []struct {
		id, name string
	}{
		{"ccp-seed-quality", "Seed and planting material quality"},
		{"ccp-soil-management", "Soil and substrate management"},
		{"ccp-water-quality", "Irrigation water quality"},
		{"ccp-pest-control", "Pest and disease control"},
		{"ccp-harvest-practice", "Harvest practice"},
		{"ccp-post-harvest", "Post-harvest handling"},
		{"ccp-storage", "Storage and transport"},
		{"ccp-record-keeping", "Record keeping and traceability"},
	}
	defs := make([]CCPDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, CCPDefinition{ID: n.id, Name: n.name, Weight: 12.5, MinScore: 60})
	}
	return defs
}

// LoadDefinitionsFile reads a JSON array of CCP definitions and validates
// it as a complete catalogue.
func LoadDefinitionsFile(path string) ([]CCPDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}
	var defs []CCPDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse definitions file: %w", err)
	}
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	return defs, nil
}
