package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/parley/config.schema.json"

// JSONSchema describes parley.yaml for editors and `parley config schema`.
// Field names follow the yaml tags, and unknown keys are rejected to match
// the strict decoder.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Config{})
	s.ID = schemaID
	s.Title = "parley configuration"
	s.Description = fmt.Sprintf("Configuration file, version %d.", CurrentVersion)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode config schema: %w", err)
	}
	return data, nil
}
