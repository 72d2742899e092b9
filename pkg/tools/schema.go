package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaOf reflects a parameter struct into the plain map form tool
// definitions carry. Definitions are inlined so providers that reject $ref
// still accept the schema.
func SchemaOf(v interface{}) map[string]interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
