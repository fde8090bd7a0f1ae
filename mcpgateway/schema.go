package mcpgateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateArguments checks raw tool-call (or virtual search-tool)
// arguments against a JSON Schema document before the call is forwarded
// upstream (spec §4.4: the gateway owns the merged catalog, including
// each tool's inputSchema, so it is the natural place to reject a
// malformed call before spending an upstream round trip on it). A
// missing schema is treated as "no constraint" rather than a rejection,
// since not every upstream tool publishes one.
func validateArguments(schema json.RawMessage, arguments json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inputSchema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("load input schema: %w", err)
	}
	compiled, err := compiler.Compile("inputSchema.json")
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}

	var doc interface{} = map[string]interface{}{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &doc); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}

	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match tool input schema: %w", err)
	}
	return nil
}
