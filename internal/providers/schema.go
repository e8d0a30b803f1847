package providers

// CleanSchemaForProvider strips JSON-schema keywords a given provider's
// tool-calling implementation rejects or ignores, recursing into nested
// "properties" and array "items". The input is not mutated.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	switch provider {
	case "gemini":
		// Gemini's function-calling schema validator rejects several
		// standard JSON-schema keywords outright.
		delete(out, "additionalProperties")
		delete(out, "$schema")
		delete(out, "exclusiveMinimum")
		delete(out, "exclusiveMaximum")
	case "anthropic":
		delete(out, "$schema")
	}

	if props, ok := out["properties"].(map[string]interface{}); ok {
		cleanedProps := make(map[string]interface{}, len(props))
		for name, raw := range props {
			if nested, ok := raw.(map[string]interface{}); ok {
				cleanedProps[name] = CleanSchemaForProvider(provider, nested)
			} else {
				cleanedProps[name] = raw
			}
		}
		out["properties"] = cleanedProps
	}

	if items, ok := out["items"].(map[string]interface{}); ok {
		out["items"] = CleanSchemaForProvider(provider, items)
	}

	return out
}

// CleanToolSchemas translates ToolDefinitions into the wire shape
// OpenAI-compatible APIs expect, applying CleanSchemaForProvider to
// each tool's parameter schema along the way.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, len(tools))
	for i, t := range tools {
		out[i] = map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		}
	}
	return out
}
