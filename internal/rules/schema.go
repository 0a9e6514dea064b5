package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 各条件参数的 JSON Schema。
var conditionSchemas = map[ConditionType]string{
	ConditionDeltaBreach: `{
		"type": "object",
		"properties": {"max_delta": {"type": "number", "minimum": 0}},
		"additionalProperties": false
	}`,
	ConditionTimeExit: `{
		"type": "object",
		"required": ["exit_time"],
		"properties": {"exit_time": {"type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9](:[0-5][0-9])?$"}},
		"additionalProperties": false
	}`,
	ConditionPortfolioLimit: `{
		"type": "object",
		"properties": {"max_margin_usage": {"type": "number", "minimum": 0, "maximum": 100}},
		"additionalProperties": false
	}`,
	ConditionCustom: `{
		"type": "object",
		"required": ["predicate"],
		"properties": {"predicate": {"type": "string", "minLength": 1}}
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[ConditionType]*jsonschema.Schema {
	out := make(map[ConditionType]*jsonschema.Schema, len(conditionSchemas))
	for cond, raw := range conditionSchemas {
		schema, err := compileSchema(string(cond)+".json", raw)
		if err != nil {
			panic(fmt.Sprintf("rules: compile %s schema: %v", cond, err))
		}
		out[cond] = schema
	}
	return out
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// ValidateParams checks a rule's params against its condition schema and
// returns them normalized (numbers as float64, numeric strings converted).
func ValidateParams(cond ConditionType, params map[string]any) (map[string]any, error) {
	schema, ok := compiledSchemas[cond]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", cond)
	}
	norm, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(norm); err != nil {
		return nil, fmt.Errorf("%s params: %w", cond, err)
	}
	return norm, nil
}

func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params not json encodable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for k, v := range out {
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				out[k] = f
			}
		}
	}
	return out, nil
}
