package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/resume-agent/runtime/internal/apierror"
)

// schemaSource defines the JSON-Schema bodies validated before reaching
// handler logic, per spec.md §6 and SPEC_FULL.md §B's jsonschema/v6
// wiring. Each is compiled once at server construction rather than per
// request, since the schema set is fixed for the process lifetime.
var schemaSource = map[string]string{
	"create_session": `{
		"type": "object",
		"properties": {
			"workspace_name": {"type": "string"},
			"auto_approve": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"set_jd": `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"url": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"post_message": `{
		"type": "object",
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"idempotency_key": {"type": "string"}
		},
		"required": ["message"],
		"additionalProperties": false
	}`,
	"auto_approve": `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"}
		},
		"required": ["enabled"],
		"additionalProperties": false
	}`,
	"decide_approval": `{
		"type": "object",
		"properties": {
			"apply_to_future": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
}

// schemas holds the compiled validators keyed by the same name used in
// schemaSource.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	out := make(schemas, len(schemaSource))
	for name, src := range schemaSource {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, fmt.Errorf("httpapi: unmarshal schema %q: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		resource := name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("httpapi: add schema resource %q: %w", name, err)
		}
		compiled, err := c.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("httpapi: compile schema %q: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}

// validateBody decodes raw JSON into an `any` document and checks it
// against the named schema, returning a BAD_REQUEST apierror carrying the
// validator's message in Details on failure.
func (s schemas) validateBody(name string, body []byte) error {
	schema, ok := s[name]
	if !ok {
		return fmt.Errorf("httpapi: unknown schema %q", name)
	}
	var doc any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return apierror.Wrap(apierror.CodeBadRequest, "malformed JSON body", err)
		}
	} else {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return apierror.New(apierror.CodeBadRequest, "request body failed validation").
			WithDetails(map[string]any{"validation_error": err.Error()})
	}
	return nil
}
