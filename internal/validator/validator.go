// Package validator provides JSON schema validation for pipelines, tool
// arguments, and node output contracts.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quantfolio/researchd/pkg/types"
)

// Validator validates pipeline submissions and arbitrary records against
// caller-supplied schemas. Compiled schemas are cached by their raw text.
type Validator struct {
	pipelineSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err flattens a failed result into a single error, or nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
}

// New creates a new validator with the embedded pipeline schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}

	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &Validator{
		pipelineSchema: pipelineSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePipeline validates a decoded pipeline document.
func (v *Validator) ValidatePipeline(pipeline map[string]interface{}) *ValidationResult {
	return v.validate(v.pipelineSchema, pipeline)
}

// ValidatePipelineJSON validates a JSON-encoded pipeline document.
func (v *Validator) ValidatePipelineJSON(data []byte) *ValidationResult {
	var pipeline map[string]interface{}
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidatePipeline(pipeline)
}

// ValidateRecord validates a record against a raw JSON schema. The schema is
// compiled on first use and cached for subsequent calls.
func (v *Validator) ValidateRecord(schema json.RawMessage, record types.Record) *ValidationResult {
	compiled, err := v.compile(schema)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid schema: %v", err)},
			},
		}
	}
	// jsonschema validates plain decoded values, so round-trip through the
	// generic form to normalize numbers.
	data, err := json.Marshal(record)
	if err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$", Message: err.Error()}},
		}
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$", Message: err.Error()}},
		}
	}
	return v.validate(compiled, generic)
}

// CheckSchema reports whether a raw schema document compiles.
func (v *Validator) CheckSchema(schema json.RawMessage) error {
	_, err := v.compile(schema)
	return err
}

func (v *Validator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(key)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// Embedded JSON schema

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline",
  "description": "Schema for researchd pipeline submissions",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable pipeline name"
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "role", "goal"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-z][a-z0-9._-]*$",
            "description": "Unique node identifier"
          },
          "role": {
            "type": "string",
            "minLength": 1,
            "description": "Agent persona for the node"
          },
          "goal": {
            "type": "string",
            "minLength": 1,
            "description": "Objective the agent must satisfy"
          },
          "depends_on": {
            "type": "array",
            "items": {"type": "string"},
            "description": "IDs of upstream nodes"
          },
          "tools": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Tool names the node may invoke"
          },
          "output_schema": {
            "type": "object",
            "description": "JSON schema the node output must satisfy"
          },
          "max_iterations": {
            "type": "integer",
            "minimum": 1,
            "description": "Reasoning loop ceiling override"
          }
        }
      },
      "description": "Nodes of the task graph"
    }
  }
}`
