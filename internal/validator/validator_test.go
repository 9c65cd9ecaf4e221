package validator

import (
	"encoding/json"
	"testing"

	"github.com/quantfolio/researchd/pkg/types"
)

func TestValidatePipelineJSON(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Run("valid pipeline", func(t *testing.T) {
		doc := `{
			"name": "stock-analysis",
			"nodes": [
				{"id": "research", "role": "researcher", "goal": "gather news"},
				{"id": "report", "role": "analyst", "goal": "write report", "depends_on": ["research"]}
			]
		}`
		result := v.ValidatePipelineJSON([]byte(doc))
		if !result.Valid {
			t.Fatalf("expected valid, got errors: %v", result.Errors)
		}
	})

	t.Run("missing goal", func(t *testing.T) {
		doc := `{"name": "x", "nodes": [{"id": "a", "role": "r"}]}`
		result := v.ValidatePipelineJSON([]byte(doc))
		if result.Valid {
			t.Fatal("expected invalid")
		}
	})

	t.Run("bad node id", func(t *testing.T) {
		doc := `{"name": "x", "nodes": [{"id": "Bad ID", "role": "r", "goal": "g"}]}`
		result := v.ValidatePipelineJSON([]byte(doc))
		if result.Valid {
			t.Fatal("expected invalid")
		}
	})

	t.Run("empty nodes", func(t *testing.T) {
		doc := `{"name": "x", "nodes": []}`
		result := v.ValidatePipelineJSON([]byte(doc))
		if result.Valid {
			t.Fatal("expected invalid")
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		result := v.ValidatePipelineJSON([]byte(`{not json`))
		if result.Valid {
			t.Fatal("expected invalid")
		}
		if len(result.Errors) == 0 || result.Errors[0].Path != "$" {
			t.Fatalf("expected root error, got %v", result.Errors)
		}
	})
}

func TestValidateRecord(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	schema := json.RawMessage(`{
		"type": "object",
		"required": ["symbol", "score"],
		"properties": {
			"symbol": {"type": "string"},
			"score": {"type": "number"}
		}
	}`)

	t.Run("conforming record", func(t *testing.T) {
		result := v.ValidateRecord(schema, types.Record{"symbol": "AAPL", "score": 0.82})
		if err := result.Err(); err != nil {
			t.Fatalf("expected valid: %v", err)
		}
	})

	t.Run("missing field", func(t *testing.T) {
		result := v.ValidateRecord(schema, types.Record{"symbol": "AAPL"})
		if result.Valid {
			t.Fatal("expected invalid")
		}
		if result.Err() == nil {
			t.Fatal("expected error from Err()")
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		result := v.ValidateRecord(schema, types.Record{"symbol": 42, "score": "high"})
		if result.Valid {
			t.Fatal("expected invalid")
		}
	})

	t.Run("schema is cached", func(t *testing.T) {
		v.ValidateRecord(schema, types.Record{"symbol": "a", "score": 1.0})
		v.mu.RLock()
		_, ok := v.cache[string(schema)]
		v.mu.RUnlock()
		if !ok {
			t.Fatal("expected compiled schema in cache")
		}
	})

	t.Run("invalid schema", func(t *testing.T) {
		bad := json.RawMessage(`{"type": "nope"}`)
		result := v.ValidateRecord(bad, types.Record{})
		if result.Valid {
			t.Fatal("expected invalid")
		}
	})
}

func TestCheckSchema(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.CheckSchema(json.RawMessage(`{"type": "object"}`)); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	if err := v.CheckSchema(json.RawMessage(`{"type": 12}`)); err == nil {
		t.Fatal("expected compile error")
	}
}
