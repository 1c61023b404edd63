package validation

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/rendis/stepflow/pkg/schema"
)

// definitionSchemaJSON describes the on-disk workflow document. Unknown keys are
// tolerated so documents exported from graph editors load unchanged.
const definitionSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "metadata": { "type": "object" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/definitions/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/definitions/edge" }
    }
  },
  "definitions": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "data": { "type": ["object", "null"] },
        "position": {
          "type": ["object", "null"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "type": { "type": "string" }
      }
    }
  }
}`

var (
	documentOnce   sync.Once
	documentSchema *Schema
	documentErr    error
)

func definitionSchema() (*Schema, error) {
	documentOnce.Do(func() {
		documentSchema, documentErr = NewCompiler().Compile(definitionSchemaJSON)
	})
	return documentSchema, documentErr
}

// ValidateDocument checks raw JSON against the workflow document schema.
func ValidateDocument(raw []byte) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		res.AddError("/", schema.ErrCodeDefinition, "document is not valid JSON: "+err.Error())
		return res
	}

	s, err := definitionSchema()
	if err != nil {
		res.AddError("/", schema.ErrCodeDefinition, "document schema unavailable: "+err.Error())
		return res
	}
	for _, v := range s.IterErrors(doc) {
		res.AddError(v.AbsolutePath(), schema.ErrCodeDefinition, v.Message)
	}
	return res
}

// ParseDefinition validates raw against the document schema and decodes it.
// Graph-level checks (dangling edges, cycles) happen when the graph is built.
func ParseDefinition(raw []byte) (*schema.WorkflowDefinition, error) {
	if err := ValidateDocument(raw).ToError(); err != nil {
		return nil, err
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, fmt.Sprintf("decode workflow document: %s", err.Error())).WithCause(err)
	}
	return &def, nil
}
