package validation

import (
	"bytes"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/stepflow/pkg/schema"
)

var printer = message.NewPrinter(language.English)

// Compiler compiles Draft 7 JSON Schemas and caches them by canonical JSON text.
// It is safe for concurrent use.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]*Schema
	seq   int
}

// NewCompiler creates an empty Compiler.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*Schema)}
}

// Compile accepts a schema as a decoded JSON value (typically map[string]any),
// raw JSON bytes or a JSON string.
func (c *Compiler) Compile(doc any) (*Schema, error) {
	raw, err := canonical(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema is not valid JSON").WithCause(err)
	}
	key := string(raw)

	c.mu.RLock()
	if s, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.cache[key]; ok {
		return s, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema is not valid JSON").WithCause(err)
	}

	// A fresh compiler per schema keeps resource URLs from colliding.
	url := fmt.Sprintf("stepflow://schema/%d", c.seq)
	c.seq++
	jc := newCompiler()
	if err := jc.AddResource(url, parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := jc.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid schema: %s", err.Error()).WithCause(err)
	}

	s := &Schema{compiled: compiled}
	c.cache[key] = s
	return s, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()
	return c
}

// canonical normalizes doc into JSON bytes with sorted object keys.
func canonical(doc any) ([]byte, error) {
	var v any
	switch d := doc.(type) {
	case []byte:
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, err
		}
	case string:
		if err := json.Unmarshal([]byte(d), &v); err != nil {
			return nil, err
		}
	default:
		v = doc
	}
	return json.Marshal(v)
}

// Schema is a compiled JSON Schema. It implements Validator.
type Schema struct {
	compiled *jsonschema.Schema
}

// IsValid reports whether data satisfies the schema.
func (s *Schema) IsValid(data any) bool {
	doc, err := toJSONValue(data)
	if err != nil {
		return false
	}
	return s.compiled.Validate(doc) == nil
}

// IterErrors returns every violation of the schema by data, not only the first.
func (s *Schema) IterErrors(data any) []Violation {
	doc, err := toJSONValue(data)
	if err != nil {
		return []Violation{{Message: "value is not JSON-serializable: " + err.Error()}}
	}
	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Message: err.Error()}}
	}
	return collectViolations(verr)
}

var _ Validator = (*Schema)(nil)

// toJSONValue round-trips a Go value through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// collectViolations walks a ValidationError tree down to its leaves.
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{
			Path:    append([]string(nil), verr.InstanceLocation...),
			Message: verr.ErrorKind.LocalizedString(printer),
		}}
	}

	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
