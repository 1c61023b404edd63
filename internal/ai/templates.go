package ai

import (
	"bytes"
	"maps"
	"slices"
	"sync"
	"text/template"

	"github.com/rendis/stepflow/pkg/schema"
)

// builtinTemplates are always available unless overridden by name.
var builtinTemplates = map[string]string{
	"summarize": "Summarize the following text in a few sentences:\n\n{{.text}}",
	"classify":  "Classify the following text into one of these categories: {{join .categories \", \"}}.\nAnswer with the category only.\n\n{{.text}}",
	"extract":   "Extract the following fields as a JSON object: {{join .fields \", \"}}.\n\n{{.text}}",
	"translate": "Translate the following text to {{.language}}:\n\n{{.text}}",
}

// Templates is a named catalogue of prompt templates written in text/template
// syntax. Referencing a missing variable is an error.
type Templates struct {
	mu    sync.RWMutex
	byKey map[string]*template.Template
}

// NewTemplates parses the built-in templates plus extra (extra wins on name clash).
func NewTemplates(extra map[string]string) (*Templates, error) {
	t := &Templates{byKey: make(map[string]*template.Template)}
	all := maps.Clone(builtinTemplates)
	maps.Copy(all, extra)
	for name, src := range all {
		if err := t.Add(name, src); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add parses src and registers it under name, replacing any previous template.
func (t *Templates) Add(name, src string) error {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{"join": join}).
		Parse(src)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse template %q: %s", name, err.Error()).WithCause(err)
	}
	t.mu.Lock()
	t.byKey[name] = tmpl
	t.mu.Unlock()
	return nil
}

// Render executes the named template with vars.
func (t *Templates) Render(name string, vars map[string]any) (string, error) {
	t.mu.RLock()
	tmpl, ok := t.byKey[name]
	t.mu.RUnlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "unknown prompt template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "render template %q: %s", name, err.Error()).WithCause(err)
	}
	return buf.String(), nil
}

// Names returns the registered template names, sorted.
func (t *Templates) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.byKey))
}

// join renders a list of values separated by sep. Non-list values render as is.
func join(v any, sep string) string {
	var buf bytes.Buffer
	switch items := v.(type) {
	case []any:
		for i, item := range items {
			if i > 0 {
				buf.WriteString(sep)
			}
			buf.WriteString(toString(item))
		}
	case []string:
		for i, item := range items {
			if i > 0 {
				buf.WriteString(sep)
			}
			buf.WriteString(item)
		}
	default:
		buf.WriteString(toString(v))
	}
	return buf.String()
}
