package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"

	"github.com/rendis/stepflow/pkg/schema"
)

// AIResponse is the outcome of one AI collaborator call.
type AIResponse struct {
	Content   string         `json:"content"`
	Model     string         `json:"model"`
	Usage     map[string]any `json:"usage,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"` // rate_limit, timeout, server_error, ...
	IsSuccess bool           `json:"is_success"`
}

// AIProcessor is the AI collaborator consumed by AIExecutor. Implementations
// report provider failures through AIResponse.IsSuccess rather than errors.
type AIProcessor interface {
	ProcessText(ctx context.Context, prompt string, data map[string]any, model string) (*AIResponse, error)
	ProcessWithTemplate(ctx context.Context, templateName string, variables, data map[string]any, model string) (*AIResponse, error)
}

// AIExecutor delegates to an AIProcessor.
//
// With node.data["template"] set, the input merged with
// node.data["template_variables"] is rendered by the processor's template API.
// Otherwise node.data["prompt"] is formatted with the input ("{name}"
// placeholders, "{{" and "}}" escapes) and sent as free text.
type AIExecutor struct {
	processor AIProcessor
}

// NewAIExecutor creates an AIExecutor backed by processor.
func NewAIExecutor(processor AIProcessor) *AIExecutor {
	return &AIExecutor{processor: processor}
}

func (a *AIExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	if a.processor == nil {
		return configError("no AI processor configured"), nil
	}
	model := node.String("model", "")

	var (
		resp *AIResponse
		err  error
	)
	if tmpl := node.String("template", ""); tmpl != "" {
		vars := schema.CloneData(input)
		if extra, ok := node.Data["template_variables"].(map[string]any); ok {
			if mErr := mergo.Merge(&vars, schema.CloneData(extra), mergo.WithOverride); mErr != nil {
				return configError("merge template variables: %s", mErr.Error()), nil
			}
		}
		resp, err = a.processor.ProcessWithTemplate(ctx, tmpl, vars, schema.CloneData(input), model)
	} else {
		prompt := node.String("prompt", "")
		if prompt == "" {
			return configError("ai step requires a prompt or a template"), nil
		}
		if strings.Contains(prompt, "{") {
			prompt, err = FormatPrompt(prompt, input)
			if err != nil {
				return configError("format prompt: %s", err.Error()), nil
			}
		}
		resp, err = a.processor.ProcessText(ctx, prompt, schema.CloneData(input), model)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		kind := schema.ErrorKindStep
		var k interface{ ErrorKind() string }
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = schema.ErrorKindTimeout
		case errors.As(err, &k):
			kind = k.ErrorKind()
		}
		return schema.StepFailed(kind, "ai processor: "+err.Error(), false), nil
	}
	if resp == nil {
		return schema.StepFailed(schema.ErrorKindStep, "ai processor returned no response", false), nil
	}
	if !resp.IsSuccess {
		// Bad configuration or a rejected request fails the same way on every attempt.
		permanent := resp.ErrorKind == schema.ErrorKindConfig || resp.ErrorKind == schema.ErrorKindClient
		return schema.StepFailed(resp.ErrorKind, resp.Error, permanent), nil
	}

	return schema.StepSucceeded(map[string]any{
		"ai_response":    resp.Content,
		"model":          resp.Model,
		"usage":          resp.Usage,
		"processed_data": schema.CloneData(input),
	}), nil
}

// FormatPrompt substitutes {key} placeholders with values from vars. "{{" and "}}"
// produce literal braces. Anything after ':' or '!' inside a placeholder is
// ignored. A placeholder naming a missing key is an error.
func FormatPrompt(prompt string, vars map[string]any) (string, error) {
	var b strings.Builder
	b.Grow(len(prompt))

	for i := 0; i < len(prompt); i++ {
		c := prompt[i]
		switch {
		case c == '{' && i+1 < len(prompt) && prompt[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(prompt) && prompt[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '}':
			return "", fmt.Errorf("single '}' at offset %d", i)
		case c == '{':
			end := strings.IndexByte(prompt[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at offset %d", i)
			}
			field := prompt[i+1 : i+1+end]
			if cut := strings.IndexAny(field, ":!"); cut >= 0 {
				field = field[:cut]
			}
			v, ok := vars[field]
			if !ok {
				return "", fmt.Errorf("missing variable %q", field)
			}
			b.WriteString(formatValue(v))
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}
