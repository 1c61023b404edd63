// Package ai implements the AI collaborator consumed by AI steps: a client for
// OpenAI-compatible chat completion APIs.
package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModel           = "gpt-4o-mini"
	defaultTimeout         = 60 * time.Second
	defaultMaxResponseBody = 4 * 1024 * 1024
)

// Config configures the Client.
type Config struct {
	BaseURL           string            `json:"base_url"`
	APIKey            string            `json:"api_key"`
	Model             string            `json:"model"`
	Timeout           time.Duration     `json:"timeout"`
	RequestsPerSecond float64           `json:"requests_per_second"` // 0 = unlimited
	Burst             int               `json:"burst"`
	Temperature       *float64          `json:"temperature,omitempty"`
	SystemPrompt      string            `json:"system_prompt"`
	SendContext       bool              `json:"send_context"` // attach the step input as a system message
	Templates         map[string]string `json:"templates"`
	MaxResponseBody   int64             `json:"-"`
	HTTPClient        *http.Client      `json:"-"`
	Logger            *slog.Logger      `json:"-"`
}

// Client talks to an OpenAI-compatible /chat/completions endpoint. Provider
// failures are reported through steps.AIResponse with an error kind the retry
// policy understands; only cancellation and throttle waits return errors.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *rate.Limiter
	templates *Templates
	logger    *slog.Logger
}

// New creates a Client. Empty fields take defaults.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	templates, err := NewTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		http:      httpClient,
		limiter:   rate.NewLimiter(limit, burst),
		templates: templates,
		logger:    cfg.Logger.With("component", "ai"),
	}, nil
}

// Templates returns the client's template catalogue.
func (c *Client) Templates() *Templates {
	return c.templates
}

// ProcessText sends prompt as a single user message.
func (c *Client) ProcessText(ctx context.Context, prompt string, data map[string]any, model string) (*steps.AIResponse, error) {
	return c.complete(ctx, prompt, data, model)
}

// ProcessWithTemplate renders the named template with variables and sends the result.
func (c *Client) ProcessWithTemplate(ctx context.Context, templateName string, variables, data map[string]any, model string) (*steps.AIResponse, error) {
	prompt, err := c.templates.Render(templateName, variables)
	if err != nil {
		return failure(schema.ErrorKindConfig, err.Error(), model), nil
	}
	return c.complete(ctx, prompt, data, model)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) complete(ctx context.Context, prompt string, input map[string]any, model string) (*steps.AIResponse, error) {
	if model == "" {
		model = c.cfg.Model
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return failure(schema.ErrorKindRateLimit, "request throttled: "+err.Error(), model), nil
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: c.messages(prompt, input), Temperature: c.cfg.Temperature})
	if err != nil {
		return failure(schema.ErrorKindConfig, "encode request: "+err.Error(), model), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return failure(schema.ErrorKindConfig, "build request: "+err.Error(), model), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		kind := schema.ErrorKindNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = schema.ErrorKindTimeout
		}
		c.logger.WarnContext(ctx, "ai request failed", "model", model, "error_kind", kind, "error", err.Error())
		return failure(kind, err.Error(), model), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return failure(schema.ErrorKindNetwork, "read response: "+err.Error(), model), nil
	}
	c.logger.DebugContext(ctx, "ai request completed",
		"model", model, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("provider returned HTTP %d", resp.StatusCode)
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Message != "" {
			msg += ": " + decoded.Error.Message
		}
		return failure(statusKind(resp.StatusCode), msg, model), nil
	}
	if decodeErr != nil {
		return failure(schema.ErrorKindServer, "decode response: "+decodeErr.Error(), model), nil
	}
	if len(decoded.Choices) == 0 {
		return failure(schema.ErrorKindServer, "provider returned no choices", model), nil
	}
	if decoded.Model != "" {
		model = decoded.Model
	}

	return &steps.AIResponse{
		Content:   decoded.Choices[0].Message.Content,
		Model:     model,
		Usage:     decoded.Usage,
		IsSuccess: true,
	}, nil
}

func (c *Client) messages(prompt string, input map[string]any) []chatMessage {
	var msgs []chatMessage
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
	}
	if c.cfg.SendContext && len(input) > 0 {
		if raw, err := json.Marshal(input); err == nil {
			msgs = append(msgs, chatMessage{Role: "system", Content: "Context:\n" + string(raw)})
		}
	}
	return append(msgs, chatMessage{Role: "user", Content: prompt})
}

// statusKind maps an HTTP status to a step error kind.
func statusKind(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return schema.ErrorKindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return schema.ErrorKindTimeout
	case status >= 500:
		return schema.ErrorKindServer
	default:
		return schema.ErrorKindClient
	}
}

func failure(kind, msg, model string) *steps.AIResponse {
	return &steps.AIResponse{Model: model, Error: msg, ErrorKind: kind}
}

func toString(v any) string {
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

var _ steps.AIProcessor = (*Client)(nil)
