package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPExecutor calls an HTTP endpoint. Node data:
//
//   - url (required): {key} placeholders are filled from the input
//   - method: default GET
//   - headers: map of header values
//   - body: request body; with send_input the whole input is sent instead
//   - body_encoding: json (default), form, text
//   - auth: {type: bearer|basic|api_key, ...}
//   - target: output key of the response (default "response")
//   - fail_on_error_status: default true
//
// 4xx responses are permanent failures except 408 and 429.
type HTTPExecutor struct {
	client          *http.Client
	maxResponseBody int64
}

// NewHTTPExecutor creates an HTTPExecutor. A nil client uses a client without
// a global timeout; per-step timeouts come from the coordinator.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{client: client, maxResponseBody: defaultMaxResponseBody}
}

func (h *HTTPExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any) (*schema.StepExecutionResult, error) {
	rawURL := node.String("url", "")
	if rawURL == "" {
		return configError("http step %s: missing url", node.ID), nil
	}
	rawURL, err := FormatPrompt(rawURL, input)
	if err != nil {
		return configError("http step %s: url: %s", node.ID, err.Error()), nil
	}
	if u, err := url.ParseRequestURI(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return configError("http step %s: invalid url %q", node.ID, rawURL), nil
	}
	method := strings.ToUpper(node.String("method", http.MethodGet))

	var payload any
	if send, _ := node.Data["send_input"].(bool); send {
		payload = input
	} else if b, ok := node.Data["body"]; ok {
		payload = b
	}
	body, contentType, err := encodeBody(payload, node.String("body_encoding", "json"))
	if err != nil {
		return configError("http step %s: body: %s", node.ID, err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return configError("http step %s: %s", node.ID, err.Error()), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := node.Data["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if auth, ok := node.Data["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		kind := schema.ErrorKindNetwork
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = schema.ErrorKindTimeout
		}
		return schema.StepFailed(kind, fmt.Sprintf("%s %s: %s", method, rawURL, err.Error()), false), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseBody))
	if err != nil {
		return schema.StepFailed(schema.ErrorKindNetwork, "read response: "+err.Error(), false), nil
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	response := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decodeBody(raw, resp.Header.Get("Content-Type")),
		"duration_ms": time.Since(start).Milliseconds(),
	}

	failOnStatus := true
	if v, ok := node.Data["fail_on_error_status"].(bool); ok {
		failOnStatus = v
	}
	if failOnStatus && resp.StatusCode >= 400 {
		kind, permanent := httpStatusKind(resp.StatusCode)
		return schema.StepFailed(kind, fmt.Sprintf("%s %s: server returned %d", method, rawURL, resp.StatusCode), permanent), nil
	}

	return schema.StepSucceeded(map[string]any{node.String("target", "response"): response}), nil
}

func encodeBody(payload any, encoding string) (io.Reader, string, error) {
	if payload == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		m, ok := payload.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form encoding needs an object")
		}
		vals := url.Values{}
		for k, v := range m {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(payload)), "text/plain", nil
	case "json":
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(string(b)), "application/json", nil
	default:
		return nil, "", fmt.Errorf("unknown body_encoding %q", encoding)
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func applyAuth(req *http.Request, auth map[string]any) {
	str := func(key string) string {
		s, _ := auth[key].(string)
		return s
	}
	switch str("type") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+str("token"))
	case "basic":
		req.SetBasicAuth(str("username"), str("password"))
	case "api_key":
		if name := str("header_name"); name != "" {
			req.Header.Set(name, str("header_value"))
		}
	}
}

// httpStatusKind maps an error status to an error kind and whether it is permanent.
func httpStatusKind(status int) (string, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return schema.ErrorKindRateLimit, false
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return schema.ErrorKindTimeout, false
	case status >= 500:
		return schema.ErrorKindServer, false
	default:
		return schema.ErrorKindClient, true
	}
}
