package handlers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"

	"github.com/goccy/go-json"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/davidroman0O/tokenflow/internal/registry"
)

const maxResponseBody = 4 << 20

// HTTP performs the request of an http node. The url and headers are
// templates over the variables; the body is an expression encoded as JSON.
// 5xx and transport errors are retryable, other non-2xx statuses are not.
type HTTP struct {
	client *http.Client
	eval   *expression.Evaluator
}

func NewHTTP(client *http.Client, eval *expression.Evaluator) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, eval: eval}
}

func (h *HTTP) Execute(tc *registry.TaskContext) (map[string]any, error) {
	cfg, ok := tc.Config.(*definition.HttpConfig)
	if !ok {
		return nil, registry.PermanentFault(registry.CodeHandlerError, "http handler on %T", tc.Config)
	}
	env := templateEnv(tc)

	url, err := render("url", cfg.URL, env)
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, missing("url")
	}

	var body io.Reader
	if cfg.Body != "" {
		v, err := h.eval.Eval(tc, cfg.Body, env)
		if err != nil {
			return nil, registry.PermanentFault(registry.CodeExpression, "body: %v", err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, registry.PermanentFault(registry.CodeHandlerError, "body: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(tc, strings.ToUpper(cfg.Method), url, body)
	if err != nil {
		return nil, registry.PermanentFault(registry.CodeHandlerError, "request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, tpl := range cfg.Headers {
		v, err := render("header "+k, tpl, env)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, registry.NewFault("HTTP_TRANSPORT", "%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, registry.NewFault("HTTP_TRANSPORT", "read body: %v", err)
	}

	code := fmt.Sprintf("HTTP_%d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 500:
		return nil, registry.NewFault(code, "%s %s", req.Method, url)
	case resp.StatusCode >= 300:
		return nil, registry.PermanentFault(code, "%s %s", req.Method, url)
	}

	var decoded any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, registry.PermanentFault(registry.CodeHandlerError, "decode response: %v", err)
		}
		decoded = v
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"body":    decoded,
		"headers": headers,
	}, nil
}

func render(name, text string, env map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", registry.PermanentFault(registry.CodeHandlerError, "%s: %v", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, env); err != nil {
		return "", registry.PermanentFault(registry.CodeHandlerError, "%s: %v", name, err)
	}
	return buf.String(), nil
}
