package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/values"
)

// maxResponseBody bounds how much of an upstream response is buffered.
const maxResponseBody = 4 << 20

var httpSchema = []byte(`{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"query": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {}
	}
}`)

// HTTP performs outbound HTTP requests for httpRequest nodes. Transport
// failures and 5xx/429 responses are TRANSIENT so the engine may retry them;
// other non-2xx statuses are HANDLER_ERROR.
type HTTP struct {
	client *http.Client
}

// NewHTTP constructs the httpRequest handler. Nil client means a default
// with a 30 second timeout.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{client: client}
}

// Type implements handler.Handler.
func (h *HTTP) Type() string { return "httpRequest" }

// Metadata implements handler.Handler.
func (h *HTTP) Metadata() handler.Metadata {
	return handler.Metadata{
		Type:         "httpRequest",
		Label:        "HTTP Request",
		Description:  "Calls an HTTP endpoint and forwards the response.",
		Category:     "core",
		ConfigSchema: httpSchema,
	}
}

// Execute implements handler.Handler.
func (h *HTTP) Execute(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
	method := hctx.Config.StringOr("method", http.MethodGet)
	url := hctx.Config.StringOr("url", "")

	var body io.Reader
	if raw, ok := hctx.Config.Get("body"); ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return handler.Result{}, fault.Wrap(fault.Validation, "encode request body", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return handler.Result{}, fault.Wrap(fault.Validation, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := hctx.Config.Child("headers"); ok {
		for k := range headers {
			req.Header.Set(k, headers.StringOr(k, ""))
		}
	}
	if query, ok := hctx.Config.Child("query"); ok {
		q := req.URL.Query()
		for k := range query {
			q.Set(k, query.StringOr(k, ""))
		}
		req.URL.RawQuery = q.Encode()
	}
	// Credentials contribute headers (e.g. Authorization) without appearing
	// in the stored definition.
	if hctx.CredentialID != "" && hctx.Credentials != nil {
		material, err := hctx.Credential(ctx)
		if err != nil {
			return handler.Result{}, err
		}
		if extra, ok := material.Child("headers"); ok {
			for k := range extra {
				req.Header.Set(k, extra.StringOr(k, ""))
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return handler.Result{}, ctx.Err()
		}
		return handler.Result{}, fault.Wrap(fault.Transient, "http request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return handler.Result{}, fault.Wrap(fault.Transient, "read response body", err)
	}

	out := values.Map{"status": resp.StatusCode}
	if len(resp.Header) > 0 {
		headers := map[string]any{}
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		out["headers"] = headers
	}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out["body"] = decoded
		} else {
			out["body"] = string(raw)
		}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return handler.Result{}, fault.Newf(fault.Transient, "upstream returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return handler.Result{}, fault.Newf(fault.HandlerError, "upstream returned %d", resp.StatusCode)
	}
	return handler.Result{Output: out}, nil
}
