package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/n3nlabs/n3n/runtime/engine"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/values"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body for
// webhooks with the hmac auth rule. A "sha256=" prefix is tolerated.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds inbound payloads.
const maxWebhookBody = 1 << 20

type (
	// WebhookRouter matches inbound requests to stored webhook bindings and
	// starts executions. It implements http.Handler; mount it under the
	// ingress prefix.
	WebhookRouter struct {
		store   store.Store
		starter Starter
		logger  telemetry.Logger
		rate    rate.Limit
		burst   int

		mu       sync.Mutex
		limiters map[string]*rate.Limiter // webhook id
	}

	// WebhookOptions configures a WebhookRouter.
	WebhookOptions struct {
		// Store resolves (path, method) to webhook bindings. Required.
		Store store.Store
		// Starter admits the triggered executions. Required.
		Starter Starter
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// Rate is the per-webhook sustained request rate (default 5/s).
		Rate rate.Limit
		// Burst is the per-webhook burst allowance (default 10).
		Burst int
	}
)

// NewWebhookRouter constructs the ingress handler.
func NewWebhookRouter(opts WebhookOptions) (*WebhookRouter, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.Validation, "store is required")
	}
	if opts.Starter == nil {
		return nil, fault.New(fault.Validation, "starter is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &WebhookRouter{
		store:    opts.Store,
		starter:  opts.Starter,
		logger:   opts.Logger,
		rate:     opts.Rate,
		burst:    opts.Burst,
		limiters: map[string]*rate.Limiter{},
	}, nil
}

// ServeHTTP implements http.Handler.
func (wr *WebhookRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wh, err := wr.store.FindWebhook(ctx, r.URL.Path, r.Method)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			http.Error(w, "no webhook bound to this path", http.StatusNotFound)
			return
		}
		wr.logger.Error(ctx, "webhook lookup failed", "path", r.URL.Path, "error", err.Error())
		http.Error(w, "webhook lookup failed", http.StatusInternalServerError)
		return
	}

	if !wr.limiter(wh.ID).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if wh.Auth == flow.WebhookAuthHMAC && !verifySignature(wh.Secret, body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	version, err := wr.store.FindPublishedVersion(ctx, wh.FlowID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			http.Error(w, "flow has no published version", http.StatusConflict)
			return
		}
		wr.logger.Error(ctx, "published version lookup failed", "webhook_id", wh.ID, "error", err.Error())
		http.Error(w, "version lookup failed", http.StatusInternalServerError)
		return
	}

	id, err := wr.starter.StartExecution(ctx, engine.StartRequest{
		FlowVersionID: version.ID,
		TriggerType:   flow.TriggerWebhook,
		TriggeredBy:   wh.ID,
		Input:         webhookInput(r, body),
	})
	if err != nil {
		switch fault.KindOf(err) {
		case fault.Transient:
			http.Error(w, "execution queue is full", http.StatusServiceUnavailable)
		case fault.Validation, fault.NotFound:
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			wr.logger.Error(ctx, "webhook start failed", "webhook_id", wh.ID, "error", err.Error())
			http.Error(w, "execution start failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"executionId": id})
}

// webhookInput shapes the request into trigger input: the JSON body (or the
// raw string when it is not JSON) plus the query parameters.
func webhookInput(r *http.Request, body []byte) values.Map {
	in := values.Map{}
	if len(body) > 0 {
		if m, err := values.FromJSON(body); err == nil {
			in["body"] = map[string]any(m)
		} else {
			in["body"] = string(body)
		}
	}
	query := map[string]any{}
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			query[k] = vs[0]
			continue
		}
		items := make([]any, len(vs))
		for i, v := range vs {
			items[i] = v
		}
		query[k] = items
	}
	if len(query) > 0 {
		in["query"] = query
	}
	return in
}

// verifySignature checks the hex HMAC-SHA256 of the body in constant time.
func verifySignature(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	sig, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (wr *WebhookRouter) limiter(webhookID string) *rate.Limiter {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	l, ok := wr.limiters[webhookID]
	if !ok {
		l = rate.NewLimiter(wr.rate, wr.burst)
		wr.limiters[webhookID] = l
	}
	return l
}
