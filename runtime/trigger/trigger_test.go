package trigger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n3nlabs/n3n/runtime/engine"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store/memory"
	"github.com/n3nlabs/n3n/runtime/values"
)

type recordingStarter struct {
	mu   sync.Mutex
	reqs []engine.StartRequest
	err  error
}

func (r *recordingStarter) StartExecution(ctx context.Context, req engine.StartRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return fmt.Sprintf("exec-%d", len(r.reqs)), nil
}

func (r *recordingStarter) requests() []engine.StartRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.StartRequest(nil), r.reqs...)
}

func seedWebhookFlow(t *testing.T, s *memory.Store, wh *flow.Webhook) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateFlow(ctx, &flow.Flow{ID: wh.FlowID, Name: wh.FlowID, OwnerID: "u1"}))
	vid := wh.FlowID + "-v1"
	require.NoError(t, s.CreateFlowVersion(ctx, &flow.FlowVersion{
		ID: vid, FlowID: wh.FlowID, Version: "1.0.0", Status: flow.VersionDraft,
		Definition: flow.Definition{Nodes: []flow.Node{{ID: "hook", Type: flow.TypeWebhook}}},
	}))
	require.NoError(t, s.PublishFlowVersion(ctx, wh.FlowID, vid))
	require.NoError(t, s.CreateWebhook(ctx, wh))
	return vid
}

func TestWebhookRouterStartsExecution(t *testing.T) {
	s := memory.New()
	starter := &recordingStarter{}
	vid := seedWebhookFlow(t, s, &flow.Webhook{
		ID: "wh1", FlowID: "f1", Path: "/hooks/orders", Method: http.MethodPost,
		Auth: flow.WebhookAuthNone, Active: true,
	})

	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: starter})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/orders?source=shop&tag=a&tag=b", bytes.NewBufferString(`{"order":42}`))
	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "exec-1")

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, vid, reqs[0].FlowVersionID)
	require.Equal(t, flow.TriggerWebhook, reqs[0].TriggerType)
	require.Equal(t, "wh1", reqs[0].TriggeredBy)

	body, ok := reqs[0].Input.Child("body")
	require.True(t, ok)
	require.EqualValues(t, 42, body.IntOr("order", 0))
	query, ok := reqs[0].Input.Child("query")
	require.True(t, ok)
	require.Equal(t, "shop", query.StringOr("source", ""))
	tags, ok := query.Slice("tag")
	require.True(t, ok)
	require.Len(t, tags, 2)
}

func TestWebhookRouterUnknownPath(t *testing.T) {
	s := memory.New()
	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: &recordingStarter{}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRouterMethodMustMatch(t *testing.T) {
	s := memory.New()
	starter := &recordingStarter{}
	seedWebhookFlow(t, s, &flow.Webhook{
		ID: "wh1", FlowID: "f1", Path: "/hooks/orders", Method: http.MethodPost,
		Auth: flow.WebhookAuthNone, Active: true,
	})
	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: starter})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/orders", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, starter.requests())
}

func TestWebhookRouterHMAC(t *testing.T) {
	s := memory.New()
	starter := &recordingStarter{}
	seedWebhookFlow(t, s, &flow.Webhook{
		ID: "wh1", FlowID: "f1", Path: "/hooks/signed", Method: http.MethodPost,
		Auth: flow.WebhookAuthHMAC, Secret: "s3cret", Active: true,
	})
	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: starter})
	require.NoError(t, err)

	body := []byte(`{"event":"push"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	good := httptest.NewRequest(http.MethodPost, "/hooks/signed", bytes.NewReader(body))
	good.Header.Set(SignatureHeader, "sha256="+sig)
	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, good)
	require.Equal(t, http.StatusAccepted, rec.Code)

	bad := httptest.NewRequest(http.MethodPost, "/hooks/signed", bytes.NewReader(body))
	bad.Header.Set(SignatureHeader, hex.EncodeToString(make([]byte, 32)))
	rec = httptest.NewRecorder()
	wr.ServeHTTP(rec, bad)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	missing := httptest.NewRequest(http.MethodPost, "/hooks/signed", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	wr.ServeHTTP(rec, missing)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Len(t, starter.requests(), 1)
}

func TestWebhookRouterRateLimits(t *testing.T) {
	s := memory.New()
	starter := &recordingStarter{}
	seedWebhookFlow(t, s, &flow.Webhook{
		ID: "wh1", FlowID: "f1", Path: "/hooks/busy", Method: http.MethodPost,
		Auth: flow.WebhookAuthNone, Active: true,
	})
	// One request per minute, burst of one.
	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: starter, Rate: 1.0 / 60, Burst: 1})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/busy", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	wr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/busy", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Len(t, starter.requests(), 1)
}

func TestWebhookRouterNoPublishedVersion(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateFlow(ctx, &flow.Flow{ID: "f1", Name: "f1", OwnerID: "u1"}))
	require.NoError(t, s.CreateWebhook(ctx, &flow.Webhook{
		ID: "wh1", FlowID: "f1", Path: "/hooks/unpublished", Method: http.MethodPost,
		Auth: flow.WebhookAuthNone, Active: true,
	}))
	wr, err := NewWebhookRouter(WebhookOptions{Store: s, Starter: &recordingStarter{}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/unpublished", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedulerRefreshReconcilesEntries(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	starter := &recordingStarter{}

	seed := func(flowID, spec string) string {
		require.NoError(t, s.CreateFlow(ctx, &flow.Flow{ID: flowID, Name: flowID, OwnerID: "u1"}))
		vid := flowID + "-v1"
		settings := values.Map{}
		if spec != "" {
			settings["schedule"] = spec
		}
		require.NoError(t, s.CreateFlowVersion(ctx, &flow.FlowVersion{
			ID: vid, FlowID: flowID, Version: "1.0.0", Status: flow.VersionDraft,
			Definition: flow.Definition{Nodes: []flow.Node{{ID: "t", Type: flow.TypeScheduleTrigger}}},
			Settings:   settings,
		}))
		require.NoError(t, s.PublishFlowVersion(ctx, flowID, vid))
		return vid
	}
	scheduled := seed("f1", "@hourly")
	unscheduled := seed("f2", "")
	broken := seed("f3", "not a cron spec")

	sched, err := NewScheduler(SchedulerOptions{Store: s, Starter: starter})
	require.NoError(t, err)
	require.NoError(t, sched.Refresh(ctx))

	ids := sched.Scheduled()
	require.Contains(t, ids, scheduled)
	require.NotContains(t, ids, unscheduled)
	require.NotContains(t, ids, broken)

	// Publishing a new version moves the entry to it.
	require.NoError(t, s.CreateFlowVersion(ctx, &flow.FlowVersion{
		ID: "f1-v2", FlowID: "f1", Version: "1.1.0", Status: flow.VersionDraft,
		Definition: flow.Definition{Nodes: []flow.Node{{ID: "t", Type: flow.TypeScheduleTrigger}}},
		Settings:   values.Map{"schedule": "@daily"},
	}))
	require.NoError(t, s.PublishFlowVersion(ctx, "f1", "f1-v2"))
	require.NoError(t, sched.Refresh(ctx))

	ids = sched.Scheduled()
	require.Contains(t, ids, "f1-v2")
	require.NotContains(t, ids, scheduled)
}

func TestSchedulerFiresExecution(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	starter := &recordingStarter{}

	require.NoError(t, s.CreateFlow(ctx, &flow.Flow{ID: "f1", Name: "f1", OwnerID: "u1"}))
	require.NoError(t, s.CreateFlowVersion(ctx, &flow.FlowVersion{
		ID: "v1", FlowID: "f1", Version: "1.0.0", Status: flow.VersionDraft,
		Definition: flow.Definition{Nodes: []flow.Node{{ID: "t", Type: flow.TypeScheduleTrigger}}},
		Settings:   values.Map{"schedule": "@every 10ms"},
	}))
	require.NoError(t, s.PublishFlowVersion(ctx, "f1", "v1"))

	sched, err := NewScheduler(SchedulerOptions{Store: s, Starter: starter})
	require.NoError(t, err)
	require.NoError(t, sched.Refresh(ctx))
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, sched.Stop(stopCtx))
	}()

	require.Eventually(t, func() bool {
		reqs := starter.requests()
		return len(reqs) >= 1 &&
			reqs[0].FlowVersionID == "v1" &&
			reqs[0].TriggerType == flow.TriggerSchedule
	}, 3*time.Second, 10*time.Millisecond)
}
