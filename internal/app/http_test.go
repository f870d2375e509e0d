package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"querydesk/api/internal/bus"
	"querydesk/api/internal/query"
)

func newTestHandler(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	logger, _ := logtest.NewNullLogger()
	return env, NewHTTPServer(env.service, "*", logger).Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndReady(t *testing.T) {
	env, handler := newTestHandler(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}

	var ready struct {
		Status string `json:"status"`
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	decodeResponse(t, rec, &ready)
	if rec.Code != http.StatusOK || ready.Status != "ready" {
		t.Fatalf("ready = %d %q", rec.Code, ready.Status)
	}

	env.durable.setDown(true)
	rec = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	decodeResponse(t, rec, &ready)
	if rec.Code != http.StatusOK || ready.Status != "degraded" {
		t.Fatalf("ready with database down = %d %q", rec.Code, ready.Status)
	}
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	_, handler := newTestHandler(t)
	for _, token := range []string{"", "not-a-token"} {
		rec := doRequest(t, handler, http.MethodGet, "/api/queries", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
}

func TestPreflightReturnsNoContent(t *testing.T) {
	_, handler := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodOptions, "/api/queries", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("PATCH missing from allowed methods: %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestQueryLifecycleOverHTTP(t *testing.T) {
	env, handler := newTestHandler(t)
	ops := tokenFor(t, query.TeamOperations)
	sales := tokenFor(t, query.TeamSales, "GGN")

	rec := doRequest(t, handler, http.MethodPost, "/api/queries", sales, map[string]any{
		"appNo": "GGN100", "queries": []string{"x"}, "sendTo": "Sales",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sales create: expected 403, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/queries", ops, map[string]any{
		"appNo": "GGN100", "queries": []string{}, "sendTo": "Sales",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty queries: expected 422, got %d", rec.Code)
	}
	var invalid struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	decodeResponse(t, rec, &invalid)
	if invalid.Code != "VALIDATION_ERROR" || invalid.Details["queries"] == "" {
		t.Fatalf("unexpected validation payload %+v", invalid)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/queries", ops, map[string]any{
		"appNo": "GGN100", "queries": []string{"PAN missing", "Bank statement unclear"}, "sendTo": "Sales",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created CreateResult
	decodeResponse(t, rec, &created)
	if len(created.Group.Items) != 2 || created.Degraded {
		t.Fatalf("unexpected create result %+v", created)
	}

	var listed struct {
		Groups []query.QueryGroup `json:"groups"`
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/queries?status=pending", sales, nil)
	decodeResponse(t, rec, &listed)
	if rec.Code != http.StatusOK || len(listed.Groups) != 1 {
		t.Fatalf("sales list = %d, %d groups", rec.Code, len(listed.Groups))
	}

	for i, item := range created.Group.Items {
		rec = doRequest(t, handler, http.MethodPatch, "/api/queries/"+url.PathEscape(item.ID), ops, map[string]any{
			"isIndividualQuery": true, "status": "Approved",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("approve item %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	var fetched struct {
		Group query.QueryGroup `json:"group"`
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/queries/"+created.Group.Items[0].ID, sales, nil)
	decodeResponse(t, rec, &fetched)
	if fetched.Group.Status != query.StatusApproved {
		t.Fatalf("group status %s, want approved", fetched.Group.Status)
	}
	if env.registry.has("GGN100") {
		t.Fatal("sanctioned case should be gone")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/queries/update", ops, map[string]any{
		"queryId": "missing", "status": "resolved",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", rec.Code)
	}
}

func TestPollAndSignalOverHTTP(t *testing.T) {
	env, handler := newTestHandler(t)
	createGGN100(t, env, "PAN missing")
	sales := tokenFor(t, query.TeamSales, "all")

	var polled PollResult
	rec := doRequest(t, handler, http.MethodGet, "/api/updates?limit=10", sales, nil)
	decodeResponse(t, rec, &polled)
	if rec.Code != http.StatusOK || len(polled.Events) != 1 || polled.Events[0].Action != bus.ActionCreated {
		t.Fatalf("poll = %d %+v", rec.Code, polled.Events)
	}

	since := url.QueryEscape(polled.Cursor.Format(time.RFC3339Nano))
	rec = doRequest(t, handler, http.MethodGet, "/api/updates?since="+since, sales, nil)
	decodeResponse(t, rec, &polled)
	if len(polled.Events) != 0 {
		t.Fatalf("poll from cursor returned %d events", len(polled.Events))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/updates?since=yesterday", sales, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad since: expected 422, got %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/api/updates?team=credit", sales, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign team: expected 403, got %d", rec.Code)
	}

	var signal SignalResult
	rec = doRequest(t, handler, http.MethodGet, "/api/updates/signal", sales, nil)
	decodeResponse(t, rec, &signal)
	if rec.Code != http.StatusOK || signal.Marker == nil {
		t.Fatalf("signal = %d %+v", rec.Code, signal)
	}
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	env, handler := newTestHandler(t)
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/updates/stream?access_token=" + tokenFor(t, query.TeamSales, "all")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var hello streamHello
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "ready" || hello.Team != string(query.TeamSales) {
		t.Fatalf("unexpected hello %+v", hello)
	}

	createGGN100(t, env, "PAN missing")

	var evt bus.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Action != bus.ActionCreated || evt.Team != query.TeamSales || evt.AppNo != "GGN100" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestStreamRequiresToken(t *testing.T) {
	_, handler := newTestHandler(t)
	rec := doRequest(t, handler, http.MethodGet, "/api/updates/stream", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
