package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"querydesk/api/internal/query"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger, _ := logtest.NewNullLogger()
	return New(server.URL, "token-1", WithRetry(timeout, 3, time.Millisecond), WithLogger(logger), WithDevice("cli"))
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" || r.Header.Get("X-Device-ID") != "cli" {
			t.Errorf("missing headers: %v", r.Header)
		}
		var body CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AppNo != "GGN100" {
			t.Errorf("body not resent intact: %+v, %v", body, err)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"INTERNAL","error":"down"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(WriteResponse{Group: query.QueryGroup{GroupID: 7, AppNo: "GGN100"}})
	}, time.Second)

	res, err := c.CreateQuery(context.Background(), CreateRequest{AppNo: "GGN100", Queries: []string{"x"}, SendTo: []string{"sales"}})
	if err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}
	if res.Group.GroupID != 7 || calls.Load() != 3 {
		t.Fatalf("group %d after %d calls", res.Group.GroupID, calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","error":"invalid query","details":{"queries":"min"}}`))
	}, time.Second)

	_, err := c.UpdateQuery(context.Background(), UpdateRequest{QueryID: "1", Status: "bogus"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", calls.Load())
	}
}

func TestGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := c.ListQueries(context.Background(), ListOptions{Status: "pending"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 APIError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(PollResponse{})
	}, 50*time.Millisecond)

	if _, err := c.Poll(context.Background(), "sales", time.Now(), 10); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected timeout then success, got %d calls", calls.Load())
	}
}

func TestPollSendsCursor(t *testing.T) {
	since := time.Date(2026, 3, 1, 10, 0, 0, 123000, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
		if err != nil || !got.Equal(since) {
			t.Errorf("since = %q", r.URL.Query().Get("since"))
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		_ = json.NewEncoder(w).Encode(PollResponse{Cursor: since})
	}, time.Second)

	res, err := c.Poll(context.Background(), "", since, 25)
	if err != nil || !res.Cursor.Equal(since) {
		t.Fatalf("Poll = %+v, %v", res, err)
	}
}
