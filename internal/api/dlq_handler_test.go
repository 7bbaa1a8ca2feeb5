package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sungwon/notify-relay/internal/queue"
)

// brokenDLQ fails every call.
type brokenDLQ struct{}

func (brokenDLQ) Depth(context.Context) (int64, error) { return 0, errors.New("redis: connection refused") }

func (brokenDLQ) List(context.Context, int) ([]queue.DLQEntry, error) {
	return nil, errors.New("redis: connection refused")
}

func (brokenDLQ) Replay(context.Context, []string) (int, error) {
	return 0, errors.New("redis: connection refused")
}

// deadLettered returns a broker holding the given messages in its DLQ.
func deadLettered(t *testing.T, ids ...string) *queue.MemoryBroker {
	t.Helper()
	ctx := context.Background()
	b := queue.NewMemoryBroker(queue.Config{MaxReceiveCount: 1})

	for _, id := range ids {
		msg := queue.NewMessage(id, queue.Payload{Recipient: "user@example.com", TextBody: "hi"})
		if err := b.Enqueue(ctx, msg); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ds, err := b.Receive(ctx, len(ids))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for _, d := range ds {
		if err := b.Fail(ctx, d, queue.Failure{Kind: queue.KindTransient, Reason: "451 try again later"}); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	return b
}

func TestDLQListHandler(t *testing.T) {
	b := deadLettered(t, "msg-1", "msg-2", "msg-3")

	req := httptest.NewRequest(http.MethodGet, "/dlq?limit=2", nil)
	rec := httptest.NewRecorder()
	DLQListHandler(b).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", rec.Code, rec.Body.String())
	}

	var resp dlqListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Depth != 3 {
		t.Errorf("expected depth 3, got %d", resp.Depth)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(resp.Entries))
	}
	e := resp.Entries[0]
	if e.LastError != "451 try again later" || len(e.FailureHistory) != 1 {
		t.Errorf("expected failure history to be exposed, got %+v", e)
	}
}

func TestDLQListHandler_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	DLQListHandler(queue.NewMemoryBroker(queue.Config{})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("expected an empty entries array, got %s", rec.Body.String())
	}
}

func TestDLQListHandler_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		dlq        queue.DeadLetterQueue
		query      string
		wantStatus int
	}{
		{name: "bad limit", dlq: queue.NewMemoryBroker(queue.Config{}), query: "?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "zero limit", dlq: queue.NewMemoryBroker(queue.Config{}), query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "backend down", dlq: brokenDLQ{}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			DLQListHandler(tt.dlq).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq"+tt.query, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d; body: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDLQReplayHandler(t *testing.T) {
	b := deadLettered(t, "msg-1", "msg-2")

	body := `{"message_ids":["msg-1","unknown"]}`
	req := httptest.NewRequest(http.MethodPost, "/dlq/replay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	DLQReplayHandler(b).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", rec.Code, rec.Body.String())
	}

	var resp dlqReplayResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Replayed != 1 || resp.Total != 2 {
		t.Errorf("expected 1 of 2 replayed, got %+v", resp)
	}

	depth, _ := b.Depth(context.Background())
	if depth != 1 {
		t.Errorf("expected 1 message left in the DLQ, got %d", depth)
	}
	ds, _ := b.Receive(context.Background(), 10)
	if len(ds) != 1 || ds[0].Message.ID != "msg-1" || ds[0].Message.ReceiveCount != 1 {
		t.Errorf("expected msg-1 back on the queue with a fresh receive count, got %+v", ds)
	}
}

func TestDLQReplayHandler_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{name: "invalid json", body: "not json", wantError: "invalid request body"},
		{name: "empty ids", body: `{"message_ids":[]}`, wantError: "message_ids is required and must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/dlq/replay", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			DLQReplayHandler(brokenDLQ{}).ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			var resp map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["error"] != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, resp["error"])
			}
		})
	}
}

func TestDLQReplayHandler_BackendError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/dlq/replay", strings.NewReader(`{"message_ids":["msg-1"]}`))
	rec := httptest.NewRecorder()
	DLQReplayHandler(brokenDLQ{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}
