package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/notify-relay/internal/feedback"
	"github.com/sungwon/notify-relay/internal/suppression"
)

const sesBounceNotification = `{
  "notificationType": "Bounce",
  "mail": {"messageId": "0100018c-abc"},
  "bounce": {
    "bounceType": "Permanent",
    "bounceSubType": "General",
    "bouncedRecipients": [{"emailAddress": "gone@example.com"}],
    "timestamp": "2026-03-01T12:00:00.000Z"
  }
}`

// downStore is a suppression store whose writes fail.
type downStore struct{ suppression.Store }

func (downStore) Add(context.Context, suppression.Entry) (bool, error) {
	return false, errors.New("connection refused")
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	sendGrid := `[{"email":"spam@example.com","event":"spamreport","timestamp":1772366400},{"email":"ok@example.com","event":"delivered","timestamp":1772366400}]`

	tests := []struct {
		name           string
		source         string
		body           string
		store          suppression.Store
		wantStatus     int
		wantSuppressed string
	}{
		{
			name:           "ses bounce",
			source:         feedback.SourceSES,
			body:           sesBounceNotification,
			store:          suppression.NewMemoryStore(),
			wantStatus:     http.StatusOK,
			wantSuppressed: "gone@example.com",
		},
		{
			name:           "sendgrid spam report",
			source:         feedback.SourceSendGrid,
			body:           sendGrid,
			store:          suppression.NewMemoryStore(),
			wantStatus:     http.StatusOK,
			wantSuppressed: "spam@example.com",
		},
		{
			name:       "malformed",
			source:     feedback.SourceMailgun,
			body:       "not json",
			store:      suppression.NewMemoryStore(),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store down",
			source:     feedback.SourceSES,
			body:       sesBounceNotification,
			store:      downStore{},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			listener := feedback.NewListener(tt.store, time.Second, zerolog.Nop())
			req := httptest.NewRequest(http.MethodPost, "/webhooks/"+tt.source, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			WebhookHandler(listener, tt.source).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d; body: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantSuppressed == "" {
				return
			}
			suppressed, err := suppression.IsSuppressed(context.Background(), tt.store, tt.wantSuppressed)
			if err != nil {
				t.Fatalf("IsSuppressed: %v", err)
			}
			if !suppressed {
				t.Errorf("expected %s to be suppressed", tt.wantSuppressed)
			}
		})
	}
}

func TestWebhookHandler_SubscriptionConfirmationIsAccepted(t *testing.T) {
	store := suppression.NewMemoryStore()
	listener := feedback.NewListener(store, time.Second, zerolog.Nop())

	body := `{"Type":"SubscriptionConfirmation","TopicArn":"arn:aws:sns:us-east-1:123:ses-feedback","SubscribeURL":"https://sns.example/confirm"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ses", strings.NewReader(body))
	rec := httptest.NewRecorder()

	WebhookHandler(listener, feedback.SourceSES).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != string(feedback.Ignored) {
		t.Errorf("expected status ignored, got %q", resp["status"])
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("expected no suppression entries, got %d", n)
	}
}

func TestWebhookHandler_TooLarge(t *testing.T) {
	listener := feedback.NewListener(suppression.NewMemoryStore(), time.Second, zerolog.Nop())
	body := strings.Repeat("x", maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", strings.NewReader(body))
	rec := httptest.NewRecorder()

	WebhookHandler(listener, feedback.SourceSendGrid).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}
