package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

func newTestServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New(memory.NewQueueStore(), queue.Options{})
	srv := NewServer(q, nil, nil, nil, Options{})
	return srv, q
}

func post(t *testing.T, srv *Server, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChannelWebhook(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "telegram accepted",
			path:       "/webhooks/telegram",
			body:       `{"update_id":1,"message":{"text":"hi"}}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "payload mismatch rejected",
			path:       "/webhooks/telegram",
			body:       `{"object":"page"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown channel",
			path:       "/webhooks/pigeon",
			body:       `{"update_id":1}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "empty body",
			path:       "/webhooks/telegram",
			body:       "",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			rec := post(t, srv, tt.path, "application/json", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestChannelWebhookEnqueues(t *testing.T) {
	srv, q := newTestServer(t)

	rec := post(t, srv, "/webhooks/telegram", "application/json", `{"update_id":42}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	item, err := q.DequeueNext(context.Background())
	if err != nil {
		t.Fatalf("nothing enqueued: %v", err)
	}
	if item.ChannelType != store.ChannelTelegram {
		t.Errorf("channel type = %s", item.ChannelType)
	}
	if !strings.Contains(string(item.Payload), `"update_id":42`) {
		t.Errorf("payload = %s", item.Payload)
	}
}

func TestGenericWebhookClassifies(t *testing.T) {
	srv, q := newTestServer(t)

	body := "MessageSid=SM1&WaId=15550001111&From=whatsapp%3A%2B15550001111&Body=hi"
	rec := post(t, srv, "/webhooks", "application/x-www-form-urlencoded", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["channel"] != string(store.ChannelWhatsAppTwilio) {
		t.Errorf("classified channel = %s", resp["channel"])
	}

	if _, err := q.DequeueNext(context.Background()); err != nil {
		t.Fatalf("nothing enqueued: %v", err)
	}
}

func TestGenericWebhookRejectsUnclassifiable(t *testing.T) {
	srv, q := newTestServer(t)

	rec := post(t, srv, "/webhooks", "application/json", `{"who":"knows"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := q.DequeueNext(context.Background()); err == nil {
		t.Fatal("unclassifiable payload was enqueued")
	}
}

// Slack's subscription handshake is answered inline, never queued.
func TestSlackURLVerification(t *testing.T) {
	srv, q := newTestServer(t)

	body := `{"type":"url_verification","challenge":"c0ffee","token":"x"}`
	rec := post(t, srv, "/webhooks/slack", "application/json", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["challenge"] != "c0ffee" {
		t.Errorf("challenge = %q", resp["challenge"])
	}
	if _, err := q.DequeueNext(context.Background()); err == nil {
		t.Fatal("handshake was enqueued")
	}
}

// Meta's GET verification echoes hub.challenge only when hub.verify_token
// matches the configured token.
func TestWebhookVerifyChallenge(t *testing.T) {
	instances := memory.NewChannelInstanceStore()
	err := instances.Put(context.Background(), store.ChannelInstance{
		ID:       "wa-main",
		Type:     store.ChannelWhatsAppCloud,
		Enabled:  true,
		Settings: map[string]string{"verify_token": "v"},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(memory.NewQueueStore(), queue.Options{})
	srv := NewServer(q, nil, nil, channels.NewRegistry(instances), Options{})

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "token matches",
			url:        "/webhooks/whatsapp_cloud?hub.mode=subscribe&hub.challenge=12345&hub.verify_token=v",
			wantStatus: http.StatusOK,
			wantBody:   "12345",
		},
		{
			name:       "token mismatch",
			url:        "/webhooks/whatsapp_cloud?hub.mode=subscribe&hub.challenge=12345&hub.verify_token=wrong",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "token missing",
			url:        "/webhooks/whatsapp_cloud?hub.mode=subscribe&hub.challenge=12345",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "channel without configured token",
			url:        "/webhooks/telegram?hub.challenge=777&hub.verify_token=anything",
			wantStatus: http.StatusOK,
			wantBody:   "777",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	srv, q := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, store.ChannelTelegram, []byte(`{"update_id":1}`),
			queue.EnqueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats store.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 3 {
		t.Errorf("pending = %d, want 3", stats.Pending)
	}
}
