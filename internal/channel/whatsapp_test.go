package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkRecorder struct {
	events []domain.InboundEvent
	err    error
}

func (s *sinkRecorder) Handle(ctx context.Context, ev domain.InboundEvent) (domain.Ack, error) {
	s.events = append(s.events, ev)
	return domain.AckStored, s.err
}

func newTestWhatsApp(sink domain.EventSink) *WhatsApp {
	w := NewWhatsApp(config.WhatsAppConfig{
		Enabled:       true,
		WebhookPath:   "/webhook/whatsapp",
		AppSecret:     "secret",
		VerifyToken:   "verify-me",
		PhoneNumberID: "12345",
	}, testLogger())
	w.sink = sink
	return w
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const inboundMessagePayload = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "entry-1",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"messages": [{
					"from": "15551234567",
					"id": "wamid.ABC",
					"timestamp": "1724660000",
					"type": "text",
					"text": {"body": "hello bot"}
				}]
			}
		}]
	}]
}`

func TestWebhookVerification(t *testing.T) {
	w := newTestWhatsApp(&sinkRecorder{})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "42" {
		t.Errorf("challenge echo = %q", body)
	}

	resp2, err := http.Get(srv.URL + "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Errorf("wrong token status = %d, want 403", resp2.StatusCode)
	}
}

func TestWebhookSignature(t *testing.T) {
	sink := &sinkRecorder{}
	w := newTestWhatsApp(sink)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	body := []byte(inboundMessagePayload)

	// Bad signature is rejected before any decoding.
	req, _ := http.NewRequest("POST", srv.URL+"/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("bad signature status = %d, want 403", resp.StatusCode)
	}
	if len(sink.events) != 0 {
		t.Errorf("events = %d, want 0 after rejected signature", len(sink.events))
	}

	// Valid signature is accepted.
	req, _ = http.NewRequest("POST", srv.URL+"/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("secret", body))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid signature status = %d", resp.StatusCode)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}

	ev := sink.events[0]
	if ev.Kind != domain.KindMessageReceived {
		t.Errorf("kind = %q", ev.Kind)
	}
	if ev.ExternalEventID != "wamid.ABC" || ev.ExternalMessageID != "wamid.ABC" {
		t.Errorf("ids = %q / %q", ev.ExternalEventID, ev.ExternalMessageID)
	}
	if ev.ConversationKey != "whatsapp:15551234567" {
		t.Errorf("conversation key = %q", ev.ConversationKey)
	}
	if ev.Text != "hello bot" {
		t.Errorf("text = %q", ev.Text)
	}
	if ev.OccurredAt.Unix() != 1724660000 {
		t.Errorf("occurred at = %v", ev.OccurredAt)
	}
}

func TestWebhookStatusEvents(t *testing.T) {
	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"changes": [{
				"field": "messages",
				"value": {
					"statuses": [
						{"id": "wamid.X", "status": "delivered", "timestamp": "1724660001", "recipient_id": "15551234567"},
						{"id": "wamid.Y", "status": "failed", "timestamp": "1724660002", "recipient_id": "15551234567"}
					]
				}
			}]
		}]
	}`

	sink := &sinkRecorder{}
	w := newTestWhatsApp(sink)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	body := []byte(payload)
	req, _ := http.NewRequest("POST", srv.URL+"/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("secret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
	if sink.events[0].Kind != domain.KindMessageSentAck || sink.events[0].StatusHint != "delivered" {
		t.Errorf("first event = %+v", sink.events[0])
	}
	if sink.events[1].Kind != domain.KindMessageFailed || sink.events[1].ExternalMessageID != "wamid.Y" {
		t.Errorf("second event = %+v", sink.events[1])
	}
	// Distinct dedup ids per status transition of the same message.
	if sink.events[0].ExternalEventID == sink.events[1].ExternalEventID {
		t.Error("status events must have distinct dedup ids")
	}
}

func TestWebhookBadPayload(t *testing.T) {
	sink := &sinkRecorder{}
	w := newTestWhatsApp(sink)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	body := []byte("not json")
	req, _ := http.NewRequest("POST", srv.URL+"/webhook/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("secret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendReturnsMessageID(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/12345/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		if payload["to"] != "15551234567" {
			t.Errorf("to = %v", payload["to"])
		}
		json.NewEncoder(rw).Encode(waSendResponse{
			Messages: []struct {
				ID string `json:"id"`
			}{{ID: "wamid.OUT"}},
		})
	}))
	defer api.Close()

	w := newTestWhatsApp(&sinkRecorder{})
	w.apiBase = api.URL

	id, err := w.Send(context.Background(), "whatsapp:15551234567", "reply text")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "wamid.OUT" {
		t.Errorf("external id = %q", id)
	}
}
