// Package channel implements the messaging-platform adapters. Each adapter
// decodes provider deliveries into inbound events for the pipeline and
// implements the outbound transport for its own conversations.
package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp implements domain.Channel for the WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	sink   domain.EventSink
	logger *slog.Logger
	client *http.Client

	apiBase string // overridable in tests
}

func NewWhatsApp(cfg config.WhatsAppConfig, logger *slog.Logger) *WhatsApp {
	return &WhatsApp{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: whatsappAPIBase,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start runs the webhook HTTP server until ctx is cancelled.
func (w *WhatsApp) Start(ctx context.Context, sink domain.EventSink) error {
	w.sink = sink

	srv := &http.Server{Addr: w.cfg.ListenAddr, Handler: w.Handler()}
	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("whatsapp webhook listening", "addr", w.cfg.ListenAddr, "path", w.cfg.WebhookPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("whatsapp webhook server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the webhook endpoints for tests.
func (w *WhatsApp) Handler() http.Handler {
	webhookPath := w.cfg.WebhookPath
	if webhookPath == "" {
		webhookPath = "/webhook/whatsapp"
	}
	mux := http.NewServeMux()
	// Method dispatch done by hand: the ServeMux "GET /path" pattern syntax
	// needs go >= 1.22, and this module must build with go 1.21.
	mux.HandleFunc(webhookPath, func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.handleVerification(rw, r)
		case http.MethodPost:
			w.handleIncoming(rw, r)
		default:
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

// handleVerification answers the Cloud API subscription challenge.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming decodes a webhook delivery into events and feeds them to the
// pipeline. Shape errors get a 4xx (redelivery cannot fix them); pipeline
// failures get a 5xx so the provider retries, with the idempotency guard
// absorbing the duplicates that creates.
func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	events := decodeEvents(payload)
	for _, ev := range events {
		ack, err := w.sink.Handle(r.Context(), ev)
		if err != nil {
			// Shape failures cannot be fixed by redelivery; anything else
			// gets a 5xx so the provider retries.
			if ev.Validate() != nil {
				w.logger.Warn("whatsapp event rejected", "err", err)
				http.Error(rw, "Bad request", http.StatusBadRequest)
			} else {
				w.logger.Error("whatsapp event processing failed", "err", err)
				http.Error(rw, "Internal error", http.StatusInternalServerError)
			}
			return
		}
		w.logger.Debug("whatsapp event handled", "kind", ev.Kind, "ack", ack)
	}

	rw.WriteHeader(http.StatusOK)
}

// decodeEvents flattens a Cloud API payload into pipeline events.
func decodeEvents(payload waPayload) []domain.InboundEvent {
	var events []domain.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}
				events = append(events, domain.InboundEvent{
					ExternalEventID:   msg.ID,
					Kind:              domain.KindMessageReceived,
					OccurredAt:        parseUnixSeconds(msg.Timestamp),
					ConversationKey:   domain.BuildConversationKey("whatsapp", msg.From),
					SenderID:          msg.From,
					Text:              msg.Text.Body,
					ExternalMessageID: msg.ID,
				})
			}
			for _, st := range change.Value.Statuses {
				kind := domain.KindMessageSentAck
				if st.Status == "failed" {
					kind = domain.KindMessageFailed
				}
				events = append(events, domain.InboundEvent{
					ExternalEventID:   st.ID + ":" + st.Status,
					Kind:              kind,
					OccurredAt:        parseUnixSeconds(st.Timestamp),
					ConversationKey:   domain.BuildConversationKey("whatsapp", st.RecipientID),
					ExternalMessageID: st.ID,
					StatusHint:        st.Status,
				})
			}
		}
	}
	return events
}

func parseUnixSeconds(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *WhatsApp) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// Send delivers a text message via the Cloud API and returns the provider
// message id for later status correlation.
func (w *WhatsApp) Send(ctx context.Context, conversationKey, text string) (string, error) {
	_, to, err := domain.SplitConversationKey(conversationKey)
	if err != nil {
		return "", retry.Permanent(err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.cfg.PhoneNumberID)
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var sendResp waSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(sendResp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp API returned no message id")
	}
	return sendResp.Messages[0].ID, nil
}

// --- Cloud API payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMessage struct {
	From      string  `json:"from"`
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	Text      *waText `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // sent | delivered | read | failed
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}
