package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	name       string
	externalID string
	errs       []error // consumed one per Send call
	calls      int
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Send(ctx context.Context, conversationKey, text string) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.externalID, nil
}

type recordingStore struct {
	outbound  []domain.ConversationMessage
	appendErr error
}

func (r *recordingStore) AppendOutbound(ctx context.Context, m domain.ConversationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.appendErr != nil {
		return r.appendErr
	}
	r.outbound = append(r.outbound, m)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
}

func newTestDispatcher(store *recordingStore, transports ...domain.OutboundTransport) *Dispatcher {
	d := NewDispatcher(store, fastPolicy(), testLogger())
	for _, t := range transports {
		d.RegisterTransport(t)
	}
	return d
}

func TestDispatchSuccess(t *testing.T) {
	store := &recordingStore{}
	transport := &fakeTransport{name: "whatsapp", externalID: "wamid.123"}
	d := newTestDispatcher(store, transport)

	res := d.Dispatch(context.Background(), "whatsapp:15551234567", "hello")
	if res.Err != nil {
		t.Fatalf("Dispatch: %v", res.Err)
	}
	if res.Status != domain.StatusSent || res.ExternalMessageID != "wamid.123" {
		t.Errorf("result = %+v", res)
	}
	if len(store.outbound) != 1 {
		t.Fatalf("outbound rows = %d, want 1", len(store.outbound))
	}
	row := store.outbound[0]
	if row.Status != domain.StatusSent || row.ExternalMessageID != "wamid.123" || row.Body != "hello" {
		t.Errorf("stored row = %+v", row)
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	store := &recordingStore{}
	transport := &fakeTransport{
		name:       "whatsapp",
		externalID: "wamid.456",
		errs:       []error{errors.New("timeout"), nil},
	}
	d := newTestDispatcher(store, transport)

	res := d.Dispatch(context.Background(), "whatsapp:15551234567", "hi")
	if res.Err != nil || res.Status != domain.StatusSent {
		t.Fatalf("result = %+v", res)
	}
	if transport.calls != 2 {
		t.Errorf("send attempts = %d, want 2", transport.calls)
	}
}

func TestDispatchExhaustedRetriesRecordsFailure(t *testing.T) {
	store := &recordingStore{}
	transport := &fakeTransport{
		name: "whatsapp",
		errs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	d := newTestDispatcher(store, transport)

	res := d.Dispatch(context.Background(), "whatsapp:15551234567", "hi")
	if res.Err == nil || res.Status != domain.StatusFailed {
		t.Fatalf("result = %+v, want failure", res)
	}
	if transport.calls != 3 {
		t.Errorf("send attempts = %d, want 3", transport.calls)
	}
	if len(store.outbound) != 1 || store.outbound[0].Status != domain.StatusFailed {
		t.Errorf("failed delivery must still be recorded, rows = %+v", store.outbound)
	}
}

func TestDispatchPermanentErrorSkipsRetries(t *testing.T) {
	store := &recordingStore{}
	transport := &fakeTransport{
		name: "whatsapp",
		errs: []error{retry.Permanent(errors.New("recipient blocked bot"))},
	}
	d := newTestDispatcher(store, transport)

	res := d.Dispatch(context.Background(), "whatsapp:15551234567", "hi")
	if res.Status != domain.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	if transport.calls != 1 {
		t.Errorf("send attempts = %d, want 1 for permanent error", transport.calls)
	}
}

func TestDispatchUnknownChannel(t *testing.T) {
	store := &recordingStore{}
	d := newTestDispatcher(store, &fakeTransport{name: "whatsapp"})

	res := d.Dispatch(context.Background(), "carrier-pigeon:42", "hi")
	if res.Status != domain.StatusFailed || res.Err == nil {
		t.Fatalf("result = %+v, want failure for unknown channel", res)
	}
	if len(store.outbound) != 1 || store.outbound[0].Status != domain.StatusFailed {
		t.Error("unknown-channel failure must still be recorded")
	}
}

func TestDispatchMalformedKey(t *testing.T) {
	store := &recordingStore{}
	d := newTestDispatcher(store, &fakeTransport{name: "whatsapp"})

	res := d.Dispatch(context.Background(), "no-separator", "hi")
	if res.Status != domain.StatusFailed || res.Err == nil {
		t.Fatalf("result = %+v, want failure for malformed key", res)
	}
}

func TestDispatchRecordsOutboundPastDeadline(t *testing.T) {
	store := &recordingStore{}
	transport := &fakeTransport{name: "whatsapp", externalID: "wamid.55"}
	d := newTestDispatcher(store, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the event deadline expired before dispatch ran

	res := d.Dispatch(ctx, "whatsapp:15551234567", "fallback reply")
	if res.Err != nil {
		t.Errorf("Err = %v, bookkeeping must not inherit the expired deadline", res.Err)
	}
	if len(store.outbound) != 1 {
		t.Fatalf("outbound rows = %d, want 1 (outcome must be recorded regardless of the deadline)", len(store.outbound))
	}
}

func TestDispatchRecordFailureSurfaces(t *testing.T) {
	store := &recordingStore{appendErr: errors.New("disk full")}
	transport := &fakeTransport{name: "whatsapp", externalID: "wamid.789"}
	d := newTestDispatcher(store, transport)

	res := d.Dispatch(context.Background(), "whatsapp:15551234567", "hi")
	if res.Status != domain.StatusSent {
		t.Errorf("status = %q, delivery itself succeeded", res.Status)
	}
	if res.Err == nil {
		t.Error("bookkeeping failure should surface in Err")
	}
}
