package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
)

type fakeReader struct {
	hits []domain.ConversationMessage
	err  error
}

func (f *fakeReader) RecentMessages(ctx context.Context, key string, count int) ([]domain.ConversationMessage, error) {
	return f.hits, f.err
}

func (f *fakeReader) SearchText(ctx context.Context, key, query string, limit int) ([]domain.ConversationMessage, error) {
	return f.hits, f.err
}

func TestHandleSearchNoMatches(t *testing.T) {
	reader := &fakeReader{}
	reply, err := HandleSearch(context.Background(), reader, "whatsapp:123", Invocation{Kind: KindSearch, Arg: "invoice"})
	if err != nil {
		t.Fatalf("HandleSearch: %v", err)
	}
	want := "No messages found matching 'invoice'"
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
}

func TestHandleSearchFormatsHits(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	reader := &fakeReader{hits: []domain.ConversationMessage{
		{Direction: domain.DirectionInbound, Body: "send the invoice please", CreatedAt: ts},
		{Direction: domain.DirectionOutbound, Body: "invoice attached", CreatedAt: ts.Add(time.Minute)},
	}}

	reply, err := HandleSearch(context.Background(), reader, "whatsapp:123", Invocation{Kind: KindSearch, Arg: "invoice"})
	if err != nil {
		t.Fatalf("HandleSearch: %v", err)
	}
	if !strings.Contains(reply, "Found 2 message(s) matching 'invoice'") {
		t.Errorf("missing header in %q", reply)
	}
	if !strings.Contains(reply, "them: send the invoice please") {
		t.Errorf("missing inbound hit in %q", reply)
	}
	if !strings.Contains(reply, "bot: invoice attached") {
		t.Errorf("missing outbound hit in %q", reply)
	}
}

func TestHandleSearchEmptyArg(t *testing.T) {
	reply, err := HandleSearch(context.Background(), &fakeReader{}, "whatsapp:123", Invocation{Kind: KindSearch})
	if err != nil {
		t.Fatalf("HandleSearch: %v", err)
	}
	if !strings.HasPrefix(reply, "Usage:") {
		t.Errorf("expected usage reply, got %q", reply)
	}
}

func TestHandleSearchStoreError(t *testing.T) {
	wantErr := errors.New("db locked")
	_, err := HandleSearch(context.Background(), &fakeReader{err: wantErr}, "whatsapp:123", Invocation{Kind: KindSearch, Arg: "x"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}
