package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent_ChronologicalOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := "whatsapp:+15550001111"

	for i, body := range []string{"first", "second", "third"} {
		msg := domain.ConversationMessage{
			ConversationKey:   key,
			ContentKind:       domain.ContentText,
			Body:              body,
			ExternalMessageID: "m" + string(rune('1'+i)),
			Status:            domain.StatusDelivered,
		}
		if err := s.AppendInbound(ctx, msg); err != nil {
			t.Fatalf("append %q: %v", body, err)
		}
	}

	msgs, err := s.RecentMessages(ctx, key, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "second" || msgs[1].Body != "third" {
		t.Fatalf("expected oldest-first window [second third], got [%s %s]", msgs[0].Body, msgs[1].Body)
	}
	if msgs[0].Direction != domain.DirectionInbound {
		t.Fatalf("expected inbound direction, got %s", msgs[0].Direction)
	}
}

func TestRecentMessages_ScopedToConversation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: "whatsapp:a", Body: "for a", Status: domain.StatusDelivered})
	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: "whatsapp:b", Body: "for b", Status: domain.StatusDelivered})

	msgs, err := s.RecentMessages(ctx, "whatsapp:a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "for a" {
		t.Fatalf("expected only conversation a's message, got %+v", msgs)
	}
}

func TestSearchText(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := "whatsapp:+15550001111"

	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "please pay the invoice today", Status: domain.StatusDelivered})
	s.AppendOutbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "invoice received, thanks", Status: domain.StatusSent})
	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "unrelated chatter", Status: domain.StatusDelivered})

	hits, err := s.SearchText(ctx, key, "invoice", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}

	none, err := s.SearchText(ctx, key, "no-such-term", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no hits, got %d", len(none))
	}
}

func TestSearchText_WildcardsMatchLiterally(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := "whatsapp:+15550001111"

	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "paid 100% of the bill", Status: domain.StatusDelivered})
	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "paid 1003 of the bill", Status: domain.StatusDelivered})
	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "order_id is 7", Status: domain.StatusDelivered})
	s.AppendInbound(ctx, domain.ConversationMessage{ConversationKey: key, Body: "orderXid is 7", Status: domain.StatusDelivered})

	hits, err := s.SearchText(ctx, key, "100%", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Body != "paid 100% of the bill" {
		t.Fatalf("%% must match literally, got %+v", hits)
	}

	hits, err = s.SearchText(ctx, key, "order_id", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Body != "order_id is 7" {
		t.Fatalf("_ must match literally, got %+v", hits)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.AppendOutbound(ctx, domain.ConversationMessage{
		ConversationKey:   "whatsapp:+15550001111",
		Body:              "hello",
		ExternalMessageID: "wamid.42",
		Status:            domain.StatusSent,
	})

	ok, err := s.UpdateStatus(ctx, "wamid.42", domain.StatusRead)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !ok {
		t.Fatal("expected a matched row")
	}

	msgs, _ := s.RecentMessages(ctx, "whatsapp:+15550001111", 1)
	if msgs[0].Status != domain.StatusRead {
		t.Fatalf("expected status read, got %s", msgs[0].Status)
	}
}

func TestUpdateStatus_NoMatchIsNoOp(t *testing.T) {
	s := testStore(t)

	ok, err := s.UpdateStatus(context.Background(), "wamid.unknown", domain.StatusFailed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no matched row")
	}
}

func TestMarkEventProcessed_FirstFreshThenDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	fresh, err := s.MarkEventProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("first mark should be fresh")
	}

	fresh, err = s.MarkEventProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("second mark should be duplicate")
	}
}

func TestForgetEvent_ReadmitsIdentifier(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if fresh, _ := s.MarkEventProcessed(ctx, "evt-1"); !fresh {
		t.Fatal("first mark should be fresh")
	}
	if err := s.ForgetEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if fresh, _ := s.MarkEventProcessed(ctx, "evt-1"); !fresh {
		t.Fatal("forgotten identifier should be fresh again")
	}
}

func TestPruneProcessedEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.MarkEventProcessed(ctx, "old-evt")

	n, err := s.PruneProcessedEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	// Pruned identifiers admit again.
	fresh, _ := s.MarkEventProcessed(ctx, "old-evt")
	if !fresh {
		t.Fatal("pruned identifier should be fresh again")
	}
}
