package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

// Telegram implements domain.Channel on long polling.
type Telegram struct {
	cfg    config.TelegramConfig
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	return &Telegram{cfg: cfg, logger: logger}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, sink domain.EventSink) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, sink, update)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, sink domain.EventSink, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.From.IsBot {
		return
	}

	ev := domain.InboundEvent{
		// Update IDs are unique per bot, message IDs only per chat.
		ExternalEventID:   fmt.Sprintf("tg-update-%d", update.UpdateID),
		Kind:              domain.KindMessageReceived,
		OccurredAt:        time.Unix(int64(msg.Date), 0).UTC(),
		ConversationKey:   domain.BuildConversationKey("telegram", strconv.FormatInt(msg.Chat.ID, 10)),
		SenderID:          strconv.FormatInt(msg.From.ID, 10),
		Text:              msg.Text,
		ExternalMessageID: fmt.Sprintf("tg-%d-%d", msg.Chat.ID, msg.MessageID),
	}

	ack, err := sink.Handle(ctx, ev)
	if err != nil {
		t.logger.Error("telegram event processing failed", "err", err)
		return
	}
	t.logger.Debug("telegram event handled", "ack", ack)
}

// Send delivers a message and returns a synthetic message id matching the
// inbound format.
func (t *Telegram) Send(ctx context.Context, conversationKey, text string) (string, error) {
	if t.bot == nil {
		return "", fmt.Errorf("telegram bot not started")
	}
	_, chat, err := domain.SplitConversationKey(conversationKey)
	if err != nil {
		return "", retry.Permanent(err)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("telegram chat id %q: %w", chat, err))
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return fmt.Sprintf("tg-%d-%d", chatID, sent.MessageID), nil
}
