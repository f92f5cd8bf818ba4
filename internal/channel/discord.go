package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/retry"
)

// Discord implements domain.Channel over the Discord gateway.
type Discord struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	logger  *slog.Logger
}

func NewDiscord(cfg config.DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{cfg: cfg, logger: logger}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and listens until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, sink domain.EventSink) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		if d.cfg.GuildID != "" && m.GuildID != d.cfg.GuildID {
			return
		}
		if m.Content == "" {
			return
		}

		ev := domain.InboundEvent{
			ExternalEventID:   m.ID,
			Kind:              domain.KindMessageReceived,
			OccurredAt:        m.Timestamp.UTC(),
			ConversationKey:   domain.BuildConversationKey("discord", m.ChannelID),
			SenderID:          m.Author.ID,
			Text:              m.Content,
			ExternalMessageID: m.ID,
		}
		ack, err := sink.Handle(ctx, ev)
		if err != nil {
			d.logger.Error("discord event processing failed", "err", err)
			return
		}
		d.logger.Debug("discord event handled", "ack", ack)
	})

	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Connect) {
		d.notifyConnection(ctx, sink, "up")
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.notifyConnection(ctx, sink, "down")
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected")

	<-ctx.Done()
	d.logger.Info("discord channel stopping")
	return session.Close()
}

func (d *Discord) notifyConnection(ctx context.Context, sink domain.EventSink, state string) {
	_, err := sink.Handle(ctx, domain.InboundEvent{
		Kind:            domain.KindConnectionStatus,
		ConversationKey: "discord:gateway",
		StatusHint:      state,
	})
	if err != nil {
		d.logger.Warn("discord connection event failed", "err", err)
	}
}

// Send posts a message to the conversation's Discord channel.
func (d *Discord) Send(ctx context.Context, conversationKey, text string) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord session not started")
	}
	_, channelID, err := domain.SplitConversationKey(conversationKey)
	if err != nil {
		return "", retry.Permanent(err)
	}

	msg, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return msg.ID, nil
}
